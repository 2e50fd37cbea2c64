// internal/switchover/reloader.go
package switchover

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"time"

	"github.com/FairForge/poolwatch/internal/pool"
)

// Reloader applies the given active-pool state to the proxy: regenerate the
// routing config and reload without dropping in-flight connections. The
// operation must be idempotent; the coordinator may re-invoke it with the same
// state after an unconfirmed attempt.
type Reloader interface {
	Reload(ctx context.Context, cfg pool.ActiveConfig) error
}

// ReloaderFunc adapts a function to the Reloader interface.
type ReloaderFunc func(ctx context.Context, cfg pool.ActiveConfig) error

func (f ReloaderFunc) Reload(ctx context.Context, cfg pool.ActiveConfig) error {
	return f(ctx, cfg)
}

// NoopReloader confirms immediately, for setups where the proxy reconciles
// from the persisted state on its own schedule.
type NoopReloader struct{}

func (NoopReloader) Reload(ctx context.Context, cfg pool.ActiveConfig) error {
	return nil
}

// HTTPReloader POSTs the new state to a reload endpoint and treats any 2xx as
// confirmation.
type HTTPReloader struct {
	url    string
	client *http.Client
}

func NewHTTPReloader(url string, timeout time.Duration) *HTTPReloader {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPReloader{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (r *HTTPReloader) Reload(ctx context.Context, cfg pool.ActiveConfig) error {
	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("switchover: marshal reload payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("switchover: create reload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Poolwatch-Reload/1.0")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("switchover: reload request: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("switchover: reload endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// CommandReloader runs an external command (a config-render script, or
// "nginx -s reload") with the new state exposed through the environment as
// POOLWATCH_ACTIVE_POOL and POOLWATCH_GENERATION.
type CommandReloader struct {
	name string
	args []string
}

func NewCommandReloader(name string, args ...string) *CommandReloader {
	return &CommandReloader{name: name, args: args}
}

func (r *CommandReloader) Reload(ctx context.Context, cfg pool.ActiveConfig) error {
	cmd := exec.CommandContext(ctx, r.name, r.args...)
	cmd.Env = append(cmd.Environ(),
		fmt.Sprintf("POOLWATCH_ACTIVE_POOL=%s", cfg.ActivePool),
		fmt.Sprintf("POOLWATCH_GENERATION=%d", cfg.Generation),
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("switchover: reload command: %w: %s", err, truncateOutput(out))
	}
	return nil
}

func truncateOutput(out []byte) string {
	const max = 256
	if len(out) > max {
		out = out[:max]
	}
	return string(bytes.TrimSpace(out))
}
