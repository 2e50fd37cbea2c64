// internal/ingest/parser.go
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/FairForge/poolwatch/internal/pool"
)

// ErrMalformedLine marks lines the parser cannot attribute to a pool: invalid
// JSON, a missing or unknown pool field. Callers count and skip these; one bad
// line must never stop ingestion.
var ErrMalformedLine = errors.New("ingest: malformed line")

// flexString absorbs nginx JSON fields that appear as either a bare number or
// a quoted string depending on the log_format in use.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*f = flexString(v)
		return nil
	}
	*f = flexString(s)
	return nil
}

type accessEntry struct {
	Pool           flexString `json:"pool"`
	UpstreamStatus flexString `json:"upstream_status"`
	Status         flexString `json:"status"`
	Msec           flexString `json:"msec"`
	TimeISO8601    flexString `json:"time_iso8601"`
	RequestTime    flexString `json:"request_time"`
}

// Parser turns JSON access-log lines into request outcomes.
type Parser struct {
	now func() time.Time
}

func NewParser() *Parser {
	return &Parser{now: time.Now}
}

// ParseLine extracts one request outcome from a log line. Failure means any
// upstream attempt returned a 5xx: nginx logs retried requests as a
// comma-separated upstream_status list ("502, 200"), and a retry that
// eventually succeeded still burned an upstream error.
func (p *Parser) ParseLine(line string) (pool.RequestOutcome, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return pool.RequestOutcome{}, fmt.Errorf("%w: empty", ErrMalformedLine)
	}

	var entry accessEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		return pool.RequestOutcome{}, fmt.Errorf("%w: %s", ErrMalformedLine, truncate(line, 120))
	}

	if entry.Pool == "" {
		return pool.RequestOutcome{}, fmt.Errorf("%w: no pool field: %s", ErrMalformedLine, truncate(line, 120))
	}
	id, err := pool.ParseID(string(entry.Pool))
	if err != nil {
		return pool.RequestOutcome{}, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}

	bad, err := failed(entry)
	if err != nil {
		return pool.RequestOutcome{}, err
	}

	out := pool.RequestOutcome{
		Pool:      id,
		Timestamp: p.timestamp(entry),
		Success:   !bad,
		Latency:   seconds(string(entry.RequestTime)),
	}
	return out, nil
}

// failed reports whether any upstream attempt hit a 5xx. Falls back to the
// client-facing status when upstream_status is absent ("-" when nginx served
// from cache or errored before picking an upstream). A line carrying neither
// signal has no verdict at all and is malformed.
func failed(entry accessEntry) (bool, error) {
	saw := false
	for _, part := range strings.Split(string(entry.UpstreamStatus), ",") {
		part = strings.TrimSpace(part)
		if part == "" || part == "-" {
			continue
		}
		saw = true
		if strings.HasPrefix(part, "5") {
			return true, nil
		}
	}
	if saw {
		return false, nil
	}

	code, err := strconv.Atoi(strings.TrimSpace(string(entry.Status)))
	if err != nil {
		return false, fmt.Errorf("%w: no status field", ErrMalformedLine)
	}
	return code >= 500, nil
}

// timestamp prefers msec (epoch seconds with millisecond fraction), then
// time_iso8601, then arrival time.
func (p *Parser) timestamp(entry accessEntry) time.Time {
	if entry.Msec != "" {
		if f, err := strconv.ParseFloat(string(entry.Msec), 64); err == nil && f > 0 {
			sec := int64(f)
			nsec := int64((f - float64(sec)) * float64(time.Second))
			return time.Unix(sec, nsec)
		}
	}
	if entry.TimeISO8601 != "" {
		if ts, err := time.Parse(time.RFC3339, string(entry.TimeISO8601)); err == nil {
			return ts
		}
	}
	return p.now()
}

func seconds(s string) time.Duration {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f < 0 {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
