// internal/ingest/parser_test.go
package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/poolwatch/internal/pool"
)

func TestParser_ParseLine(t *testing.T) {
	p := NewParser()

	t.Run("success outcome", func(t *testing.T) {
		out, err := p.ParseLine(`{"pool":"blue","status":"200","upstream_status":"200","request_time":"0.250"}`)
		require.NoError(t, err)
		assert.Equal(t, pool.Blue, out.Pool)
		assert.True(t, out.Success)
		assert.Equal(t, 250*time.Millisecond, out.Latency)
	})

	t.Run("upstream 5xx is failure", func(t *testing.T) {
		out, err := p.ParseLine(`{"pool":"green","status":"502","upstream_status":"502"}`)
		require.NoError(t, err)
		assert.Equal(t, pool.Green, out.Pool)
		assert.False(t, out.Success)
	})

	t.Run("retried request counts as failure", func(t *testing.T) {
		// nginx tried one upstream, got 502, retried and served 200.
		out, err := p.ParseLine(`{"pool":"blue","status":"200","upstream_status":"502, 200"}`)
		require.NoError(t, err)
		assert.False(t, out.Success)
	})

	t.Run("4xx is not failure", func(t *testing.T) {
		out, err := p.ParseLine(`{"pool":"blue","status":"404","upstream_status":"404"}`)
		require.NoError(t, err)
		assert.True(t, out.Success)
	})

	t.Run("dash upstream falls back to status", func(t *testing.T) {
		out, err := p.ParseLine(`{"pool":"blue","status":"500","upstream_status":"-"}`)
		require.NoError(t, err)
		assert.False(t, out.Success)

		out, err = p.ParseLine(`{"pool":"blue","status":"200","upstream_status":"-"}`)
		require.NoError(t, err)
		assert.True(t, out.Success)
	})

	t.Run("numeric fields accepted", func(t *testing.T) {
		out, err := p.ParseLine(`{"pool":"green","status":200,"upstream_status":200,"request_time":0.1}`)
		require.NoError(t, err)
		assert.True(t, out.Success)
		assert.Equal(t, 100*time.Millisecond, out.Latency)
	})

	t.Run("msec timestamp", func(t *testing.T) {
		out, err := p.ParseLine(`{"pool":"blue","status":"200","msec":"1724400000.123"}`)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Unix(1724400000, 123000000), out.Timestamp, time.Millisecond)
	})

	t.Run("iso8601 timestamp", func(t *testing.T) {
		out, err := p.ParseLine(`{"pool":"blue","status":"200","time_iso8601":"2025-08-23T10:00:00+00:00"}`)
		require.NoError(t, err)
		assert.Equal(t, 2025, out.Timestamp.Year())
		assert.Equal(t, 10, out.Timestamp.UTC().Hour())
	})

	t.Run("missing timestamp defaults to now", func(t *testing.T) {
		out, err := p.ParseLine(`{"pool":"blue","status":"200"}`)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now(), out.Timestamp, 2*time.Second)
	})
}

func TestParser_ParseLine_Malformed(t *testing.T) {
	p := NewParser()

	cases := []struct {
		name string
		line string
	}{
		{"not json", "10.0.0.1 - - [23/Aug/2025] GET /"},
		{"empty", ""},
		{"missing pool", `{"status":"200"}`},
		{"unknown pool", `{"pool":"canary","status":"200"}`},
		{"truncated json", `{"pool":"blue","sta`},
		{"no status at all", `{"pool":"blue","request_time":"0.1"}`},
		{"dash upstream and no status", `{"pool":"blue","upstream_status":"-"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.ParseLine(tc.line)
			assert.ErrorIs(t, err, ErrMalformedLine)
		})
	}
}

func TestParser_LongLineTruncatedInError(t *testing.T) {
	p := NewParser()
	long := "garbage " + string(make([]byte, 500))
	_, err := p.ParseLine(long)
	require.Error(t, err)
	assert.Less(t, len(err.Error()), 200)
}
