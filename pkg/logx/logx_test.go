package logx

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSender struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSender) SendAlert(_ context.Context, text string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	return nil
}

func (c *captureSender) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestFormatAlert(t *testing.T) {
	t.Parallel()

	got := formatAlert([]byte(`{"level":"warn","time":"x","caller":"a.go:1","message":"trigger late","late_ms":1200,"action":"TRIGGER","comp":"scheduler","id":7}`))
	assert.Equal(t, "[WARN] trigger late\n- comp=scheduler\n- id=7\n- action=TRIGGER\n- late_ms=1200", got)

	withStack := formatAlert([]byte(`{"level":"error","message":"panic","stack":"goroutine 1","err":"boom"}`))
	assert.Equal(t, "[ERROR] panic\n- err=boom\n- stack=\ngoroutine 1", withStack)

	assert.Equal(t, "not json", formatAlert([]byte("  not json  ")))
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "abcdefg...", truncate(strings.Repeat("abcdefghij", 3), 10))
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"WARNING": zerolog.WarnLevel,
		" error ": zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLevel(in, zerolog.InfoLevel), in)
	}
}

func TestAlertSinkRespectsMinLevel(t *testing.T) {
	svc, log := New(Config{
		Level: "debug",
		Alert: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100},
		File:  FileConfig{Enabled: true, Path: t.TempDir() + "/alarmd.log"},
	})
	t.Cleanup(func() { _ = svc.Close() })

	sender := &captureSender{}
	svc.SetAlertSender(sender)

	log.Info("quiet")
	log.Warn("loud", String("comp", "test"))

	require.Eventually(t, func() bool { return len(sender.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	msgs := sender.snapshot()
	assert.Contains(t, msgs[0], "[WARN] loud")
	assert.Contains(t, msgs[0], "comp=test")
}

func TestApplyKeepsLogFileAcrossReloads(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "alarmd.log")
	cfg := Config{Level: "info", File: FileConfig{Enabled: true, Path: path}}
	svc, log := New(cfg)
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("first", Millis("trigger_at", 1_700_000_000_000), Millis("unset", 0))
	f := svc.file
	cfg.Level = "debug"
	svc.Apply(cfg)
	assert.Same(t, f, svc.file)
	log.Debug("second")

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"trigger_at":"2023-11-14T22:13:20`)
	assert.NotContains(t, lines[0], "unset")
	assert.Contains(t, lines[0], `"caller":"logx_test.go:`)
	assert.True(t, log.Enabled(zerolog.DebugLevel))
}

func TestNopLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var zero Logger
	assert.True(t, zero.IsZero())
	zero.With(String("a", "b")).Error("ignored")
	Nop().Info("ignored")
}
