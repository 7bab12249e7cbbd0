package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestParseYAMLWithEnvExpansion(t *testing.T) {
	t.Setenv("ALARMD_TEST_TOKEN", "secret-token")

	p := writeFile(t, "alarmd.yaml", `
logging:
  level: debug
  console: true
lifecycle:
  snooze_minutes: 5
  timeout_window: 3m
scheduler:
  timezone: UTC
telegram:
  enabled: true
  token: ${ALARMD_TEST_TOKEN}
  chat_id: 42
  owner_user_ids: [1, 2]
`)
	cfg, err := NewConfigManager(p).Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "secret-token", cfg.Telegram.Token)
	assert.Equal(t, int64(42), cfg.Telegram.ChatID)
	assert.Equal(t, []int64{1, 2}, cfg.Telegram.OwnerUserIDs)

	eng, err := ResolveEngine(cfg)
	require.NoError(t, err)
	assert.Equal(t, 5, eng.SnoozeMinutes)
	assert.Equal(t, 3*time.Minute, eng.TimeoutWindow)
	assert.Equal(t, 3*time.Minute, eng.TimerTimeoutWindow)
	assert.Equal(t, "UTC", eng.Location.String())
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	p := writeFile(t, "alarmd.json", `{"logging":{"level":"info"},"plugins":{}}`)
	_, err := NewConfigManager(p).Parse()
	require.Error(t, err)
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()

	p := writeFile(t, "alarmd.json", `{"logging":{}} {"logging":{}}`)
	_, err := NewConfigManager(p).Parse()
	require.Error(t, err)
}

func TestParseYAMLDocuments(t *testing.T) {
	t.Parallel()

	_, err := NewConfigManager(writeFile(t, "two.yaml", "logging:\n  level: info\n---\nlogging:\n  level: debug\n")).Parse()
	require.Error(t, err)

	cfg, err := NewConfigManager(writeFile(t, "empty.yml", "")).Parse()
	require.NoError(t, err)
	assert.Equal(t, Config{}, *cfg)
}

func TestDurationFields(t *testing.T) {
	t.Parallel()

	d, err := ParseDurationField("x", " 90s ")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	d, err = ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	for _, raw := range []string{"-1s", "5ns", "soon"} {
		_, err := ParseDurationField("x", raw)
		assert.Error(t, err, raw)
	}
}

func TestExpandEnvLeavesBareDollar(t *testing.T) {
	t.Setenv("ALARMD_X", "y")
	assert.Equal(t, "a=y b=$ALARMD_X", string(expandEnv([]byte("a=${ALARMD_X} b=$ALARMD_X"))))
}

func TestResolveEngineDefaults(t *testing.T) {
	t.Parallel()

	eng, err := ResolveEngine(&Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultSnoozeMinutes, eng.SnoozeMinutes)
	assert.Equal(t, DefaultTimeoutWindow, eng.TimeoutWindow)
	assert.Equal(t, DefaultInexactWindow, eng.InexactWindow)
	assert.Equal(t, DefaultSweepInterval, eng.SweepInterval)
	assert.Equal(t, DefaultMissedGroupKey, eng.MissedGroupKey)
	assert.True(t, eng.NotificationsGranted)
	assert.True(t, eng.ExactSchedulingGranted)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	no := false
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "empty", cfg: Config{}},
		{name: "bad timezone", cfg: Config{Scheduler: SchedulerConfig{Timezone: "Mars/Olympus"}}, wantErr: true},
		{name: "bad duration", cfg: Config{Lifecycle: LifecycleConfig{TimeoutWindow: "soon"}}, wantErr: true},
		{name: "sqlite without path", cfg: Config{Storage: &StorageConfig{Driver: "sqlite"}}, wantErr: true},
		{name: "redis with url", cfg: Config{Storage: &StorageConfig{Driver: "redis", RedisURL: "redis://localhost:6379/0"}}},
		{name: "unknown driver", cfg: Config{Storage: &StorageConfig{Driver: "mongo"}}, wantErr: true},
		{name: "asynq without redis", cfg: Config{Durable: &DurableConfig{Driver: "asynq"}}, wantErr: true},
		{name: "public http without token", cfg: Config{HTTP: HTTPConfig{Enabled: true, Addr: "0.0.0.0:8080"}}, wantErr: true},
		{name: "public http with token", cfg: Config{HTTP: HTTPConfig{Enabled: true, Addr: "0.0.0.0:8080", Token: "t"}}},
		{name: "loopback http", cfg: Config{HTTP: HTTPConfig{Enabled: true}}},
		{name: "telegram missing chat", cfg: Config{Telegram: TelegramConfig{Enabled: true, Token: "x"}}, wantErr: true},
		{name: "permissions off", cfg: Config{Permissions: PermissionsConfig{Notifications: &no}}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(context.Background(), &tc.cfg)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Lifecycle: LifecycleConfig{SnoozeMinutes: 10}, Telegram: TelegramConfig{Token: "a"}}
	newCfg := &Config{Lifecycle: LifecycleConfig{SnoozeMinutes: 5}, Telegram: TelegramConfig{Token: "b"}}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	// A token rotation alone is not reported (and never logged).
	assert.Equal(t, []string{"lifecycle"}, changed)
	assert.NotEmpty(t, attrs)
}

func TestWatchPublishesValidatedChanges(t *testing.T) {
	p := writeFile(t, "alarmd.json", `{"lifecycle":{"snooze_minutes":10}}`)
	m := NewConfigManager(p)
	m.debounce = 20 * time.Millisecond
	m.SetValidator(Validate)
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(4)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher time to register before editing.
	time.Sleep(100 * time.Millisecond)

	// An invalid edit is rejected; the valid one is published.
	require.NoError(t, os.WriteFile(p, []byte(`{"lifecycle":{"timeout_window":"nope"}}`), 0o600))
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, os.WriteFile(p, []byte(`{"lifecycle":{"snooze_minutes":3}}`), 0o600))

	select {
	case cfg := <-ch:
		assert.Equal(t, 3, cfg.Lifecycle.SnoozeMinutes)
		assert.Equal(t, 3, m.Get().Lifecycle.SnoozeMinutes)
	case <-time.After(3 * time.Second):
		t.Fatal("config change not published")
	}
}

func TestSlowSubscriberGetsLatest(t *testing.T) {
	t.Parallel()

	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	first := &Config{Lifecycle: LifecycleConfig{SnoozeMinutes: 1}}
	second := &Config{Lifecycle: LifecycleConfig{SnoozeMinutes: 2}}
	m.publish(first)
	m.publish(second)

	require.Len(t, ch, 1)
	assert.Same(t, second, <-ch)

	m.Unsubscribe(ch)
	m.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
}
