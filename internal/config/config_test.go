package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New())
	require.NoError(t, err)

	assert.Equal(t, "8083", cfg.Port)
	assert.Equal(t, "localhost:8086", cfg.ChatGRPCAddr)
	assert.Equal(t, "room_events", cfg.AMQPExchange)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 64*1024, cfg.LogTailBytes)
	assert.Empty(t, cfg.DBDSN)
	assert.Empty(t, cfg.CORSOrigins)

	assert.Equal(t, 300*time.Millisecond, cfg.Session.FindRetryDelay)
	assert.Equal(t, 3, cfg.Session.FindRetries)
	assert.Equal(t, 300*time.Millisecond, cfg.Session.InitRetryDelay)
	assert.Equal(t, 5*time.Second, cfg.Session.JumpTimeout)
	assert.Equal(t, time.Second, cfg.Session.IntentDebounce)
	assert.True(t, cfg.Session.ShowUnread)
	assert.False(t, cfg.Session.UseRealName)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("FIND_RETRY_DELAY", "50ms")
	t.Setenv("FIND_RETRIES", "5")
	t.Setenv("USE_REAL_NAME", "true")
	t.Setenv("SHOW_UNREAD_BADGE", "false")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(New())
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, 50*time.Millisecond, cfg.Session.FindRetryDelay)
	assert.Equal(t, 5, cfg.Session.FindRetries)
	assert.True(t, cfg.Session.UseRealName)
	assert.False(t, cfg.Session.ShowUnread)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("PORT", "9000")

	v := New()
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.String("port", "", "")
	fs.Bool("debug-routes", false, "")
	require.NoError(t, fs.Parse([]string{"--port", "9100", "--debug-routes"}))
	require.NoError(t, BindFlags(v, fs))

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "9100", cfg.Port)
	assert.True(t, cfg.DebugRoutes)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "log level", env: map[string]string{"LOG_LEVEL": "loud"}},
		{name: "retry delay", env: map[string]string{"FIND_RETRY_DELAY": "0s"}},
		{name: "jump timeout", env: map[string]string{"JUMP_TIMEOUT": "-1s"}},
		{name: "retries", env: map[string]string{"FIND_RETRIES": "-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, val := range tt.env {
				t.Setenv(k, val)
			}
			_, err := Load(New())
			assert.Error(t, err)
		})
	}
}
