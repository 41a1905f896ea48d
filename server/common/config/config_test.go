package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPresenceDefaults(t *testing.T) {
	cfg, err := LoadPresence(NewViper())
	require.NoError(t, err)

	assert.Equal(t, defaultPresenceAddress, cfg.HTTPAddress)
	assert.Equal(t, 2*time.Second, cfg.TypingTTL)
	assert.False(t, cfg.Auth.Required)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Equal(t, "WorkspaceMember", cfg.Directory.MemberTable)
	assert.Equal(t, 30*time.Second, cfg.Directory.CacheTTL)
	assert.Equal(t, uint64(50_000), cfg.Directory.CacheCapacity)
}

func TestLoadPresenceRequiresSecretWhenAuthRequired(t *testing.T) {
	v := NewViper()
	v.Set("auth.required", true)

	_, err := LoadPresence(v)
	require.Error(t, err)

	v.Set("auth.jwt_secret", "s3cret")
	cfg, err := LoadPresence(v)
	require.NoError(t, err)
	assert.True(t, cfg.Auth.Required)
	assert.Equal(t, 24*time.Hour, cfg.Auth.JWTTTL)
}

func TestLoadPresenceRejectsUnsafeIdentifiers(t *testing.T) {
	v := NewViper()
	v.Set("postgres.dsn", "postgres://localhost/app")
	v.Set("postgres.member_table", `members"; DROP TABLE x; --`)

	_, err := LoadPresence(v)
	require.Error(t, err)
}

func TestLoadPresenceFromEnv(t *testing.T) {
	t.Setenv("STUDY_RT_HTTP_ADDRESS", "127.0.0.1:9000")
	t.Setenv("STUDY_RT_CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example,https://a.example")
	t.Setenv("STUDY_RT_TYPING_TTL", "3s")

	cfg, err := LoadPresence(NewViper())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTPAddress)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 3*time.Second, cfg.TypingTTL)
}

func TestLoadRelay(t *testing.T) {
	cfg, err := LoadRelay(NewViper())
	require.NoError(t, err)
	assert.Equal(t, defaultRelayAddress, cfg.HTTPAddress)
	assert.True(t, cfg.GC)
	assert.Equal(t, 256, cfg.QueueSize)

	v := NewViper()
	v.Set("relay.queue_size", 0)
	_, err = LoadRelay(v)
	require.Error(t, err)
}

func TestCSV(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, CSV(" a ,b,,a ", nil))
	assert.Equal(t, []string{"x"}, CSV("  ", []string{"x"}))
	assert.Equal(t, []string{"x"}, CSV(",,", []string{"x"}))
}
