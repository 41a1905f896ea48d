package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "STUDY_RT"

	defaultPresenceAddress = "0.0.0.0:3001"
	defaultRelayAddress    = "0.0.0.0:1234"
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	defaultLogMaxSizeMB    = 20
	defaultJWTTTLMinutes   = 1440
	defaultTypingTTL       = 2 * time.Second
	defaultPollWait        = 25 * time.Second
	defaultPollIdle        = 60 * time.Second
	defaultMemberTable     = "WorkspaceMember"
	defaultWorkspaceColumn = "workspaceId"
	defaultUserColumn      = "userId"
	defaultMemberCacheTTL  = 30 * time.Second
	defaultMemberCacheSize = 50_000
	defaultRelayQueueSize  = 256
)

var sqlIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type LogConfig struct {
	Level     string
	Format    string
	File      string
	MaxSizeMB int
}

type AuthConfig struct {
	Required  bool
	JWTSecret string
	JWTTTL    time.Duration
}

type DirectoryConfig struct {
	PostgresDSN     string
	MemberTable     string
	WorkspaceColumn string
	UserColumn      string
	CacheTTL        time.Duration
	CacheCapacity   uint64
}

// PresenceConfig configures the event router server.
type PresenceConfig struct {
	NodeID         string
	HTTPAddress    string
	Log            LogConfig
	Auth           AuthConfig
	AllowedOrigins []string
	TypingTTL      time.Duration
	PollWait       time.Duration
	PollIdle       time.Duration
	RedisAddr      string
	AMQPURL        string
	Directory      DirectoryConfig
}

// RelayConfig configures the CRDT relay server.
type RelayConfig struct {
	HTTPAddress string
	Log         LogConfig
	GC          bool
	QueueSize   int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	v := viper.New()
	ApplyDefaults(v)
	return v
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("node.id", "")
	v.SetDefault("http.address", defaultPresenceAddress)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.format", defaultLogFormat)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", defaultLogMaxSizeMB)
	v.SetDefault("auth.required", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_ttl_minutes", defaultJWTTTLMinutes)
	v.SetDefault("cors.allowed_origins", "*")
	v.SetDefault("typing.ttl", defaultTypingTTL)
	v.SetDefault("poll.wait", defaultPollWait)
	v.SetDefault("poll.idle", defaultPollIdle)
	v.SetDefault("redis.addr", "")
	v.SetDefault("amqp.url", "")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.member_table", defaultMemberTable)
	v.SetDefault("postgres.workspace_column", defaultWorkspaceColumn)
	v.SetDefault("postgres.user_column", defaultUserColumn)
	v.SetDefault("postgres.cache_ttl", defaultMemberCacheTTL)
	v.SetDefault("postgres.cache_capacity", defaultMemberCacheSize)
	v.SetDefault("relay.address", defaultRelayAddress)
	v.SetDefault("relay.gc", true)
	v.SetDefault("relay.queue_size", defaultRelayQueueSize)
}

// LoadPresence parses router configuration from viper.
func LoadPresence(v *viper.Viper) (PresenceConfig, error) {
	cfg := PresenceConfig{
		NodeID:      strings.TrimSpace(v.GetString("node.id")),
		HTTPAddress: strings.TrimSpace(v.GetString("http.address")),
		Log:         loadLog(v),
		Auth: AuthConfig{
			Required:  v.GetBool("auth.required"),
			JWTSecret: v.GetString("auth.jwt_secret"),
			JWTTTL:    time.Duration(v.GetInt("auth.jwt_ttl_minutes")) * time.Minute,
		},
		AllowedOrigins: CSV(v.GetString("cors.allowed_origins"), []string{"*"}),
		TypingTTL:      v.GetDuration("typing.ttl"),
		PollWait:       v.GetDuration("poll.wait"),
		PollIdle:       v.GetDuration("poll.idle"),
		RedisAddr:      strings.TrimSpace(v.GetString("redis.addr")),
		AMQPURL:        strings.TrimSpace(v.GetString("amqp.url")),
		Directory: DirectoryConfig{
			PostgresDSN:     strings.TrimSpace(v.GetString("postgres.dsn")),
			MemberTable:     strings.TrimSpace(v.GetString("postgres.member_table")),
			WorkspaceColumn: strings.TrimSpace(v.GetString("postgres.workspace_column")),
			UserColumn:      strings.TrimSpace(v.GetString("postgres.user_column")),
			CacheTTL:        v.GetDuration("postgres.cache_ttl"),
			CacheCapacity:   v.GetUint64("postgres.cache_capacity"),
		},
	}
	if err := cfg.validate(); err != nil {
		return PresenceConfig{}, err
	}
	return cfg, nil
}

// LoadRelay parses relay configuration from viper.
func LoadRelay(v *viper.Viper) (RelayConfig, error) {
	cfg := RelayConfig{
		HTTPAddress: strings.TrimSpace(v.GetString("relay.address")),
		Log:         loadLog(v),
		GC:          v.GetBool("relay.gc"),
		QueueSize:   v.GetInt("relay.queue_size"),
	}
	if cfg.HTTPAddress == "" {
		return RelayConfig{}, fmt.Errorf("relay.address is required")
	}
	if cfg.QueueSize <= 0 {
		return RelayConfig{}, fmt.Errorf("relay.queue_size must be greater than 0")
	}
	return cfg, nil
}

func loadLog(v *viper.Viper) LogConfig {
	return LogConfig{
		Level:     v.GetString("log.level"),
		Format:    v.GetString("log.format"),
		File:      strings.TrimSpace(v.GetString("log.file")),
		MaxSizeMB: v.GetInt("log.max_size_mb"),
	}
}

func (c PresenceConfig) validate() error {
	if c.HTTPAddress == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.Auth.Required && strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth.required is set")
	}
	if c.TypingTTL <= 0 {
		return fmt.Errorf("typing.ttl must be greater than 0")
	}
	if c.PollWait <= 0 || c.PollIdle <= c.PollWait {
		return fmt.Errorf("poll.idle must be greater than poll.wait")
	}
	if c.Directory.PostgresDSN != "" {
		for key, ident := range map[string]string{
			"postgres.member_table":     c.Directory.MemberTable,
			"postgres.workspace_column": c.Directory.WorkspaceColumn,
			"postgres.user_column":      c.Directory.UserColumn,
		} {
			if !sqlIdentifier.MatchString(ident) {
				return fmt.Errorf("%s must be a plain SQL identifier", key)
			}
		}
	}
	return nil
}

// CSV splits a comma separated list, trimming and de-duplicating entries.
func CSV(raw string, fallback []string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return append([]string(nil), fallback...)
	}
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	seen := map[string]struct{}{}
	for _, part := range parts {
		item := strings.TrimSpace(part)
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		result = append(result, item)
	}
	if len(result) == 0 {
		return append([]string(nil), fallback...)
	}
	return result
}
