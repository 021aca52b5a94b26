package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"streamhub/pkg/tracing"

	"gopkg.in/yaml.v2"
)

// Bucket names used by the admission layer.
const (
	BucketAPI          = "api"
	BucketStreamCreate = "stream-create"
	BucketChat         = "chat"
	BucketTips         = "tips"
	BucketSignaling    = "signaling"
	BucketConnect      = "connect"
)

// BucketConfig is the capacity admitted per period for one bucket.
type BucketConfig struct {
	Capacity int           `yaml:"capacity"`
	Period   time.Duration `yaml:"period"`
	// Persistent buckets live in Redis when it is enabled.
	Persistent bool `yaml:"persistent"`
}

// ICEServer mirrors webrtc.ICEServer for the config file.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
	} `yaml:"server"`

	Signal struct {
		Path                string        `yaml:"path"`
		PingInterval        time.Duration `yaml:"ping_interval"`
		PongTimeout         time.Duration `yaml:"pong_timeout"`
		WriteTimeout        time.Duration `yaml:"write_timeout"`
		MaxMessageSizeBytes int64         `yaml:"max_message_size_bytes"`
		FramesPerSecond     float64       `yaml:"frames_per_second"`
		FrameBurst          int           `yaml:"frame_burst"`
	} `yaml:"signal"`

	Registry struct {
		MaxViewersPerStream int           `yaml:"max_viewers_per_stream"`
		EndedRetention      time.Duration `yaml:"ended_retention"`
		JanitorInterval     time.Duration `yaml:"janitor_interval"`
	} `yaml:"registry"`

	Bus struct {
		HistorySize      int  `yaml:"history_size"`
		SubscriberBuffer int  `yaml:"subscriber_buffer"`
		MaxMessageRunes  int  `yaml:"max_message_runes"`
		EmojiShortcodes  bool `yaml:"emoji_shortcodes"`
	} `yaml:"bus"`

	ABR struct {
		AdjustmentInterval time.Duration `yaml:"adjustment_interval"`
		WindowSize         int           `yaml:"window_size"`
		AgeDecay           float64       `yaml:"age_decay"`
		UpgradeScore       float64       `yaml:"upgrade_score"`
		Thresholds         struct {
			High   float64 `yaml:"high"`
			Medium float64 `yaml:"medium"`
			Low    float64 `yaml:"low"`
		} `yaml:"thresholds"`
		DowngradeScore  float64       `yaml:"downgrade_score"`
		CriticalScore   float64       `yaml:"critical_score"`
		CriticalSamples int           `yaml:"critical_samples"`
		EmergencyHold   time.Duration `yaml:"emergency_hold"`
		MaxDropRatio    float64       `yaml:"max_drop_ratio"`
		TickInterval    time.Duration `yaml:"tick_interval"`
	} `yaml:"abr"`

	Recording struct {
		StorageRoot         string        `yaml:"storage_root"`
		ChunkInterval       time.Duration `yaml:"chunk_interval"`
		SimulatedChunkBytes int           `yaml:"simulated_chunk_bytes"`
		MaxBytes            int64         `yaml:"max_bytes"`
		RetentionDays       int           `yaml:"retention_days"`
		SweepInterval       time.Duration `yaml:"sweep_interval"`
		Extension           string        `yaml:"extension"`
		FinalizeTimeout     time.Duration `yaml:"finalize_timeout"`
	} `yaml:"recording"`

	RateLimiting struct {
		Enabled bool                    `yaml:"enabled"`
		Buckets map[string]BucketConfig `yaml:"buckets"`
	} `yaml:"rate_limiting"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
	} `yaml:"webrtc"`

	Redis struct {
		Enabled       bool          `yaml:"enabled"`
		Address       string        `yaml:"address"`
		Password      string        `yaml:"password"`
		DB            int           `yaml:"db"`
		PoolSize      int           `yaml:"pool_size"`
		SnapshotTTL   time.Duration `yaml:"snapshot_ttl"`
		EventsChannel string        `yaml:"events_channel"`
	} `yaml:"redis"`

	Auth struct {
		Required  bool   `yaml:"required"`
		JWTSecret string `yaml:"jwt_secret"`
		Issuer    string `yaml:"issuer"`
	} `yaml:"auth"`

	Collaborators struct {
		PaymentURL string        `yaml:"payment_url"`
		Timeout    time.Duration `yaml:"timeout"`
	} `yaml:"collaborators"`

	Monitoring struct {
		PrometheusEnabled   bool          `yaml:"prometheus_enabled"`
		HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Tracing tracing.Config `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server timeouts must be > 0")
	}

	// Signal
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be greater than signal.ping_interval")
	}
	if c.Signal.MaxMessageSizeBytes <= 0 {
		return fmt.Errorf("signal.max_message_size_bytes must be > 0")
	}
	if c.Signal.FramesPerSecond <= 0 || c.Signal.FrameBurst <= 0 {
		return fmt.Errorf("signal.frames_per_second and signal.frame_burst must be > 0")
	}

	// Registry
	if c.Registry.MaxViewersPerStream <= 0 {
		return fmt.Errorf("registry.max_viewers_per_stream must be > 0")
	}
	if c.Registry.EndedRetention <= 0 {
		return fmt.Errorf("registry.ended_retention must be > 0")
	}
	if c.Registry.JanitorInterval <= 0 {
		return fmt.Errorf("registry.janitor_interval must be > 0")
	}

	// Bus
	if c.Bus.HistorySize <= 0 {
		return fmt.Errorf("bus.history_size must be > 0")
	}
	if c.Bus.SubscriberBuffer <= 0 {
		return fmt.Errorf("bus.subscriber_buffer must be > 0")
	}
	if c.Bus.MaxMessageRunes <= 0 {
		return fmt.Errorf("bus.max_message_runes must be > 0")
	}

	// ABR
	if c.ABR.AdjustmentInterval <= 0 {
		return fmt.Errorf("abr.adjustment_interval must be > 0")
	}
	if c.ABR.WindowSize <= 0 {
		return fmt.Errorf("abr.window_size must be > 0")
	}
	if c.ABR.AgeDecay <= 0 || c.ABR.AgeDecay > 1 {
		return fmt.Errorf("abr.age_decay must be in (0, 1]")
	}
	t := c.ABR.Thresholds
	if !(t.High > t.Medium && t.Medium > t.Low && t.Low > 0 && t.High <= 100) {
		return fmt.Errorf("abr.thresholds must satisfy 0 < low < medium < high <= 100")
	}
	if c.ABR.MaxDropRatio <= 0 || c.ABR.MaxDropRatio > 1 {
		return fmt.Errorf("abr.max_drop_ratio must be in (0, 1]")
	}
	if c.ABR.CriticalSamples <= 0 {
		return fmt.Errorf("abr.critical_samples must be > 0")
	}

	// Recording
	if c.Recording.StorageRoot == "" {
		return fmt.Errorf("recording.storage_root must not be empty")
	}
	if c.Recording.ChunkInterval <= 0 {
		return fmt.Errorf("recording.chunk_interval must be > 0")
	}
	if c.Recording.MaxBytes <= 0 {
		return fmt.Errorf("recording.max_bytes must be > 0")
	}
	if c.Recording.RetentionDays <= 0 {
		return fmt.Errorf("recording.retention_days must be > 0")
	}
	if c.Recording.SweepInterval <= 0 {
		return fmt.Errorf("recording.sweep_interval must be > 0")
	}
	if c.Recording.Extension == "" || strings.ContainsAny(c.Recording.Extension, "./") {
		return fmt.Errorf("recording.extension must be a bare extension")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		for _, name := range []string{BucketAPI, BucketStreamCreate, BucketChat, BucketTips, BucketSignaling, BucketConnect} {
			b, ok := c.RateLimiting.Buckets[name]
			if !ok {
				return fmt.Errorf("rate_limiting.buckets.%s is missing", name)
			}
			if b.Capacity <= 0 || b.Period <= 0 {
				return fmt.Errorf("rate_limiting.buckets.%s needs capacity > 0 and period > 0", name)
			}
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.Required && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty when auth.required=true")
	}

	if c.Collaborators.Timeout <= 0 {
		return fmt.Errorf("collaborators.timeout must be > 0")
	}

	if c.Monitoring.HealthCheckInterval <= 0 {
		return fmt.Errorf("monitoring.health_check_interval must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
// A missing file is not an error; an invalid result is.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
			}
		}
	}

	if err := cfg.applyEnvOverrides(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second
	cfg.Server.AllowedOrigins = []string{"*"}

	cfg.Signal.Path = "/ws"
	cfg.Signal.PingInterval = 25 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.MaxMessageSizeBytes = 64 * 1024
	cfg.Signal.FramesPerSecond = 50
	cfg.Signal.FrameBurst = 100

	cfg.Registry.MaxViewersPerStream = 1000
	cfg.Registry.EndedRetention = time.Hour
	cfg.Registry.JanitorInterval = time.Minute

	cfg.Bus.HistorySize = 100
	cfg.Bus.SubscriberBuffer = 256
	cfg.Bus.MaxMessageRunes = 500
	cfg.Bus.EmojiShortcodes = true

	cfg.ABR.AdjustmentInterval = 2 * time.Second
	cfg.ABR.WindowSize = 30
	cfg.ABR.AgeDecay = 0.9
	cfg.ABR.UpgradeScore = 75
	cfg.ABR.Thresholds.High = 90
	cfg.ABR.Thresholds.Medium = 75
	cfg.ABR.Thresholds.Low = 50
	cfg.ABR.DowngradeScore = 50
	cfg.ABR.CriticalScore = 20
	cfg.ABR.CriticalSamples = 2
	cfg.ABR.EmergencyHold = 10 * time.Second
	cfg.ABR.MaxDropRatio = 0.5
	cfg.ABR.TickInterval = time.Second

	cfg.Recording.StorageRoot = "./recordings"
	cfg.Recording.ChunkInterval = 30 * time.Second
	cfg.Recording.SimulatedChunkBytes = 256 * 1024
	cfg.Recording.MaxBytes = 500 * 1024 * 1024
	cfg.Recording.RetentionDays = 30
	cfg.Recording.SweepInterval = 24 * time.Hour
	cfg.Recording.Extension = "webm"
	cfg.Recording.FinalizeTimeout = 2 * time.Minute

	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.Buckets = DefaultBuckets()

	cfg.WebRTC.ICEServers = []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.SnapshotTTL = time.Hour
	cfg.Redis.EventsChannel = "streamhub:events"

	cfg.Auth.Required = false
	cfg.Auth.Issuer = "user-service"

	cfg.Collaborators.Timeout = 5 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.HealthCheckInterval = 30 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Tracing = tracing.DefaultConfig()

	return cfg
}

// DefaultBuckets returns the admission table.
func DefaultBuckets() map[string]BucketConfig {
	return map[string]BucketConfig{
		BucketAPI:          {Capacity: 100, Period: 15 * time.Minute, Persistent: true},
		BucketStreamCreate: {Capacity: 5, Period: time.Hour, Persistent: true},
		BucketChat:         {Capacity: 10, Period: time.Minute, Persistent: true},
		BucketTips:         {Capacity: 10, Period: time.Minute, Persistent: true},
		BucketSignaling:    {Capacity: 200, Period: time.Minute},
		BucketConnect:      {Capacity: 20, Period: time.Minute, Persistent: true},
	}
}

// RetentionPeriod converts retention days into a duration.
func (c *Config) RetentionPeriod() time.Duration {
	return time.Duration(c.Recording.RetentionDays) * 24 * time.Hour
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnvOverrides(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) error {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}
	float := func(key string, dst *float64) error {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = f
		}
		return nil
	}
	duration := func(key string, dst *time.Duration) error {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
		return nil
	}

	if port, ok := lookup("PORT"); ok && port != "" {
		c.Server.Address = ":" + port
	}
	str("STREAMHUB_SERVER_ADDRESS", &c.Server.Address)
	if origins, ok := lookup("ALLOWED_ORIGINS"); ok && origins != "" {
		c.Server.AllowedOrigins = splitList(origins)
	}
	str("STREAMHUB_STORAGE_ROOT", &c.Recording.StorageRoot)
	str("STREAMHUB_LOG_LEVEL", &c.Logging.Level)
	str("STREAMHUB_JWT_SECRET", &c.Auth.JWTSecret)
	str("STREAMHUB_PAYMENT_URL", &c.Collaborators.PaymentURL)
	if v, ok := lookup("STREAMHUB_AUTH_REQUIRED"); ok && v != "" {
		c.Auth.Required = v == "true" || v == "1"
	}

	if addr, ok := lookup("REDIS_URL"); ok && addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = strings.TrimPrefix(addr, "redis://")
	}
	if addr, ok := lookup("STREAMHUB_REDIS_ADDR"); ok && addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
	str("STREAMHUB_REDIS_PASSWORD", &c.Redis.Password)

	steps := []error{
		integer("STREAMHUB_RETENTION_DAYS", &c.Recording.RetentionDays),
		integer("STREAMHUB_MAX_VIEWERS_PER_STREAM", &c.Registry.MaxViewersPerStream),
		integer("STREAMHUB_BUS_SUBSCRIBER_BUFFER", &c.Bus.SubscriberBuffer),
		integer("STREAMHUB_REDIS_DB", &c.Redis.DB),
		duration("STREAMHUB_CHUNK_DURATION", &c.Recording.ChunkInterval),
		float("STREAMHUB_ABR_THRESHOLD_HIGH", &c.ABR.Thresholds.High),
		float("STREAMHUB_ABR_THRESHOLD_MEDIUM", &c.ABR.Thresholds.Medium),
		float("STREAMHUB_ABR_THRESHOLD_LOW", &c.ABR.Thresholds.Low),
	}
	for _, err := range steps {
		if err != nil {
			return err
		}
	}

	for name, bucket := range c.RateLimiting.Buckets {
		prefix := "STREAMHUB_RATE_LIMIT_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		if err := integer(prefix+"_CAPACITY", &bucket.Capacity); err != nil {
			return err
		}
		if err := duration(prefix+"_PERIOD", &bucket.Period); err != nil {
			return err
		}
		c.RateLimiting.Buckets[name] = bucket
	}

	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
