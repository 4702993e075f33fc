package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"algomirror/models"
)

type Config struct {
	Algomirror AlgomirrorConfig `yaml:"algomirror"`
	Logging    LoggingConfig    `yaml:"logging"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Accounts   []models.Account `yaml:"accounts"`
	Stream     StreamConfig     `yaml:"stream"`
	Chain      ChainConfig      `yaml:"chain"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Feed       FeedConfig       `yaml:"feed"`
	Archive    ArchiveConfig    `yaml:"archive"`
}

type AlgomirrorConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	CloudWatch    bool   `yaml:"cloudwatch"`
	Region        string `yaml:"region"`
	Namespace     string `yaml:"namespace"`
	DashboardName string `yaml:"dashboard_name"`
}

type ChannelsConfig struct {
	TickBuffer    int `yaml:"tick_buffer"`
	HandlerBuffer int `yaml:"handler_buffer"`
}

type StreamConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	GracePeriod      time.Duration `yaml:"grace_period"`
	CheckInterval    time.Duration `yaml:"check_interval"`
	PromoteTimeout   time.Duration `yaml:"promote_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	SubscribesPerSec int           `yaml:"subscribes_per_sec"`
	SubscribeBurst   int           `yaml:"subscribe_burst"`
}

type ChainConfig struct {
	WindowSteps  int                `yaml:"window_steps"`
	Staleness    time.Duration      `yaml:"staleness"`
	Exchange     string             `yaml:"exchange"`
	Steps        map[string]float64 `yaml:"steps"`
	PublishMin   time.Duration      `yaml:"publish_min_interval"`
	StartTimeout time.Duration      `yaml:"start_timeout"`
	Monitor      []MonitoredChain   `yaml:"monitor"`
}

// MonitoredChain names one option chain to track from startup.
type MonitoredChain struct {
	Underlying string `yaml:"underlying"`
	Expiry     string `yaml:"expiry"`
}

type ExecutorConfig struct {
	MaxQuoteAge   time.Duration `yaml:"max_quote_age"`
	Product       string        `yaml:"product"`
	Exchange      string        `yaml:"exchange"`
	BreakerMaxReq uint32        `yaml:"breaker_max_requests"`
	BreakerReset  time.Duration `yaml:"breaker_reset"`
}

type FeedConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	SendBuffer int    `yaml:"send_buffer"`
}

type ArchiveConfig struct {
	SharedFile    string        `yaml:"shared_file"`
	FileInterval  time.Duration `yaml:"file_interval"`
	S3            S3Config      `yaml:"s3"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Compression     string `yaml:"compression"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Channels: ChannelsConfig{
			TickBuffer:    4096,
			HandlerBuffer: 1024,
		},
		Stream: StreamConfig{
			HandshakeTimeout: 10 * time.Second,
			HeartbeatTimeout: 15 * time.Second,
			GracePeriod:      5 * time.Second,
			CheckInterval:    time.Second,
			PromoteTimeout:   30 * time.Second,
			WriteTimeout:     5 * time.Second,
			SubscribesPerSec: 10,
			SubscribeBurst:   5,
		},
		Chain: ChainConfig{
			WindowSteps:  20,
			Staleness:    30 * time.Second,
			Exchange:     "NFO",
			PublishMin:   time.Second,
			StartTimeout: 30 * time.Second,
		},
		Executor: ExecutorConfig{
			MaxQuoteAge:   10 * time.Second,
			Product:       "MIS",
			Exchange:      "NFO",
			BreakerMaxReq: 1,
			BreakerReset:  30 * time.Second,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Archive.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Archive.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Archive.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Archive.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Archive.S3.Bucket = strings.TrimSpace(v)
		}
	}

	config.Archive.S3.Bucket = strings.TrimSpace(config.Archive.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	// Promotion order is priority rank order, primary first.
	sort.SliceStable(config.Accounts, func(i, j int) bool {
		return config.Accounts[i].Priority < config.Accounts[j].Priority
	})

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Algomirror.Name == "" {
		return fmt.Errorf("algomirror.name is required")
	}

	if cfg.Algomirror.Version == "" {
		return fmt.Errorf("algomirror.version is required")
	}

	if cfg.Channels.TickBuffer <= 0 {
		return fmt.Errorf("channels.tick_buffer must be greater than 0")
	}
	if cfg.Channels.HandlerBuffer <= 0 {
		return fmt.Errorf("channels.handler_buffer must be greater than 0")
	}

	active := 0
	for i, acct := range cfg.Accounts {
		if !acct.Active {
			continue
		}
		active++
		if acct.ID == "" {
			return fmt.Errorf("accounts[%d].id is required", i)
		}
		if acct.WSURL == "" {
			return fmt.Errorf("account %s: ws_url is required", acct.ID)
		}
		if acct.APIKeyEnv == "" {
			return fmt.Errorf("account %s: api_key_env is required", acct.ID)
		}
	}
	if active == 0 {
		return fmt.Errorf("at least one active account is required")
	}

	if cfg.Stream.HeartbeatTimeout <= 0 {
		return fmt.Errorf("stream.heartbeat_timeout must be greater than 0")
	}
	if cfg.Stream.CheckInterval <= 0 {
		return fmt.Errorf("stream.check_interval must be greater than 0")
	}

	if cfg.Chain.WindowSteps <= 0 {
		return fmt.Errorf("chain.window_steps must be greater than 0")
	}
	for i, m := range cfg.Chain.Monitor {
		if m.Underlying == "" || m.Expiry == "" {
			return fmt.Errorf("chain.monitor[%d]: underlying and expiry are required", i)
		}
	}

	if cfg.Archive.S3.Enabled {
		if cfg.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket is required when S3 is enabled")
		}
		if cfg.Archive.S3.Region == "" {
			return fmt.Errorf("archive.s3.region is required when S3 is enabled")
		}
		if cfg.Archive.FlushInterval <= 0 {
			return fmt.Errorf("archive.flush_interval must be greater than 0 when S3 is enabled")
		}
	}

	return nil
}

// ActiveAccounts returns the active accounts in promotion order.
func (c *Config) ActiveAccounts() []models.Account {
	out := make([]models.Account, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.Active {
			out = append(out, a)
		}
	}
	return out
}

// StrikeStep returns the configured strike step for an underlying, falling
// back to 50 (NSE index default) when unset.
func (c *ChainConfig) StrikeStep(underlying string) float64 {
	if step, ok := c.Steps[underlying]; ok && step > 0 {
		return step
	}
	return 50
}
