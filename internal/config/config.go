package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode      string `mapstructure:"mode"`
	Port      int    `mapstructure:"port"`
	ServerURL string `mapstructure:"server_url"`

	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`

	// Reconnection backoff for the client transport.
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`

	// Reconciliation bounds: how many out-of-order events to hold and for
	// how long before forcing a snapshot resync.
	ReorderBuffer int           `mapstructure:"reorder_buffer"`
	GapWait       time.Duration `mapstructure:"gap_wait"`

	NoticeBuffer int           `mapstructure:"notice_buffer"`
	LongWait     time.Duration `mapstructure:"long_wait"`

	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// Peer liveness display thresholds in missed heartbeat time. These
	// only degrade connectionState, never membership.
	StaleAfter time.Duration `mapstructure:"stale_after"`
	DeadAfter  time.Duration `mapstructure:"dead_after"`

	// Server-side join rate limiting.
	JoinLimit    int           `mapstructure:"join_limit"`
	JoinInterval time.Duration `mapstructure:"join_interval"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("server_url", "ws://localhost:8080/api/ws/session")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "15s")
	v.SetDefault("backoff_base", "500ms")
	v.SetDefault("backoff_max", "30s")
	v.SetDefault("reorder_buffer", 32)
	v.SetDefault("gap_wait", "3s")
	v.SetDefault("notice_buffer", 32)
	v.SetDefault("long_wait", "10m")
	v.SetDefault("write_timeout", "5s")
	v.SetDefault("stale_after", "30s")
	v.SetDefault("dead_after", "75s")
	v.SetDefault("join_limit", 5)
	v.SetDefault("join_interval", "10s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
