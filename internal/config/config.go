package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"vigil/internal/domain"
)

type Config struct {
	Env        string
	ListenAddr string

	DatabaseURL string

	// Per-lane consumer prefetch limits; the sole backpressure mechanism.
	BuildPrefetch int
	ScanPrefetch  int

	// Maximum active projects per user.
	UserQuota int

	QueueLease   time.Duration
	QueuePoll    time.Duration
	PollInterval time.Duration

	Pipeline PipelineConfig
}

// PipelineConfig configures the external CI client.
type PipelineConfig struct {
	BaseURL      string
	ProjectID    string
	TriggerToken string
	TriggerRef   string
	APIToken     string

	TriggerTimeout time.Duration
	StatusTimeout  time.Duration
}

// LaneLimits returns the prefetch limit per lane. Lanes and limits are data
// here so adding a lane does not touch dispatch code.
func (c Config) LaneLimits() map[domain.Lane]int {
	return map[domain.Lane]int{
		domain.LaneBuild: c.BuildPrefetch,
		domain.LaneScan:  c.ScanPrefetch,
	}
}

// Load reads configuration from the environment. A missing DATABASE_URL is
// reported as an error value so callers decide whether it is fatal.
func Load() (Config, error) {
	v := viper.New()
	v.SetDefault("app_env", "development")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("build_prefetch", 4)
	v.SetDefault("scan_prefetch", 6)
	v.SetDefault("user_quota", 6)
	v.SetDefault("queue_lease", 2*time.Minute)
	v.SetDefault("queue_poll", time.Second)
	v.SetDefault("poll_interval", 10*time.Second)
	v.SetDefault("pipeline_trigger_ref", "main")
	v.SetDefault("pipeline_trigger_timeout", 10*time.Second)
	v.SetDefault("pipeline_status_timeout", 5*time.Second)
	v.AutomaticEnv()

	cfg := Config{
		Env:           v.GetString("app_env"),
		ListenAddr:    v.GetString("listen_addr"),
		DatabaseURL:   v.GetString("database_url"),
		BuildPrefetch: v.GetInt("build_prefetch"),
		ScanPrefetch:  v.GetInt("scan_prefetch"),
		UserQuota:     v.GetInt("user_quota"),
		QueueLease:    v.GetDuration("queue_lease"),
		QueuePoll:     v.GetDuration("queue_poll"),
		PollInterval:  v.GetDuration("poll_interval"),
		Pipeline: PipelineConfig{
			BaseURL:        v.GetString("pipeline_base_url"),
			ProjectID:      v.GetString("pipeline_project_id"),
			TriggerToken:   v.GetString("pipeline_trigger_token"),
			TriggerRef:     v.GetString("pipeline_trigger_ref"),
			APIToken:       v.GetString("pipeline_api_token"),
			TriggerTimeout: v.GetDuration("pipeline_trigger_timeout"),
			StatusTimeout:  v.GetDuration("pipeline_status_timeout"),
		},
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL not set")
	}
	return cfg, nil
}
