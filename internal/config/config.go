package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration, loaded from environment
// variables.
type Config struct {
	// Mode selects the runtime mode: "api", "scheduler", "autoscaler",
	// "doctor", or "all" (every component in one process).
	Mode string `env:"FLEETCMD_MODE" envDefault:"all"`

	// Server
	Host string `env:"FLEETCMD_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"FLEETCMD_PORT" envDefault:"8080"`

	// State Store
	StateStoreURL string `env:"STATE_STORE_URL" envDefault:"redis://localhost:6379/0"`

	// Node Registry
	HeartbeatTTLS int `env:"HEARTBEAT_TTL_S" envDefault:"120"`

	// Doctor
	DoctorIntervalS         int      `env:"DOCTOR_INTERVAL_S" envDefault:"30"`
	DoctorAutoFixEnabled    bool     `env:"DOCTOR_AUTO_FIX_ENABLED" envDefault:"true"`
	DoctorAutoFixLevels     []string `env:"DOCTOR_AUTO_FIX_LEVELS" envDefault:"low,medium" envSeparator:","`
	DoctorDiskWarnThreshold float64  `env:"DOCTOR_DISK_THRESHOLD" envDefault:"85"`
	DoctorDiskCritThreshold float64  `env:"DOCTOR_DISK_CRIT_THRESHOLD" envDefault:"95"`
	DoctorMaxActionsPerHour int      `env:"DOCTOR_MAX_ACTIONS_PER_HOUR" envDefault:"20"`
	DoctorNodeCooldownS     int      `env:"DOCTOR_NODE_COOLDOWN_S" envDefault:"300"`
	DoctorRateWindowS       int      `env:"DOCTOR_RATE_WINDOW_S" envDefault:"3600"`
	DoctorRateWindowMode    string   `env:"DOCTOR_RATE_WINDOW" envDefault:"rolling"`

	// Auto-Scaler
	ScalerIntervalS          int     `env:"SCALER_INTERVAL_S" envDefault:"30"`
	ScalerEnabled            bool    `env:"SCALER_ENABLED" envDefault:"true"`
	ScalerMinNodes           int     `env:"SCALER_MIN_NODES" envDefault:"1"`
	ScalerMaxNodes           int     `env:"SCALER_MAX_NODES" envDefault:"20"`
	ScalerTargetDepth        int     `env:"SCALER_TARGET_DEPTH" envDefault:"10"`
	ScalerScaleUpThreshold   float64 `env:"SCALER_SCALE_UP_THRESHOLD" envDefault:"0.8"`
	ScalerScaleDownThreshold float64 `env:"SCALER_SCALE_DOWN_THRESHOLD" envDefault:"0.2"`
	ScalerCooldownS          int     `env:"SCALER_COOLDOWN_S" envDefault:"300"`

	// LLM oracle
	LLMEndpoint string `env:"LLM_ENDPOINT"`
	LLMModel    string `env:"LLM_MODEL" envDefault:"gpt-4o-mini"`

	// Slack alerting for Doctor-detected problems. Left empty, the notifier
	// is a no-op.
	SlackBotToken     string `env:"SLACK_BOT_TOKEN"`
	SlackAlertChannel string `env:"SLACK_ALERT_CHANNEL"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Telemetry
	MetricsPath string `env:"METRICS_PATH" envDefault:"/metrics"`

	// CORS
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
