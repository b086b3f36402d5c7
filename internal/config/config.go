// Package config holds the typed runtime options for the viewer service.
// Values come from the environment (optionally seeded from a .env file in dev).
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full set of runtime options.
type Config struct {
	Env      string `env:"ENV" envDefault:"dev"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	// Storage. DATABASE_URL selects the Postgres backend; SQLITE_PATH the
	// embedded one. Exactly one must be set.
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH"`

	MediaPath string `env:"MEDIA_PATH" envDefault:"./media"`
	StaticDir string `env:"STATIC_DIR" envDefault:"./static"`

	// Master credentials. Auth is disabled when either is empty.
	MasterUsername string `env:"VIEWER_USERNAME"`
	MasterPassword string `env:"VIEWER_PASSWORD"`

	SessionDays        int    `env:"AUTH_SESSION_DAYS" envDefault:"30"`
	LoginRateLimit     int    `env:"AUTH_RATE_LIMIT" envDefault:"15"`
	LoginRateWindowSec int    `env:"AUTH_RATE_WINDOW_S" envDefault:"300"`
	MaxSessionsPerUser int    `env:"AUTH_MAX_SESSIONS_PER_USER" envDefault:"10"`
	SecureCookies      string `env:"SECURE_COOKIES" envDefault:"auto"` // auto|true|false

	// Restricts what the master (and every viewer) can see. Empty = no filter.
	DisplayChatIDs []int64 `env:"DISPLAY_CHAT_IDS" envSeparator:","`

	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`

	PushMode        string `env:"PUSH_NOTIFICATIONS" envDefault:"off"` // off|basic|full
	VAPIDPublicKey  string `env:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `env:"VAPID_PRIVATE_KEY"`
	VAPIDSubscriber string `env:"VAPID_SUBSCRIBER" envDefault:"mailto:admin@localhost"`

	EnableNotifications bool `env:"ENABLE_NOTIFICATIONS" envDefault:"false"`

	ViewerTimezone string `env:"VIEWER_TIMEZONE" envDefault:"UTC"`
	StatsHour      int    `env:"STATS_CALCULATION_HOUR" envDefault:"3"`
	ShowStats      bool   `env:"SHOW_STATS" envDefault:"true"`

	MassOpThreshold      int     `env:"MASS_OP_THRESHOLD" envDefault:"10"`
	MassOpWindowSec      int     `env:"MASS_OP_WINDOW_S" envDefault:"30"`
	MassOpBufferDelaySec float64 `env:"MASS_OP_BUFFER_DELAY_S" envDefault:"2"`
}

// Load parses the environment into a Config and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that env tags cannot express.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" && c.SQLitePath == "" {
		return fmt.Errorf("either DATABASE_URL or SQLITE_PATH is required")
	}
	if c.DatabaseURL != "" && c.SQLitePath != "" {
		return fmt.Errorf("DATABASE_URL and SQLITE_PATH are mutually exclusive")
	}
	if c.StatsHour < 0 || c.StatsHour > 23 {
		return fmt.Errorf("STATS_CALCULATION_HOUR must be 0..23, got %d", c.StatsHour)
	}
	switch c.SecureCookies {
	case "auto", "true", "false":
	default:
		return fmt.Errorf("SECURE_COOKIES must be auto, true or false, got %q", c.SecureCookies)
	}
	switch c.PushMode {
	case "off", "basic", "full":
	default:
		return fmt.Errorf("PUSH_NOTIFICATIONS must be off, basic or full, got %q", c.PushMode)
	}
	if c.MassOpThreshold < 2 {
		return fmt.Errorf("MASS_OP_THRESHOLD must be at least 2, got %d", c.MassOpThreshold)
	}
	return nil
}

// AuthEnabled reports whether viewer authentication is configured.
func (c *Config) AuthEnabled() bool {
	return c.MasterUsername != "" && c.MasterPassword != ""
}

// SessionTTL is the maximum session lifetime.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionDays) * 24 * time.Hour
}

// LoginRateWindow is the sliding window for login attempt counting.
func (c *Config) LoginRateWindow() time.Duration {
	return time.Duration(c.LoginRateWindowSec) * time.Second
}

// MassOpWindow is the block duration armed when a burst is detected.
func (c *Config) MassOpWindow() time.Duration {
	return time.Duration(c.MassOpWindowSec) * time.Second
}

// MassOpBufferDelay is how long mutations are buffered before release.
func (c *Config) MassOpBufferDelay() time.Duration {
	return time.Duration(c.MassOpBufferDelaySec * float64(time.Second))
}

// PushEnabled reports whether full Web Push delivery is configured.
func (c *Config) PushEnabled() bool {
	return c.PushMode == "full" && c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}
