package provider

import (
	"errors"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/louisbranch/nyra/internal/platform/config"
	"github.com/louisbranch/nyra/internal/platform/timeouts"
)

// Google endpoints used when no override is configured.
const (
	GoogleAuthURL     = "https://accounts.google.com/o/oauth2/v2/auth"
	GoogleTokenURL    = "https://oauth2.googleapis.com/token"
	GoogleRevokeURL   = "https://oauth2.googleapis.com/revoke"
	GoogleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
)

// Config holds OAuth client settings for one provider.
type Config struct {
	Provider     string   `env:"NYRA_OAUTH_PROVIDER"      envDefault:"google"`
	ClientID     string   `env:"NYRA_OAUTH_CLIENT_ID"`
	ClientSecret string   `env:"NYRA_OAUTH_CLIENT_SECRET"`
	RedirectURI  string   `env:"NYRA_OAUTH_REDIRECT_URI"`
	Scopes       []string `env:"NYRA_OAUTH_SCOPES"        envSeparator:"," envDefault:"openid,email,https://www.googleapis.com/auth/gmail.send,https://www.googleapis.com/auth/calendar.events"`

	AuthURL     string `env:"NYRA_OAUTH_AUTH_URL"     envDefault:"https://accounts.google.com/o/oauth2/v2/auth"`
	TokenURL    string `env:"NYRA_OAUTH_TOKEN_URL"    envDefault:"https://oauth2.googleapis.com/token"`
	RevokeURL   string `env:"NYRA_OAUTH_REVOKE_URL"   envDefault:"https://oauth2.googleapis.com/revoke"`
	UserInfoURL string `env:"NYRA_OAUTH_USERINFO_URL" envDefault:"https://openidconnect.googleapis.com/v1/userinfo"`

	RefreshMarginSeconds int `env:"NYRA_OAUTH_REFRESH_MARGIN_SECONDS" envDefault:"300"`
	RequestTimeoutMS     int `env:"NYRA_OAUTH_REQUEST_TIMEOUT_MS"     envDefault:"10000"`

	RetryMaxAttempts     uint          `env:"NYRA_OAUTH_RETRY_MAX_ATTEMPTS"     envDefault:"3"`
	RetryInitialInterval time.Duration `env:"NYRA_OAUTH_RETRY_INITIAL_INTERVAL" envDefault:"200ms"`
	RetryMaxInterval     time.Duration `env:"NYRA_OAUTH_RETRY_MAX_INTERVAL"     envDefault:"2s"`
}

// ConfigurationError reports OAuth settings that make the service unable to
// start. It is raised once at startup, never per request.
type ConfigurationError struct {
	Missing []string
	Invalid []string
}

func (e *ConfigurationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid "+strings.Join(e.Invalid, ", "))
	}
	return "oauth configuration: " + strings.Join(parts, "; ")
}

// LoadConfigFromEnv reads and validates provider settings from the
// environment.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg = cfg.normalized()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) normalized() Config {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	c.ClientID = strings.TrimSpace(c.ClientID)
	c.ClientSecret = strings.TrimSpace(c.ClientSecret)
	c.RedirectURI = strings.TrimSpace(c.RedirectURI)
	c.Scopes = config.TrimCSV(c.Scopes)
	c.AuthURL = strings.TrimSpace(c.AuthURL)
	c.TokenURL = strings.TrimSpace(c.TokenURL)
	c.RevokeURL = strings.TrimSpace(c.RevokeURL)
	c.UserInfoURL = strings.TrimSpace(c.UserInfoURL)
	return c
}

// Validate reports every missing or malformed setting at once.
func (c Config) Validate() error {
	cfgErr := &ConfigurationError{
		Missing: config.MissingKeys(map[string]string{
			"NYRA_OAUTH_PROVIDER":      c.Provider,
			"NYRA_OAUTH_CLIENT_ID":     c.ClientID,
			"NYRA_OAUTH_CLIENT_SECRET": c.ClientSecret,
			"NYRA_OAUTH_REDIRECT_URI":  c.RedirectURI,
			"NYRA_OAUTH_AUTH_URL":      c.AuthURL,
			"NYRA_OAUTH_TOKEN_URL":     c.TokenURL,
		}),
	}
	for key, value := range map[string]string{
		"NYRA_OAUTH_REDIRECT_URI": c.RedirectURI,
		"NYRA_OAUTH_AUTH_URL":     c.AuthURL,
		"NYRA_OAUTH_TOKEN_URL":    c.TokenURL,
		"NYRA_OAUTH_REVOKE_URL":   c.RevokeURL,
		"NYRA_OAUTH_USERINFO_URL": c.UserInfoURL,
	} {
		if value != "" && !isAbsoluteURL(value) {
			cfgErr.Invalid = append(cfgErr.Invalid, key)
		}
	}
	if c.RefreshMarginSeconds < 0 {
		cfgErr.Invalid = append(cfgErr.Invalid, "NYRA_OAUTH_REFRESH_MARGIN_SECONDS")
	}
	if c.RequestTimeoutMS < 0 {
		cfgErr.Invalid = append(cfgErr.Invalid, "NYRA_OAUTH_REQUEST_TIMEOUT_MS")
	}
	if len(cfgErr.Missing) == 0 && len(cfgErr.Invalid) == 0 {
		return nil
	}
	slices.Sort(cfgErr.Invalid)
	return cfgErr
}

// RefreshMargin returns the proactive refresh window.
func (c Config) RefreshMargin() time.Duration {
	if c.RefreshMarginSeconds < 0 {
		return 0
	}
	return time.Duration(c.RefreshMarginSeconds) * time.Second
}

// RequestTimeout returns the per-call provider timeout.
func (c Config) RequestTimeout() time.Duration {
	if c.RequestTimeoutMS <= 0 {
		return timeouts.ProviderRequest
	}
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// IsConfigurationError reports whether err is a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

func isAbsoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && u.Host != ""
}
