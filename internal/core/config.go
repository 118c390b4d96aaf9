package core

import (
	"crypto/subtle"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the entire 1SEC Respond configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Bus           BusConfig           `yaml:"bus"`
	Logging       LoggingConfig       `yaml:"logging"`
	Approvals     ApprovalsConfig     `yaml:"approvals"`
	Policy        PolicyConfig        `yaml:"policy"`
	Dispatch      DispatchConfig      `yaml:"dispatch"`
	Storage       StorageConfig       `yaml:"storage"`
	Crypto        CryptoConfig        `yaml:"crypto"`
	Integrations  []IntegrationConfig `yaml:"integrations"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// ServerConfig holds API server settings.
type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	APIKeys     []string `yaml:"api_keys"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// StorageConfig selects backends for approval requests and step logs.
type StorageConfig struct {
	Approvals         string        `yaml:"approvals"` // memory or nats
	ApprovalBucket    string        `yaml:"approval_bucket"`
	ApprovalRetention time.Duration `yaml:"approval_retention"` // 0 keeps requests forever
	StepLog           string        `yaml:"step_log"`           // memory or sqlite
	SQLitePath        string        `yaml:"sqlite_path"`
}

// CryptoConfig holds the master key for integration credentials.
type CryptoConfig struct {
	MasterKey          string        `yaml:"master_key"`
	CredentialCacheTTL time.Duration `yaml:"credential_cache_ttl"`
}

// NotificationsConfig selects approval notification channels.
type NotificationsConfig struct {
	Bus     bool          `yaml:"bus"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// DefaultConfig returns a Config with sane defaults. Zero-config works out of the box.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 1790,
		},
		Bus: DefaultBusConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Approvals: DefaultApprovalsConfig(),
		Policy:    DefaultPolicyConfig(),
		Dispatch:  DefaultDispatchConfig(),
		Storage: StorageConfig{
			Approvals:      "memory",
			ApprovalBucket: DefaultApprovalBucket,
			StepLog:        "sqlite",
			SQLitePath:     "./data/respond.db",
		},
		Crypto: CryptoConfig{
			CredentialCacheTTL: defaultCredentialCacheTTL,
		},
		Notifications: NotificationsConfig{
			Bus:     true,
			Webhook: DefaultWebhookConfig(),
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if len(c.Server.APIKeys) == 0 {
		if envKey := os.Getenv("ONESEC_API_KEY"); envKey != "" {
			c.Server.APIKeys = []string{envKey}
		}
	}
	if c.Crypto.MasterKey == "" {
		c.Crypto.MasterKey = os.Getenv("ONESEC_MASTER_KEY")
	}
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate reports problems. Warnings describe settings that fall back to
// a safe default; errors describe settings the engine cannot start with.
func (c *Config) Validate() (warnings, errs []string) {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Bus.Embedded && (c.Bus.Port <= 0 || c.Bus.Port > 65535) {
		errs = append(errs, fmt.Sprintf("bus.port %d out of range", c.Bus.Port))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "console", "json":
	default:
		warnings = append(warnings, fmt.Sprintf("logging.format %q unknown, using console", c.Logging.Format))
	}

	for action, raw := range c.Policy.Thresholds {
		lvl, err := ParseRiskLevel(raw)
		if err != nil || (lvl != RiskLow && lvl != RiskMedium) {
			warnings = append(warnings, fmt.Sprintf("policy.auto_approve_thresholds.%s: %q is not low or medium, approval will always be required", action, raw))
		}
	}

	switch c.Storage.Approvals {
	case "", "memory":
	case "nats":
		if !c.Bus.Embedded && c.Bus.URL == "" {
			errs = append(errs, "storage.approvals is nats but no bus is configured")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.approvals %q unknown (memory, nats)", c.Storage.Approvals))
	}
	switch c.Storage.StepLog {
	case "", "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			errs = append(errs, "storage.sqlite_path required for sqlite step log")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.step_log %q unknown (memory, sqlite)", c.Storage.StepLog))
	}

	if len(c.Integrations) > 0 && c.Crypto.MasterKey == "" {
		errs = append(errs, "integrations configured but crypto.master_key (or ONESEC_MASTER_KEY) is empty")
	}
	if !c.Dispatch.MockMode && len(c.Integrations) == 0 {
		warnings = append(warnings, "dispatch.mock_mode is off but no integrations are configured, EDR actions will fail")
	}

	if c.Notifications.Webhook.Enabled {
		for _, u := range c.Notifications.Webhook.URLs {
			if err := validateWebhookURL(u, false); err != nil {
				warnings = append(warnings, err.Error())
			}
		}
		wh := c.Notifications.Webhook
		switch tmpl := GetNotificationTemplate(wh.Template, wh.RoutingKey); {
		case tmpl == nil:
			warnings = append(warnings, fmt.Sprintf("notifications.webhook.template %q unknown (%s), using generic",
				wh.Template, strings.Join(ValidTemplateNames(), ", ")))
		case tmpl.Name() == "pagerduty" && wh.RoutingKey == "":
			warnings = append(warnings, "notifications.webhook.template is pagerduty but routing_key is empty")
		}
	}
	return warnings, errs
}

// AuthEnabled returns true if API key authentication is configured.
func (c *Config) AuthEnabled() bool {
	return len(c.Server.APIKeys) > 0
}

// ValidateAPIKey checks if the provided key matches any configured API key.
// Uses constant-time comparison to prevent timing attacks.
func (c *Config) ValidateAPIKey(key string) bool {
	for _, valid := range c.Server.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
			return true
		}
	}
	return false
}
