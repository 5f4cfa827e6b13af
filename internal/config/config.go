package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envDataDir          = "JARVIS_DATA_DIR"
	envSecretsBackend   = "JARVIS_SECRETS_BACKEND"
	envKeychainService  = "JARVIS_KEYCHAIN_SERVICE"
	envSecretMaxBytes   = "JARVIS_SECRET_MAX_BYTES"
	envLockTimeout      = "JARVIS_LOCK_TIMEOUT"
	envLockPollInterval = "JARVIS_LOCK_POLL_INTERVAL"
	envAuthURL          = "JARVIS_AUTH_URL"
	envAuthTimeout      = "JARVIS_AUTH_TIMEOUT"
	envRealtimeURL      = "JARVIS_REALTIME_URL"
	envFallbackTimeout  = "JARVIS_FALLBACK_TIMEOUT"
	envSafetyTimeout    = "JARVIS_SAFETY_TIMEOUT"
	envMonitorInterval  = "JARVIS_MONITOR_INTERVAL"
	envVoiceInterval    = "JARVIS_VOICE_INTERVAL"
	envSelfTestSchedule = "JARVIS_SELFTEST_SCHEDULE"
	envSlackWebhookURL  = "JARVIS_SLACK_WEBHOOK_URL"
	envWebhookURL       = "JARVIS_WEBHOOK_URL"
	envWebhookTemplate  = "JARVIS_WEBHOOK_TEMPLATE"
	envNotifyDryRun     = "JARVIS_NOTIFY_DRY_RUN"
	envHealthPort       = "JARVIS_HEALTH_PORT"
	envMetricsPort      = "JARVIS_METRICS_PORT"
	envServicesFile     = "JARVIS_SERVICES_FILE"
	envInstanceName     = "JARVIS_INSTANCE_NAME"
	envLogLevel         = "JARVIS_LOG_LEVEL"
)

const (
	defaultDataDir          = "./data"
	defaultSecretsBackend   = BackendAuto
	defaultKeychainService  = "jarvis"
	defaultSecretMaxBytes   = 2048
	defaultLockTimeout      = 5 * time.Second
	defaultLockPollInterval = 50 * time.Millisecond
	defaultAuthTimeout      = 4 * time.Second
	defaultFallbackTimeout  = 5 * time.Second
	defaultSafetyTimeout    = 8 * time.Second
	defaultMonitorInterval  = 30 * time.Second
	defaultVoiceInterval    = time.Second
	defaultSelfTestSchedule = "@every 15m"
	defaultLogLevel         = "info"
)

// Secret store backends accepted by JARVIS_SECRETS_BACKEND.
const (
	BackendAuto     = "auto"
	BackendKeychain = "keychain"
	BackendFile     = "file"
	BackendMemory   = "memory"
)

// Config describes runtime configuration loaded from the environment.
type Config struct {
	DataDir          string
	SecretsBackend   string
	KeychainService  string
	SecretMaxBytes   int
	LockTimeout      time.Duration
	LockPollInterval time.Duration

	AuthURL     string
	AuthTimeout time.Duration
	RealtimeURL string

	FallbackTimeout time.Duration
	SafetyTimeout   time.Duration

	MonitorInterval  time.Duration
	VoiceInterval    time.Duration
	SelfTestSchedule string

	SlackWebhookURL string
	WebhookURL      string
	WebhookTemplate string
	NotifyDryRun    bool

	HealthPort  int
	MetricsPort int

	ServicesFile string
	InstanceName string
	LogLevel     string
}

// SecretsFile is the path of the file-tier secret document.
func (c Config) SecretsFile() string {
	return filepath.Join(c.DataDir, "secrets.json")
}

// StateFile is the path of the persisted boot/health state.
func (c Config) StateFile() string {
	return filepath.Join(c.DataDir, "state.json")
}

// Default returns the configuration used when no environment overrides are present.
func Default() Config {
	return Config{
		DataDir:          defaultDataDir,
		SecretsBackend:   defaultSecretsBackend,
		KeychainService:  defaultKeychainService,
		SecretMaxBytes:   defaultSecretMaxBytes,
		LockTimeout:      defaultLockTimeout,
		LockPollInterval: defaultLockPollInterval,
		AuthTimeout:      defaultAuthTimeout,
		FallbackTimeout:  defaultFallbackTimeout,
		SafetyTimeout:    defaultSafetyTimeout,
		MonitorInterval:  defaultMonitorInterval,
		VoiceInterval:    defaultVoiceInterval,
		SelfTestSchedule: defaultSelfTestSchedule,
		InstanceName:     defaultInstanceName(),
		LogLevel:         defaultLogLevel,
	}
}

// Load reads configuration from environment variables and a local .env file if present.
// Existing environment variables take precedence over values in .env.
func Load() (Config, error) {
	if err := loadDotEnvIfPresent(".env"); err != nil {
		return Config{}, err
	}

	cfg := Default()

	if value, ok := lookupTrimmed(envDataDir); ok && value != "" {
		cfg.DataDir = value
	}

	if value, ok := lookupTrimmed(envSecretsBackend); ok && value != "" {
		backend := strings.ToLower(value)
		switch backend {
		case BackendAuto, BackendKeychain, BackendFile, BackendMemory:
			cfg.SecretsBackend = backend
		default:
			return Config{}, fmt.Errorf("invalid %s: unknown backend %q", envSecretsBackend, value)
		}
	}

	if value, ok := lookupTrimmed(envKeychainService); ok && value != "" {
		cfg.KeychainService = value
	}

	if value, ok := lookupTrimmed(envSecretMaxBytes); ok {
		size, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envSecretMaxBytes, err)
		}
		if size <= 0 {
			return Config{}, fmt.Errorf("%s must be greater than zero", envSecretMaxBytes)
		}
		cfg.SecretMaxBytes = size
	}

	durations := []struct {
		key    string
		target *time.Duration
	}{
		{envLockTimeout, &cfg.LockTimeout},
		{envLockPollInterval, &cfg.LockPollInterval},
		{envAuthTimeout, &cfg.AuthTimeout},
		{envFallbackTimeout, &cfg.FallbackTimeout},
		{envSafetyTimeout, &cfg.SafetyTimeout},
		{envMonitorInterval, &cfg.MonitorInterval},
		{envVoiceInterval, &cfg.VoiceInterval},
	}
	for _, d := range durations {
		if err := parsePositiveDuration(d.key, d.target); err != nil {
			return Config{}, err
		}
	}

	if cfg.SafetyTimeout < cfg.FallbackTimeout {
		return Config{}, fmt.Errorf("%s must not be shorter than %s", envSafetyTimeout, envFallbackTimeout)
	}

	if value, ok := lookupTrimmed(envSelfTestSchedule); ok && value != "" {
		cfg.SelfTestSchedule = value
	}

	urls := []struct {
		key    string
		target *string
	}{
		{envAuthURL, &cfg.AuthURL},
		{envRealtimeURL, &cfg.RealtimeURL},
		{envSlackWebhookURL, &cfg.SlackWebhookURL},
		{envWebhookURL, &cfg.WebhookURL},
	}
	for _, u := range urls {
		value, ok := lookupTrimmed(u.key)
		if !ok || value == "" {
			continue
		}
		if err := validateURL(value, u.key); err != nil {
			return Config{}, err
		}
		*u.target = value
	}

	if value, ok := lookupTrimmed(envWebhookTemplate); ok {
		cfg.WebhookTemplate = value
	}

	if value, ok := lookupTrimmed(envNotifyDryRun); ok && value != "" {
		dryRun, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envNotifyDryRun, err)
		}
		cfg.NotifyDryRun = dryRun
	}

	ports := []struct {
		key    string
		target *int
	}{
		{envHealthPort, &cfg.HealthPort},
		{envMetricsPort, &cfg.MetricsPort},
	}
	for _, p := range ports {
		value, ok := lookupTrimmed(p.key)
		if !ok || value == "" {
			continue
		}
		port, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", p.key, err)
		}
		if port < 0 || port > 65535 {
			return Config{}, fmt.Errorf("%s must be between 0 and 65535", p.key)
		}
		*p.target = port
	}

	if value, ok := lookupTrimmed(envServicesFile); ok {
		cfg.ServicesFile = value
	}
	if value, ok := lookupTrimmed(envInstanceName); ok && value != "" {
		cfg.InstanceName = value
	}
	if value, ok := lookupTrimmed(envLogLevel); ok && value != "" {
		cfg.LogLevel = value
	}

	return cfg, nil
}

// Check validates the settings the boot sequence needs from the backend side.
// A failure here leaves local-only features usable.
func Check(cfg Config) error {
	if cfg.AuthURL == "" {
		return &ConfigurationError{Field: envAuthURL, Reason: "backend url is not configured"}
	}
	if err := validateURL(cfg.AuthURL, envAuthURL); err != nil {
		return &ConfigurationError{Field: envAuthURL, Reason: err.Error()}
	}
	return nil
}

// ConfigurationError reports a setting that prevents backend-dependent features from working.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func parsePositiveDuration(key string, target *time.Duration) error {
	value, ok := lookupTrimmed(key)
	if !ok || value == "" {
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if parsed <= 0 {
		return fmt.Errorf("%s must be greater than zero", key)
	}
	*target = parsed
	return nil
}

func defaultInstanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "jarvis"
	}
	return host
}

func lookupTrimmed(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func loadDotEnvIfPresent(path string) error {
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) && errors.Is(pathErr.Err, os.ErrNotExist) {
		return nil
	}

	return err
}

func validateURL(value, name string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid %s: must include scheme and host", name)
	}
	return nil
}
