package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	defaultMaxLocalEvents    = 1000
	defaultQueryLimit        = 100
	defaultMaxQueryLimit     = 1000
	defaultStorageTimeout    = 2 * time.Second
	defaultSchemaVersion     = "1"
	defaultChannel           = "web"
	defaultEnvironment       = "production"
	defaultLogLevel          = "info"
	defaultLogMaxSizeMB      = 10
	defaultLogMaxFiles       = 5
	defaultServerAddr        = "127.0.0.1:8080"
	defaultServerRateLimit   = 600
	defaultDBFileName        = "audit.db"
	maxLocalEventsCeiling    = 1_000_000
	maxStorageTimeoutCeiling = time.Minute
)

var ErrInvalidConfig = errors.New("invalid config")

var (
	validChannels  = []string{"web", "mobile", "api"}
	validLogLevels = []string{"debug", "info", "warn", "error"}
)

type Config struct {
	Ledger  LedgerConfig  `toml:"ledger"`
	Storage StorageConfig `toml:"storage"`
	Logging LoggingConfig `toml:"logging"`
	Server  ServerConfig  `toml:"server"`
}

type LedgerConfig struct {
	MaxLocalEvents    int           `toml:"max_local_events"`
	DefaultQueryLimit int           `toml:"default_query_limit"`
	MaxQueryLimit     int           `toml:"max_query_limit"`
	StorageTimeout    time.Duration `toml:"storage_timeout"`
	SchemaVersion     string        `toml:"schema_version"`
	Channel           string        `toml:"channel"`
	Environment       string        `toml:"environment"`
	PersonalDataKeys  []string      `toml:"personal_data_keys"`
}

type StorageConfig struct {
	Path string `toml:"path"`
}

type LoggingConfig struct {
	Level     string `toml:"level"`
	File      string `toml:"file"`
	MaxSizeMB int    `toml:"max_size_mb"`
	MaxFiles  int    `toml:"max_files"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
	// RateLimitPerMinute caps API writes per caller; zero disables it.
	RateLimitPerMinute int `toml:"rate_limit_per_minute"`
}

type LoadOptions struct {
	ConfigPath string
	PolicyPath string
	Env        map[string]string
	Flags      FlagOverrides
}

type FlagOverrides struct {
	DBPath         *string
	StorageTimeout *time.Duration
	LogLevel       *string
	ServerAddr     *string
}

// LoadReport lists the fields a retention policy file forced.
type LoadReport struct {
	ConfigPath      string
	PolicyOverrides []string
}

func DefaultConfig() Config {
	return Config{
		Ledger: LedgerConfig{
			MaxLocalEvents:    defaultMaxLocalEvents,
			DefaultQueryLimit: defaultQueryLimit,
			MaxQueryLimit:     defaultMaxQueryLimit,
			StorageTimeout:    defaultStorageTimeout,
			SchemaVersion:     defaultSchemaVersion,
			Channel:           defaultChannel,
			Environment:       defaultEnvironment,
		},
		Logging: LoggingConfig{
			Level:     defaultLogLevel,
			MaxSizeMB: defaultLogMaxSizeMB,
			MaxFiles:  defaultLogMaxFiles,
		},
		Server: ServerConfig{
			Addr:               defaultServerAddr,
			RateLimitPerMinute: defaultServerRateLimit,
		},
	}
}

// Load resolves configuration with precedence flags > env > file > defaults.
// A policy file, when present, is applied last and wins over everything.
func Load(opts LoadOptions) (Config, LoadReport, error) {
	cfg := DefaultConfig()
	report := LoadReport{PolicyOverrides: []string{}}

	configPath, err := resolveConfigPath(opts)
	if err != nil {
		return Config{}, report, fmt.Errorf("resolve config path: %w", err)
	}
	report.ConfigPath = configPath
	if err := loadAndApplyFile(configPath, &cfg, nil); err != nil {
		return Config{}, report, err
	}

	if err := applyEnvOverrides(&cfg, opts); err != nil {
		return Config{}, report, err
	}
	applyFlagOverrides(&cfg, opts.Flags)

	policyPath, err := resolvePolicyPath(opts)
	if err != nil {
		return Config{}, report, fmt.Errorf("resolve policy path: %w", err)
	}
	if err := loadAndApplyFile(policyPath, &cfg, &report.PolicyOverrides); err != nil {
		return Config{}, report, err
	}

	if cfg.Storage.Path == "" {
		home, err := Home(opts)
		if err != nil {
			return Config{}, report, fmt.Errorf("resolve storage path: %w", err)
		}
		cfg.Storage.Path = filepath.Join(home, defaultDBFileName)
	}

	if err := validate(cfg); err != nil {
		return Config{}, report, err
	}

	return cfg, report, nil
}

type rawConfig struct {
	Ledger  *rawLedger  `toml:"ledger"`
	Storage *rawStorage `toml:"storage"`
	Logging *rawLogging `toml:"logging"`
	Server  *rawServer  `toml:"server"`
}

type rawLedger struct {
	MaxLocalEvents    *int      `toml:"max_local_events"`
	DefaultQueryLimit *int      `toml:"default_query_limit"`
	MaxQueryLimit     *int      `toml:"max_query_limit"`
	StorageTimeout    *string   `toml:"storage_timeout"`
	SchemaVersion     *string   `toml:"schema_version"`
	Channel           *string   `toml:"channel"`
	Environment       *string   `toml:"environment"`
	PersonalDataKeys  *[]string `toml:"personal_data_keys"`
}

type rawStorage struct {
	Path *string `toml:"path"`
}

type rawLogging struct {
	Level     *string `toml:"level"`
	File      *string `toml:"file"`
	MaxSizeMB *int    `toml:"max_size_mb"`
	MaxFiles  *int    `toml:"max_files"`
}

type rawServer struct {
	Addr               *string `toml:"addr"`
	RateLimitPerMinute *int    `toml:"rate_limit_per_minute"`
}

func loadAndApplyFile(path string, cfg *Config, policyOverrides *[]string) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file %q: %w", path, err)
	}

	var raw rawConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: parse TOML file %q: %v", ErrInvalidConfig, path, err)
	}

	return applyRawConfig(cfg, raw, policyOverrides)
}

func applyRawConfig(cfg *Config, raw rawConfig, policyOverrides *[]string) error {
	if raw.Ledger != nil {
		setInt("ledger.max_local_events", raw.Ledger.MaxLocalEvents, &cfg.Ledger.MaxLocalEvents, policyOverrides)
		setInt("ledger.default_query_limit", raw.Ledger.DefaultQueryLimit, &cfg.Ledger.DefaultQueryLimit, policyOverrides)
		setInt("ledger.max_query_limit", raw.Ledger.MaxQueryLimit, &cfg.Ledger.MaxQueryLimit, policyOverrides)
		if err := setDuration("ledger.storage_timeout", raw.Ledger.StorageTimeout, &cfg.Ledger.StorageTimeout, policyOverrides); err != nil {
			return err
		}
		setString("ledger.schema_version", raw.Ledger.SchemaVersion, &cfg.Ledger.SchemaVersion, policyOverrides)
		setString("ledger.channel", raw.Ledger.Channel, &cfg.Ledger.Channel, policyOverrides)
		setString("ledger.environment", raw.Ledger.Environment, &cfg.Ledger.Environment, policyOverrides)
		setStrings("ledger.personal_data_keys", raw.Ledger.PersonalDataKeys, &cfg.Ledger.PersonalDataKeys, policyOverrides)
	}

	if raw.Storage != nil {
		setString("storage.path", raw.Storage.Path, &cfg.Storage.Path, policyOverrides)
	}

	if raw.Logging != nil {
		setString("logging.level", raw.Logging.Level, &cfg.Logging.Level, policyOverrides)
		setString("logging.file", raw.Logging.File, &cfg.Logging.File, policyOverrides)
		setInt("logging.max_size_mb", raw.Logging.MaxSizeMB, &cfg.Logging.MaxSizeMB, policyOverrides)
		setInt("logging.max_files", raw.Logging.MaxFiles, &cfg.Logging.MaxFiles, policyOverrides)
	}

	if raw.Server != nil {
		setString("server.addr", raw.Server.Addr, &cfg.Server.Addr, policyOverrides)
		setInt("server.rate_limit_per_minute", raw.Server.RateLimitPerMinute, &cfg.Server.RateLimitPerMinute, policyOverrides)
	}

	return nil
}

func applyEnvOverrides(cfg *Config, opts LoadOptions) error {
	ints := []struct {
		key    string
		target *int
	}{
		{"TICKETDESK_LEDGER_MAX_LOCAL_EVENTS", &cfg.Ledger.MaxLocalEvents},
		{"TICKETDESK_LEDGER_DEFAULT_QUERY_LIMIT", &cfg.Ledger.DefaultQueryLimit},
		{"TICKETDESK_LEDGER_MAX_QUERY_LIMIT", &cfg.Ledger.MaxQueryLimit},
		{"TICKETDESK_LOG_MAX_SIZE_MB", &cfg.Logging.MaxSizeMB},
		{"TICKETDESK_LOG_MAX_FILES", &cfg.Logging.MaxFiles},
		{"TICKETDESK_SERVER_RATE_LIMIT_PER_MINUTE", &cfg.Server.RateLimitPerMinute},
	}
	for _, item := range ints {
		value, ok := lookupEnv(opts, item.key)
		if !ok {
			continue
		}
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, item.key, err)
		}
		*item.target = parsed
	}

	if value, ok := lookupEnv(opts, "TICKETDESK_LEDGER_STORAGE_TIMEOUT"); ok {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%w: parse TICKETDESK_LEDGER_STORAGE_TIMEOUT: %v", ErrInvalidConfig, err)
		}
		cfg.Ledger.StorageTimeout = d
	}

	strs := []struct {
		key    string
		target *string
	}{
		{"TICKETDESK_LEDGER_SCHEMA_VERSION", &cfg.Ledger.SchemaVersion},
		{"TICKETDESK_LEDGER_CHANNEL", &cfg.Ledger.Channel},
		{"TICKETDESK_LEDGER_ENVIRONMENT", &cfg.Ledger.Environment},
		{"TICKETDESK_DB_PATH", &cfg.Storage.Path},
		{"TICKETDESK_LOG_LEVEL", &cfg.Logging.Level},
		{"TICKETDESK_LOG_FILE", &cfg.Logging.File},
		{"TICKETDESK_SERVER_ADDR", &cfg.Server.Addr},
	}
	for _, item := range strs {
		if value, ok := lookupEnv(opts, item.key); ok {
			*item.target = value
		}
	}

	if value, ok := lookupEnv(opts, "TICKETDESK_LEDGER_PERSONAL_DATA_KEYS"); ok {
		cfg.Ledger.PersonalDataKeys = splitList(value)
	}

	return nil
}

func applyFlagOverrides(cfg *Config, flags FlagOverrides) {
	if flags.DBPath != nil {
		cfg.Storage.Path = *flags.DBPath
	}
	if flags.StorageTimeout != nil {
		cfg.Ledger.StorageTimeout = *flags.StorageTimeout
	}
	if flags.LogLevel != nil {
		cfg.Logging.Level = *flags.LogLevel
	}
	if flags.ServerAddr != nil {
		cfg.Server.Addr = *flags.ServerAddr
	}
}

func validate(cfg Config) error {
	ledger := cfg.Ledger
	if ledger.MaxLocalEvents <= 0 || ledger.MaxLocalEvents > maxLocalEventsCeiling {
		return fmt.Errorf("%w: ledger.max_local_events must be > 0 and <= %d", ErrInvalidConfig, maxLocalEventsCeiling)
	}
	if ledger.MaxQueryLimit <= 0 {
		return fmt.Errorf("%w: ledger.max_query_limit must be > 0", ErrInvalidConfig)
	}
	if ledger.DefaultQueryLimit <= 0 || ledger.DefaultQueryLimit > ledger.MaxQueryLimit {
		return fmt.Errorf("%w: ledger.default_query_limit must be > 0 and <= ledger.max_query_limit", ErrInvalidConfig)
	}
	if ledger.StorageTimeout <= 0 || ledger.StorageTimeout > maxStorageTimeoutCeiling {
		return fmt.Errorf("%w: ledger.storage_timeout must be > 0 and <= %s", ErrInvalidConfig, maxStorageTimeoutCeiling)
	}
	if strings.TrimSpace(ledger.SchemaVersion) == "" {
		return fmt.Errorf("%w: ledger.schema_version must not be empty", ErrInvalidConfig)
	}
	if !contains(validChannels, ledger.Channel) {
		return fmt.Errorf("%w: ledger.channel must be one of %s", ErrInvalidConfig, strings.Join(validChannels, ", "))
	}
	if !contains(validLogLevels, strings.ToLower(cfg.Logging.Level)) {
		return fmt.Errorf("%w: logging.level must be one of %s", ErrInvalidConfig, strings.Join(validLogLevels, ", "))
	}
	if cfg.Logging.MaxSizeMB <= 0 || cfg.Logging.MaxFiles < 0 {
		return fmt.Errorf("%w: logging.max_size_mb must be > 0 and logging.max_files >= 0", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return fmt.Errorf("%w: server.addr must not be empty", ErrInvalidConfig)
	}
	if cfg.Server.RateLimitPerMinute < 0 {
		return fmt.Errorf("%w: server.rate_limit_per_minute must be >= 0", ErrInvalidConfig)
	}
	return nil
}

func setDuration(field string, raw *string, target *time.Duration, policyOverrides *[]string) error {
	if raw == nil {
		return nil
	}
	d, err := time.ParseDuration(*raw)
	if err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, field, err)
	}
	if policyOverrides != nil && *target != d {
		*policyOverrides = append(*policyOverrides, field)
	}
	*target = d
	return nil
}

func setString(field string, raw *string, target *string, policyOverrides *[]string) {
	if raw == nil {
		return
	}
	if policyOverrides != nil && *target != *raw {
		*policyOverrides = append(*policyOverrides, field)
	}
	*target = *raw
}

func setStrings(field string, raw *[]string, target *[]string, policyOverrides *[]string) {
	if raw == nil {
		return
	}
	if policyOverrides != nil && strings.Join(*target, "\x00") != strings.Join(*raw, "\x00") {
		*policyOverrides = append(*policyOverrides, field)
	}
	*target = append([]string(nil), (*raw)...)
}

func setInt(field string, raw *int, target *int, policyOverrides *[]string) {
	if raw == nil {
		return
	}
	if policyOverrides != nil && *target != *raw {
		*policyOverrides = append(*policyOverrides, field)
	}
	*target = *raw
}

func splitList(value string) []string {
	out := []string{}
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func contains(values []string, want string) bool {
	for _, value := range values {
		if value == want {
			return true
		}
	}
	return false
}

func resolveConfigPath(opts LoadOptions) (string, error) {
	if opts.ConfigPath != "" {
		return opts.ConfigPath, nil
	}
	if value, ok := lookupEnv(opts, "TICKETDESK_CONFIG_PATH"); ok {
		return value, nil
	}
	return defaultConfigPath(opts)
}

func resolvePolicyPath(opts LoadOptions) (string, error) {
	if opts.PolicyPath != "" {
		return opts.PolicyPath, nil
	}
	if value, ok := lookupEnv(opts, "TICKETDESK_POLICY_FILE"); ok {
		return value, nil
	}
	home, err := Home(opts)
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "policy.toml"), nil
}

func lookupEnv(opts LoadOptions, key string) (string, bool) {
	if opts.Env != nil {
		if value, ok := opts.Env[key]; ok {
			return value, true
		}
	}
	return os.LookupEnv(key)
}

// Home is the data directory holding the audit database and policy file.
func Home(opts LoadOptions) (string, error) {
	if value, ok := lookupEnv(opts, "TICKETDESK_HOME"); ok && value != "" {
		return value, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Ticketdesk"), nil
	}

	dataHome := filepath.Join(home, ".local", "share")
	if xdgDataHome, ok := lookupEnv(opts, "XDG_DATA_HOME"); ok && xdgDataHome != "" {
		dataHome = xdgDataHome
	}
	return filepath.Join(dataHome, "ticketdesk"), nil
}

func defaultConfigPath(opts LoadOptions) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Ticketdesk", "config.toml"), nil
	}

	configHome := filepath.Join(home, ".config")
	if xdgConfigHome, ok := lookupEnv(opts, "XDG_CONFIG_HOME"); ok && xdgConfigHome != "" {
		configHome = xdgConfigHome
	}
	return filepath.Join(configHome, "ticketdesk", "config.toml"), nil
}
