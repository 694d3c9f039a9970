package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment represents the application environment.
type Environment string

const (
	EnvDev  Environment = "dev"
	EnvProd Environment = "prod"
)

const (
	DefaultHost               = "127.0.0.1"
	DefaultPort               = 35553
	DefaultProcessCount       = 2
	DefaultMaxConnectionQueue = 10
	DefaultInventoryTTL       = 30 * time.Second
)

// Config holds application configuration.
type Config struct {
	Env         Environment
	LogLevel    string
	LogFormat   string
	LogOutput   string
	LogFilePath string
	Server      ServerConfig
	// InventoryTTL is how long the admin surface serves a certificate listing
	// before re-reading the depot.
	InventoryTTL time.Duration
}

// ServerConfig sizes and places the protocol server.
type ServerConfig struct {
	Host               string
	Port               int
	ProcessCount       int
	MaxConnectionQueue int
	// PIDFile and LogFile pin the respective path. Empty means the first
	// writable default candidate.
	PIDFile        string
	LogFile        string
	StrictProtocol bool
	// MetricsAddr enables the admin HTTP surface when set ("host:port").
	MetricsAddr string
}

// Address is the protocol listen address.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type SettingsFile struct {
	App       AppSettings       `json:"app"`
	Server    ServerSettings    `json:"server"`
	Inventory InventorySettings `json:"inventory"`
}

type AppSettings struct {
	Env     string          `json:"env"`
	Logging LoggingSettings `json:"logging"`
}

type LoggingSettings struct {
	Level    string `json:"level"`
	Format   string `json:"format"`
	Output   string `json:"output"`
	FilePath string `json:"file_path"`
}

type ServerSettings struct {
	Host               string `json:"host"`
	Port               int    `json:"port"`
	ProcessCount       int    `json:"process_count"`
	MaxConnectionQueue int    `json:"max_connection_queue"`
	PIDFile            string `json:"pid_file"`
	LogFile            string `json:"log_file"`
	StrictProtocol     bool   `json:"strict_protocol"`
	MetricsAddr        string `json:"metrics_addr"`
}

type InventorySettings struct {
	CacheTTLSeconds int `json:"cache_ttl_seconds"`
}

// Load reads configuration from a settings file when one is found, otherwise
// from environment variables. A .env file in the working directory is loaded
// first.
func Load() (Config, error) {
	_ = godotenv.Load()
	settings, settingsPath, settingsErr := loadSettingsFile()
	if settingsErr == nil && settings != nil {
		cfg := buildConfigFromSettings(*settings)
		applyLoggingEnv(cfg)
		return cfg, nil
	}
	if settingsPath != "" {
		return Config{}, fmt.Errorf("invalid settings file %s: %w", settingsPath, settingsErr)
	}

	env := parseEnv(getEnv("APP_ENV", "dev"))
	cfg := Config{
		Env:         env,
		LogLevel:    getEnv("LOG_LEVEL", defaultLogLevel(env)),
		LogFormat:   getEnv("LOG_FORMAT", defaultLogFormat(env)),
		LogOutput:   getEnv("LOG_OUTPUT", "stdout"),
		LogFilePath: getEnv("LOG_FILE_PATH", ""),
		Server: ServerConfig{
			Host:               getEnv("DEPOT_HOST", DefaultHost),
			Port:               getEnvInt("DEPOT_PORT", DefaultPort),
			ProcessCount:       getEnvInt("DEPOT_PROCESS_COUNT", DefaultProcessCount),
			MaxConnectionQueue: getEnvInt("DEPOT_MAX_CONNECTION_QUEUE", DefaultMaxConnectionQueue),
			PIDFile:            strings.TrimSpace(getEnv("DEPOT_PID_FILE", "")),
			LogFile:            strings.TrimSpace(getEnv("DEPOT_LOG_FILE", "")),
			StrictProtocol:     getEnvBool("DEPOT_STRICT_PROTOCOL", false),
			MetricsAddr:        strings.TrimSpace(getEnv("DEPOT_METRICS_ADDR", "")),
		},
		InventoryTTL: time.Duration(getEnvInt("DEPOT_INVENTORY_TTL_SECONDS", int(DefaultInventoryTTL/time.Second))) * time.Second,
	}
	return cfg, nil
}

// loadSettingsFile returns the parsed settings and the path they came from.
// A path with an error means a settings file exists but could not be used.
func loadSettingsFile() (*SettingsFile, string, error) {
	settingsPath := strings.TrimSpace(getEnv("SETTINGS_PATH", ""))
	if settingsPath != "" {
		settings, err := readSettings(settingsPath)
		return settings, settingsPath, err
	}

	envName := strings.ToLower(strings.TrimSpace(getEnv("APP_ENV", "dev")))
	candidates := []string{fmt.Sprintf("settings.%s.json", envName), "settings.json", "/etc/depot/settings.json"}
	for _, candidate := range candidates {
		absPath, absErr := filepath.Abs(candidate)
		if absErr != nil {
			continue
		}
		if _, statErr := os.Stat(absPath); statErr != nil {
			continue
		}
		settings, err := readSettings(absPath)
		return settings, absPath, err
	}
	return nil, "", os.ErrNotExist
}

func readSettings(path string) (*SettingsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var settings SettingsFile
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

func buildConfigFromSettings(settings SettingsFile) Config {
	envValue := strings.TrimSpace(settings.App.Env)
	if envValue == "" {
		envValue = "dev"
	}
	env := parseEnv(envValue)
	logLevel := strings.TrimSpace(settings.App.Logging.Level)
	if logLevel == "" {
		logLevel = defaultLogLevel(env)
	}
	logFormat := strings.TrimSpace(settings.App.Logging.Format)
	if logFormat == "" {
		logFormat = defaultLogFormat(env)
	}
	logOutput := strings.TrimSpace(settings.App.Logging.Output)
	if logOutput == "" {
		logOutput = "stdout"
	}

	server := ServerConfig{
		Host:               strings.TrimSpace(settings.Server.Host),
		Port:               settings.Server.Port,
		ProcessCount:       settings.Server.ProcessCount,
		MaxConnectionQueue: settings.Server.MaxConnectionQueue,
		PIDFile:            strings.TrimSpace(settings.Server.PIDFile),
		LogFile:            strings.TrimSpace(settings.Server.LogFile),
		StrictProtocol:     settings.Server.StrictProtocol,
		MetricsAddr:        strings.TrimSpace(settings.Server.MetricsAddr),
	}
	if server.Host == "" {
		server.Host = DefaultHost
	}
	if server.Port == 0 {
		server.Port = DefaultPort
	}
	if server.ProcessCount == 0 {
		server.ProcessCount = DefaultProcessCount
	}
	if server.MaxConnectionQueue == 0 {
		server.MaxConnectionQueue = DefaultMaxConnectionQueue
	}

	ttl := DefaultInventoryTTL
	if settings.Inventory.CacheTTLSeconds > 0 {
		ttl = time.Duration(settings.Inventory.CacheTTLSeconds) * time.Second
	}

	return Config{
		Env:          env,
		LogLevel:     logLevel,
		LogFormat:    logFormat,
		LogOutput:    logOutput,
		LogFilePath:  strings.TrimSpace(settings.App.Logging.FilePath),
		Server:       server,
		InventoryTTL: ttl,
	}
}

func applyLoggingEnv(cfg Config) {
	if strings.TrimSpace(cfg.LogOutput) != "" {
		_ = os.Setenv("LOG_OUTPUT", cfg.LogOutput)
	}
	if strings.TrimSpace(cfg.LogFormat) != "" {
		_ = os.Setenv("LOG_FORMAT", cfg.LogFormat)
	}
	if strings.TrimSpace(cfg.LogFilePath) != "" {
		_ = os.Setenv("LOG_FILE_PATH", cfg.LogFilePath)
	}
}

// PIDFileCandidates returns where the server may record its pid, in order.
func (s ServerConfig) PIDFileCandidates() []string {
	if s.PIDFile != "" {
		return []string{s.PIDFile}
	}
	return withHome("/var/run/depot.pid", ".depot.pid")
}

// LogFileCandidates returns where a detached server may log, in order.
func (s ServerConfig) LogFileCandidates() []string {
	if s.LogFile != "" {
		return []string{s.LogFile}
	}
	return withHome("/var/log/depot.log", "depot.log")
}

func withHome(system, name string) []string {
	candidates := []string{system}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		candidates = append(candidates, filepath.Join(home, name))
	}
	return candidates
}

// IsDev returns true if the environment is development.
func (c Config) IsDev() bool {
	return c.Env == EnvDev
}

// IsProd returns true if the environment is production.
func (c Config) IsProd() bool {
	return c.Env == EnvProd
}

func parseEnv(s string) Environment {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "prod", "production":
		return EnvProd
	default:
		return EnvDev
	}
}

func defaultLogLevel(env Environment) string {
	switch env {
	case EnvProd:
		return "info"
	default:
		return "debug"
	}
}

func defaultLogFormat(env Environment) string {
	switch env {
	case EnvProd:
		return "json"
	default:
		return "console"
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
