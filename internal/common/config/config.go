// Package config provides configuration management for the ads server.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/adsrv/adsrv/internal/common/logger"
	"github.com/adsrv/adsrv/internal/events/bus"
)

// Config holds all configuration sections for the server.
type Config struct {
	Web       WebConfig            `mapstructure:"web"`
	Queue     QueueConfig          `mapstructure:"queue"`
	Agents    []AgentConfig        `mapstructure:"agents"`
	Explored  ExploredConfig       `mapstructure:"explored"`
	Notify    NotifyConfig         `mapstructure:"notify"`
	Bootstrap BootstrapConfig      `mapstructure:"bootstrap"`
	State     StateConfig          `mapstructure:"state"`
	NATS      bus.NATSConfig       `mapstructure:"nats"`
	Logging   logger.LoggingConfig `mapstructure:"logging"`
}

// WebConfig holds HTTP/WebSocket server configuration.
type WebConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedDirs    []string `mapstructure:"allowedDirs"`
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
	// MaxClients limits concurrent WebSocket connections; 0 means unlimited.
	MaxClients       int `mapstructure:"maxClients"`
	WSPingIntervalMs int `mapstructure:"wsPingIntervalMs"`
	WSMaxMissedPongs int `mapstructure:"wsMaxMissedPongs"`
}

// QueueConfig holds task queue configuration.
type QueueConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	AutoStart    bool   `mapstructure:"autoStart"`
	DefaultModel string `mapstructure:"defaultModel"`
	PlanModel    string `mapstructure:"planModel"`
	MaxRetries   int    `mapstructure:"maxRetries"`
}

// AgentConfig describes one CLI agent adapter.
type AgentConfig struct {
	ID            string   `mapstructure:"id"`
	Command       string   `mapstructure:"command"`
	Args          []string `mapstructure:"args"`
	DefaultModel  string   `mapstructure:"defaultModel"`
	TurnTimeoutMs int      `mapstructure:"turnTimeoutMs"`
}

// TurnTimeout returns the per-turn deadline; zero means none.
func (a *AgentConfig) TurnTimeout() time.Duration {
	return time.Duration(a.TurnTimeoutMs) * time.Millisecond
}

// ExploredConfig holds activity tracker configuration.
type ExploredConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	MaxItems int    `mapstructure:"maxItems"`
	Dedupe   string `mapstructure:"dedupe"` // "none" or "consecutive"
}

// NotifyConfig holds task-terminal notification configuration.
type NotifyConfig struct {
	TelegramToken  string `mapstructure:"telegramToken"`
	TelegramChatID int64  `mapstructure:"telegramChatId"`
	Timezone       string `mapstructure:"timezone"`
}

// BootstrapConfig holds bootstrap loop defaults.
type BootstrapConfig struct {
	MaxIterations int    `mapstructure:"maxIterations"`
	SandboxMode   string `mapstructure:"sandboxMode"` // "bwrap" or "none"
	BranchPrefix  string `mapstructure:"branchPrefix"`
}

// StateConfig holds embedded state storage configuration.
type StateConfig struct {
	// DBPath is the sqlite database path; empty resolves to <StateDir>/state.db.
	DBPath string `mapstructure:"dbPath"`
	// StateDir is the root for bootstrap worktrees, artifacts and attachment blobs.
	StateDir string `mapstructure:"stateDir"`
}

// ResolvedDBPath returns the effective sqlite path.
func (s *StateConfig) ResolvedDBPath() string {
	if s.DBPath != "" {
		return s.DBPath
	}
	return filepath.Join(s.ResolvedStateDir(), "state.db")
}

// ResolvedStateDir returns the effective state directory.
func (s *StateConfig) ResolvedStateDir() string {
	if s.StateDir != "" {
		return s.StateDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ads"
	}
	return filepath.Join(home, ".ads")
}

// PingInterval returns the WebSocket ping interval as a duration.
func (w *WebConfig) PingInterval() time.Duration {
	return time.Duration(w.WSPingIntervalMs) * time.Millisecond
}

// Load reads configuration from an optional file and the environment.
// Environment variables use the documented names (ADS_WEB_PORT, TASK_QUEUE_ENABLED, ...).
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ADS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvAliases(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("web.host", "127.0.0.1")
	v.SetDefault("web.port", 8791)
	v.SetDefault("web.allowedDirs", []string{})
	v.SetDefault("web.allowedOrigins", []string{})
	v.SetDefault("web.maxClients", 32)
	v.SetDefault("web.wsPingIntervalMs", 15000)
	v.SetDefault("web.wsMaxMissedPongs", 3)

	v.SetDefault("queue.enabled", true)
	v.SetDefault("queue.autoStart", false)
	v.SetDefault("queue.defaultModel", "")
	v.SetDefault("queue.planModel", "")
	v.SetDefault("queue.maxRetries", 2)

	v.SetDefault("explored.enabled", true)
	v.SetDefault("explored.maxItems", 50)
	v.SetDefault("explored.dedupe", "consecutive")

	v.SetDefault("notify.timezone", "Asia/Shanghai")

	v.SetDefault("bootstrap.maxIterations", 5)
	v.SetDefault("bootstrap.sandboxMode", "none")
	v.SetDefault("bootstrap.branchPrefix", "ads/bootstrap")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "ads-server")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.output_path", "")
}

// bindEnvAliases binds the documented environment variable names that don't
// follow the ADS_<section>_<key> derivation (queue vars carry no prefix).
func bindEnvAliases(v *viper.Viper) {
	_ = v.BindEnv("web.allowedDirs", "ADS_WEB_ALLOWED_DIRS")
	_ = v.BindEnv("web.allowedOrigins", "ADS_WEB_ALLOWED_ORIGINS")
	_ = v.BindEnv("web.maxClients", "ADS_WEB_MAX_CLIENTS")
	_ = v.BindEnv("web.wsPingIntervalMs", "ADS_WEB_WS_PING_INTERVAL_MS")
	_ = v.BindEnv("web.wsMaxMissedPongs", "ADS_WEB_WS_MAX_MISSED_PONGS")

	_ = v.BindEnv("queue.enabled", "TASK_QUEUE_ENABLED")
	_ = v.BindEnv("queue.autoStart", "TASK_QUEUE_AUTO_START")
	_ = v.BindEnv("queue.defaultModel", "TASK_QUEUE_DEFAULT_MODEL")
	_ = v.BindEnv("queue.planModel", "TASK_QUEUE_PLAN_MODEL")

	_ = v.BindEnv("explored.enabled", "ADS_EXPLORED_ENABLED")
	_ = v.BindEnv("explored.maxItems", "ADS_EXPLORED_MAX_ITEMS")
	_ = v.BindEnv("explored.dedupe", "ADS_EXPLORED_DEDUPE")

	_ = v.BindEnv("notify.telegramToken", "ADS_TELEGRAM_BOT_TOKEN")
	_ = v.BindEnv("notify.telegramChatId", "ADS_TELEGRAM_CHAT_ID")
	_ = v.BindEnv("notify.timezone", "ADS_TELEGRAM_NOTIFY_TIMEZONE")

	_ = v.BindEnv("nats.url", "ADS_NATS_URL")
	_ = v.BindEnv("nats.clientId", "ADS_NATS_CLIENT_ID")

	_ = v.BindEnv("state.dbPath", "ADS_STATE_DB_PATH")
	_ = v.BindEnv("state.stateDir", "ADS_STATE_DIR")

	_ = v.BindEnv("logging.output_path", "ADS_LOG_FILE")
	_ = v.BindEnv("logging.stdout", "ADS_LOG_STDOUT")
}

// AllowedDirsList splits a comma-separated allowed-dirs value when viper read
// it as a single string from the environment.
func (w *WebConfig) AllowedDirsList() []string {
	if len(w.AllowedDirs) == 1 && strings.Contains(w.AllowedDirs[0], ",") {
		parts := strings.Split(w.AllowedDirs[0], ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	return w.AllowedDirs
}
