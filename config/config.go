package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "tetherd"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "TETHERD_DATA_DIR"

	RoleHub  = "hub"
	RoleEdge = "edge"

	DefaultListenAddress            = ":8080"
	DefaultPollIntervalSeconds      = 10
	DefaultConnectionTimeoutSeconds = 60
	DefaultRequestTimeoutSeconds    = 5
	DefaultMailboxBatchSize         = 100
	DefaultPollConcurrency          = 16
	DefaultLogLevel                 = "info"
	DefaultMQTTTopicPrefix          = "tetherd"

	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// MQTTConfig configures lifecycle event publication. An empty broker disables it.
type MQTTConfig struct {
	Broker      string `json:"broker"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         byte   `json:"qos"`
}

// InstanceConfig contains the persistent settings of one tetherd instance.
type InstanceConfig struct {
	InstanceID   string `json:"instance_id"`
	InstanceName string `json:"instance_name"`
	Role         string `json:"role"`
	Project      string `json:"project"`
	Location     string `json:"location"`

	ListenAddress string `json:"listen_address"`

	PollIntervalSeconds      int `json:"poll_interval_seconds"`
	ConnectionTimeoutSeconds int `json:"connection_timeout_seconds"`
	RequestTimeoutSeconds    int `json:"request_timeout_seconds"`
	MailboxBatchSize         int `json:"mailbox_batch_size"`
	PollConcurrency          int `json:"poll_concurrency"`

	// ControlChannelRate is polls per second allowed per peer; 0 disables limiting.
	ControlChannelRate  float64 `json:"control_channel_rate"`
	ControlChannelBurst int     `json:"control_channel_burst"`

	AdvertiseMDNS bool       `json:"advertise_mdns"`
	MQTT          MQTTConfig `json:"mqtt"`
	BugsnagAPIKey string     `json:"bugsnag_api_key"`
	LogLevel      string     `json:"log_level"`
}

// PollInterval is the edge poll period.
func (c *InstanceConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// ConnectionTimeout is the liveness window of a control channel.
func (c *InstanceConfig) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutSeconds) * time.Second
}

// RequestTimeout bounds one outbound call.
func (c *InstanceConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// Validate reports settings that cannot be normalized away.
func (c *InstanceConfig) Validate() error {
	if normalizeRole(c.Role) == "" {
		return fmt.Errorf("role must be %q or %q, got %q", RoleHub, RoleEdge, c.Role)
	}
	if strings.TrimSpace(c.InstanceName) == "" {
		return errors.New("instance_name is required")
	}
	if strings.ContainsAny(c.InstanceName, "/?#") {
		return errors.New("instance_name must not contain '/', '?' or '#'")
	}
	if c.ControlChannelRate < 0 {
		return errors.New("control_channel_rate must be >= 0")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	return nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If TETHERD_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*InstanceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg InstanceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *InstanceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and config exist, then returns the
// config, its path and the data directory.
func LoadOrCreate() (*InstanceConfig, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", "", fmt.Errorf("create directory %q: %w", dataDir, err)
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
		return cfg, cfgPath, dataDir, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	}

	return cfg, cfgPath, dataDir, nil
}

func defaultConfig() *InstanceConfig {
	cfg := &InstanceConfig{}
	normalizeDefaults(cfg)
	return cfg
}

func defaultInstanceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "tetherd"
}

func normalizeDefaults(cfg *InstanceConfig) bool {
	updated := false

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
		updated = true
	}
	if cfg.InstanceName == "" {
		cfg.InstanceName = defaultInstanceName()
		updated = true
	}

	role := normalizeRole(cfg.Role)
	if role == "" && strings.TrimSpace(cfg.Role) == "" {
		role = RoleHub
	}
	if role != "" && cfg.Role != role {
		cfg.Role = role
		updated = true
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = DefaultListenAddress
		updated = true
	}

	ints := []struct {
		value    *int
		fallback int
	}{
		{&cfg.PollIntervalSeconds, DefaultPollIntervalSeconds},
		{&cfg.ConnectionTimeoutSeconds, DefaultConnectionTimeoutSeconds},
		{&cfg.RequestTimeoutSeconds, DefaultRequestTimeoutSeconds},
		{&cfg.MailboxBatchSize, DefaultMailboxBatchSize},
		{&cfg.PollConcurrency, DefaultPollConcurrency},
		{&cfg.ControlChannelBurst, 1},
	}
	for _, field := range ints {
		if *field.value <= 0 {
			*field.value = field.fallback
			updated = true
		}
	}

	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = DefaultMQTTTopicPrefix
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}

	return updated
}

func normalizeRole(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleHub:
		return RoleHub
	case RoleEdge:
		return RoleEdge
	default:
		return ""
	}
}
