// Package config loads and validates the single service configuration.
// Configuration is read once at startup; changes require a restart.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/nexus-edge/data-acquisition/internal/domain"
	"gopkg.in/yaml.v3"
)

// expandEnvBraces expands ${VAR} and ${VAR:default} patterns. Bare $VAR
// is left alone so MQTT $share prefixes survive.
func expandEnvBraces(s string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}

// Config is the complete service configuration.
type Config struct {
	Service     ServiceConfig             `yaml:"service"`
	HTTP        HTTPConfig                `yaml:"http"`
	Devices     []domain.DeviceConfig     `yaml:"devices"`
	MQTT        MQTTConfig                `yaml:"mqtt"`
	MqttDevices []domain.MqttDeviceConfig `yaml:"mqtt_devices"`
	Timescale   TimescaleConfig           `yaml:"timescale"`
	DLQ         DLQConfig                 `yaml:"dlq"`
	Logging     LoggingConfig             `yaml:"logging"`

	// GlobalPollIntervalMs is the default poll interval applied to
	// devices that leave theirs unset.
	GlobalPollIntervalMs int `yaml:"global_poll_interval_ms"`

	// HealthCheckIntervalMs is the cadence of the periodic health log.
	HealthCheckIntervalMs int `yaml:"health_check_interval_ms"`

	// DemoMode relaxes the startup store-connectivity check.
	DemoMode bool `yaml:"demo_mode"`
}

// ServiceConfig identifies the service.
type ServiceConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
}

// HTTPConfig configures the health/metrics listener.
type HTTPConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	BrokerHost           string `yaml:"broker_host"`
	BrokerPort           int    `yaml:"broker_port"`
	ClientID             string `yaml:"client_id"`
	Username             string `yaml:"username"`
	Password             string `yaml:"password"`
	UseTLS               bool   `yaml:"use_tls"`
	AllowInvalidCerts    bool   `yaml:"allow_invalid_certs"`
	KeepAliveS           int    `yaml:"keep_alive_s"`
	ReconnectDelayS      int    `yaml:"reconnect_delay_s"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
	CleanSession         *bool  `yaml:"clean_session,omitempty"`
	QoS                  byte   `yaml:"qos"`
	MaxTrackedTopics     int    `yaml:"max_tracked_topics"`
	MaxJSONPayloadBytes  int    `yaml:"max_json_payload_bytes"`
}

// TimescaleConfig configures the time-series store and the batching
// pipeline that feeds it.
type TimescaleConfig struct {
	Host            string            `yaml:"host"`
	Port            int               `yaml:"port"`
	Database        string            `yaml:"database"`
	Username        string            `yaml:"username"`
	Password        string            `yaml:"password"`
	TableName       string            `yaml:"table_name"`
	BatchSize       int               `yaml:"batch_size"`
	BatchTimeoutMs  int               `yaml:"batch_timeout_ms"`
	FlushIntervalMs int               `yaml:"flush_interval_ms"`
	SSL             bool              `yaml:"ssl"`
	PoolMin         int               `yaml:"pool_min"`
	PoolMax         int               `yaml:"pool_max"`
	Tags            map[string]string `yaml:"tags"`
}

// DLQConfig configures the dead-letter queue.
type DLQConfig struct {
	Dir              string `yaml:"dir"`
	RetryIntervalS   int    `yaml:"retry_interval_s"`
	MaxRetryAttempts int    `yaml:"max_retry_attempts"`
	WarnMB           int    `yaml:"warn_mb"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads, expands, defaults, and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnvBraces(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields with their documented defaults.
func (cfg *Config) ApplyDefaults() {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "data-acquisition"
	}
	if cfg.Service.Environment == "" {
		cfg.Service.Environment = "development"
	}

	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 10 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 10 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}

	if cfg.GlobalPollIntervalMs == 0 {
		cfg.GlobalPollIntervalMs = 1000
	}
	if cfg.HealthCheckIntervalMs == 0 {
		cfg.HealthCheckIntervalMs = 30000
	}

	for i := range cfg.Devices {
		d := &cfg.Devices[i]
		if d.Port == 0 {
			d.Port = 502
		}
		if d.PollIntervalMs == 0 {
			d.PollIntervalMs = cfg.GlobalPollIntervalMs
		}
		if d.TimeoutMs == 0 {
			d.TimeoutMs = 3000
		}
		for j := range d.Channels {
			ch := &d.Channels[j]
			if ch.RegisterCount == 0 {
				ch.RegisterCount = ch.DataType.RegisterCount()
			}
			if ch.Scale == 0 {
				ch.Scale = 1
			}
			if ch.RateWindowSeconds == 0 {
				ch.RateWindowSeconds = 60
			}
		}
	}

	for i := range cfg.MqttDevices {
		m := &cfg.MqttDevices[i]
		if m.Scale == 0 {
			m.Scale = 1
		}
	}

	if cfg.MQTT.BrokerPort == 0 {
		cfg.MQTT.BrokerPort = 1883
	}
	if cfg.MQTT.ClientID == "" {
		hostname, _ := os.Hostname()
		cfg.MQTT.ClientID = fmt.Sprintf("data-acquisition-%s", hostname)
	}
	if cfg.MQTT.KeepAliveS == 0 {
		cfg.MQTT.KeepAliveS = 30
	}
	if cfg.MQTT.ReconnectDelayS == 0 {
		cfg.MQTT.ReconnectDelayS = 5
	}
	if cfg.MQTT.MaxTrackedTopics == 0 {
		cfg.MQTT.MaxTrackedTopics = 1000
	}
	if cfg.MQTT.MaxJSONPayloadBytes == 0 {
		cfg.MQTT.MaxJSONPayloadBytes = 1 << 20
	}

	if cfg.Timescale.Host == "" {
		cfg.Timescale.Host = "localhost"
	}
	if cfg.Timescale.Port == 0 {
		cfg.Timescale.Port = 5432
	}
	if cfg.Timescale.Database == "" {
		cfg.Timescale.Database = "acquisition"
	}
	if cfg.Timescale.TableName == "" {
		cfg.Timescale.TableName = "device_readings"
	}
	if cfg.Timescale.BatchSize == 0 {
		cfg.Timescale.BatchSize = 100
	}
	if cfg.Timescale.BatchTimeoutMs == 0 {
		cfg.Timescale.BatchTimeoutMs = 5000
	}
	if cfg.Timescale.FlushIntervalMs == 0 {
		cfg.Timescale.FlushIntervalMs = cfg.Timescale.BatchTimeoutMs
	}
	if cfg.Timescale.PoolMin == 0 {
		cfg.Timescale.PoolMin = 2
	}
	if cfg.Timescale.PoolMax == 0 {
		cfg.Timescale.PoolMax = 10
	}

	if cfg.DLQ.Dir == "" {
		cfg.DLQ.Dir = "./dlq"
	}
	if cfg.DLQ.RetryIntervalS == 0 {
		cfg.DLQ.RetryIntervalS = 60
	}
	if cfg.DLQ.MaxRetryAttempts == 0 {
		cfg.DLQ.MaxRetryAttempts = 5
	}
	if cfg.DLQ.WarnMB == 0 {
		cfg.DLQ.WarnMB = 100
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("TIMESCALE_USERNAME"); v != "" {
		cfg.Timescale.Username = v
	}
	if v := os.Getenv("TIMESCALE_PASSWORD"); v != "" {
		cfg.Timescale.Password = v
	}
	if v := os.Getenv("ACQUISITION_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration. Duplicate device ids, invalid
// addresses, and duplicate channels all fail startup before any socket
// is opened.
func (cfg *Config) Validate() error {
	seen := make(map[string]bool)

	for i := range cfg.Devices {
		d := &cfg.Devices[i]
		if seen[d.DeviceID] {
			return fmt.Errorf("%w: %q", domain.ErrDuplicateDevice, d.DeviceID)
		}
		seen[d.DeviceID] = true
		if err := d.Validate(); err != nil {
			return err
		}
	}

	for i := range cfg.MqttDevices {
		m := &cfg.MqttDevices[i]
		if seen[m.DeviceID] {
			return fmt.Errorf("%w: %q", domain.ErrDuplicateDevice, m.DeviceID)
		}
		seen[m.DeviceID] = true
		if err := m.Validate(); err != nil {
			return err
		}
	}

	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("%w: mqtt qos %d", domain.ErrInvalidQoS, cfg.MQTT.QoS)
	}
	if len(cfg.Timescale.TableName) > 63 {
		return fmt.Errorf("table_name %q exceeds 63 characters", cfg.Timescale.TableName)
	}
	if cfg.Timescale.BatchSize < 1 || cfg.Timescale.BatchSize > 1000 {
		return fmt.Errorf("batch_size %d out of range 1-1000", cfg.Timescale.BatchSize)
	}
	if cfg.Timescale.Password == "" && cfg.Service.Environment == "production" {
		return fmt.Errorf("store password is required in production")
	}
	return nil
}

// CleanSessionOrDefault returns the clean-session flag, defaulting true.
func (m *MQTTConfig) CleanSessionOrDefault() bool {
	if m.CleanSession == nil {
		return true
	}
	return *m.CleanSession
}
