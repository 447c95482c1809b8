package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/nexus-edge/data-acquisition/internal/domain"
)

const minimalConfig = `
devices:
  - device_id: dev-1
    ip: 192.168.1.10
    unit_id: 1
    channels:
      - channel_number: 0
        register_type: holding
        data_type: uint32_counter
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	d := cfg.Devices[0]
	if d.Port != 502 {
		t.Errorf("Port = %d, want 502", d.Port)
	}
	if d.PollIntervalMs != 1000 {
		t.Errorf("PollIntervalMs = %d, want 1000", d.PollIntervalMs)
	}
	if d.TimeoutMs != 3000 {
		t.Errorf("TimeoutMs = %d, want 3000", d.TimeoutMs)
	}

	ch := d.Channels[0]
	if ch.RegisterCount != 2 {
		t.Errorf("RegisterCount = %d, want 2 for uint32_counter", ch.RegisterCount)
	}
	if ch.Scale != 1 {
		t.Errorf("Scale = %v, want 1", ch.Scale)
	}
	if ch.RateWindowSeconds != 60 {
		t.Errorf("RateWindowSeconds = %d, want 60", ch.RateWindowSeconds)
	}

	if cfg.Timescale.BatchSize != 100 {
		t.Errorf("BatchSize = %d, want 100", cfg.Timescale.BatchSize)
	}
	if cfg.Timescale.TableName != "device_readings" {
		t.Errorf("TableName = %q, want device_readings", cfg.Timescale.TableName)
	}
	if cfg.DLQ.RetryIntervalS != 60 {
		t.Errorf("RetryIntervalS = %d, want 60", cfg.DLQ.RetryIntervalS)
	}
	if !cfg.MQTT.CleanSessionOrDefault() {
		t.Errorf("CleanSession default = false, want true")
	}
}

func TestLoadDuplicateDeviceID(t *testing.T) {
	content := minimalConfig + `
mqtt_devices:
  - device_id: dev-1
    enabled: true
    format: json
    data_type: float32
    value_path: value
`
	_, err := Load(writeConfig(t, content))
	if !errors.Is(err, domain.ErrDuplicateDevice) {
		t.Fatalf("err = %v, want ErrDuplicateDevice", err)
	}
}

func TestLoadInvalidIP(t *testing.T) {
	content := `
devices:
  - device_id: dev-1
    ip: not-an-ip
    unit_id: 1
    channels:
      - channel_number: 0
        register_type: holding
        data_type: int16
`
	_, err := Load(writeConfig(t, content))
	if !errors.Is(err, domain.ErrInvalidAddress) {
		t.Fatalf("err = %v, want ErrInvalidAddress", err)
	}
}

func TestLoadDuplicateChannel(t *testing.T) {
	content := `
devices:
  - device_id: dev-1
    ip: 192.168.1.10
    unit_id: 1
    channels:
      - channel_number: 0
        register_type: holding
        data_type: int16
      - channel_number: 0
        register_type: input
        data_type: uint16
`
	_, err := Load(writeConfig(t, content))
	if !errors.Is(err, domain.ErrDuplicateChannel) {
		t.Fatalf("err = %v, want ErrDuplicateChannel", err)
	}
}

func TestLoadValuePathRequiredForJSON(t *testing.T) {
	content := `
mqtt_devices:
  - device_id: sensor-1
    enabled: true
    format: json
    data_type: float32
`
	_, err := Load(writeConfig(t, content))
	if !errors.Is(err, domain.ErrValuePathRequired) {
		t.Fatalf("err = %v, want ErrValuePathRequired", err)
	}
}

func TestExpandEnvBraces(t *testing.T) {
	t.Setenv("ACQ_TEST_HOST", "broker.example.com")

	tests := []struct {
		in   string
		want string
	}{
		{"${ACQ_TEST_HOST}", "broker.example.com"},
		{"${ACQ_TEST_HOST:fallback}", "broker.example.com"},
		{"${ACQ_TEST_UNSET:fallback}", "fallback"},
		{"${ACQ_TEST_UNSET}", ""},
		{"$share/group/topic", "$share/group/topic"}, // bare $ untouched
		{"prefix-${ACQ_TEST_HOST}-suffix", "prefix-broker.example.com-suffix"},
	}
	for _, tt := range tests {
		if got := expandEnvBraces(tt.in); got != tt.want {
			t.Errorf("expandEnvBraces(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEnvCredentialOverride(t *testing.T) {
	t.Setenv("TIMESCALE_PASSWORD", "from-env")

	content := minimalConfig + `
timescale:
  password: from-file
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Timescale.Password != "from-env" {
		t.Fatalf("Password = %q, want env override", cfg.Timescale.Password)
	}
}

func TestProductionRequiresStorePassword(t *testing.T) {
	content := `
service:
  environment: production
` + minimalConfig
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Fatalf("expected error for missing store password in production")
	}
}

func TestBatchSizeRange(t *testing.T) {
	content := minimalConfig + `
timescale:
  batch_size: 5000
`
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Fatalf("expected error for batch_size out of range")
	}
}
