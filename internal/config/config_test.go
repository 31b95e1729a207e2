package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/tcam/internal/lepton/cci"
	"github.com/banshee-data/tcam/internal/lepton/vospi"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
	if cfg.GetSPISpeedHz() != 16_000_000 {
		t.Errorf("GetSPISpeedHz() = %d, want 16000000", cfg.GetSPISpeedHz())
	}
	if cfg.GetFramePeriod() != vospi.FramePeriod {
		t.Errorf("GetFramePeriod() = %v, want %v", cfg.GetFramePeriod(), vospi.FramePeriod)
	}
	if cfg.GetGainMode() != cci.GainHigh {
		t.Errorf("GetGainMode() = %v, want high", cfg.GetGainMode())
	}
}

func TestEmptyConfigUsesDefaults(t *testing.T) {
	cfg := &Config{}
	if cfg.GetVSyncPin() != "GPIO25" {
		t.Errorf("GetVSyncPin() = %q", cfg.GetVSyncPin())
	}
	if cfg.GetStatsInterval() != 10*time.Second {
		t.Errorf("GetStatsInterval() = %v", cfg.GetStatsInterval())
	}
	if cfg.GetSerialPort() != "" {
		t.Errorf("serial output should be disabled by default, got %q", cfg.GetSerialPort())
	}

	sc := cfg.SessionConfig()
	if sc.MissesPerFrame != 36 || sc.LostFrameLimit != 10 {
		t.Errorf("thresholds = %d/%d, want 36/10", sc.MissesPerFrame, sc.LostFrameLimit)
	}
	if sc.ResyncDelay != 185*time.Millisecond {
		t.Errorf("ResyncDelay = %v", sc.ResyncDelay)
	}
	if !sc.Telemetry || sc.AGC || sc.Emissivity != 98 {
		t.Errorf("camera settings = %+v", sc.Settings)
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, "tcam.json", `{
  "agc": true,
  "gain_mode": "auto",
  "emissivity": 95,
  "lost_frame_limit": 4,
  "error_cooldown": "5s",
  "serial_port": "/dev/ttyUSB0",
  "serial_parity": "even",
  "log_file": "/var/log/tcam/tcam.log"
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	sc := cfg.SessionConfig()
	if !sc.AGC || sc.Gain != cci.GainAuto || sc.Emissivity != 95 {
		t.Errorf("camera settings = %+v", sc.Settings)
	}
	if sc.LostFrameLimit != 4 || sc.ErrorCooldown != 5*time.Second {
		t.Errorf("thresholds = %d, %v", sc.LostFrameLimit, sc.ErrorCooldown)
	}
	// Fields absent from the file keep their defaults.
	if sc.MissesPerFrame != 36 {
		t.Errorf("MissesPerFrame = %d, want default 36", sc.MissesPerFrame)
	}
	if cfg.GetSerialPort() != "/dev/ttyUSB0" || cfg.GetSerialBaud() != 921600 {
		t.Errorf("serial = %q @ %d", cfg.GetSerialPort(), cfg.GetSerialBaud())
	}
	if opts, err := cfg.GetSerialOptions().Normalize(); err != nil || opts.Parity != "E" {
		t.Errorf("serial options = %+v, %v", opts, err)
	}
	if cfg.GetLogFile() != "/var/log/tcam/tcam.log" {
		t.Errorf("GetLogFile() = %q", cfg.GetLogFile())
	}
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{"extension", "tcam.yaml", `{}`, ".json extension"},
		{"syntax", "tcam.json", `{"agc": }`, "parse config JSON"},
		{"emissivity", "tcam.json", `{"emissivity": 0}`, "emissivity"},
		{"gain", "tcam.json", `{"gain_mode": "medium"}`, "gain mode"},
		{"misses", "tcam.json", `{"misses_per_frame": 4}`, "misses_per_frame"},
		{"duration", "tcam.json", `{"resync_delay": "soon"}`, "resync_delay"},
		{"spi speed", "tcam.json", `{"spi_speed_hz": -1}`, "spi_speed_hz"},
		{"parity", "tcam.json", `{"serial_parity": "mark"}`, "parity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_TooLarge(t *testing.T) {
	body := `{"db_path": "` + strings.Repeat("x", 1024*1024) + `"}`
	if _, err := Load(writeConfig(t, "big.json", body)); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("Load() error = %v, want too large", err)
	}
}

func TestLoad_Missing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestGetDuration_FallsBackOnGarbage(t *testing.T) {
	cfg := &Config{StatsInterval: ptrString("every now and then")}
	if got := cfg.GetStatsInterval(); got != 10*time.Second {
		t.Errorf("GetStatsInterval() = %v, want default", got)
	}
}
