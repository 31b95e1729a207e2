package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/tcam/internal/lepton/cci"
	"github.com/banshee-data/tcam/internal/lepton/session"
	"github.com/banshee-data/tcam/internal/lepton/vospi"
	"github.com/banshee-data/tcam/internal/stream"
)

// Config is the daemon configuration. Every field is optional: a nil
// field falls back to the default returned by its Get* accessor, so a
// partial file only needs the values that differ from the tCam hardware.
type Config struct {
	// Hardware
	I2CBus     *string `json:"i2c_bus,omitempty"`  // periph bus name, "" for the first bus
	SPIPort    *string `json:"spi_port,omitempty"` // periph port name, "" for the first port
	SPISpeedHz *int64  `json:"spi_speed_hz,omitempty"`
	VSyncPin   *string `json:"vsync_pin,omitempty"`
	ResetPin   *string `json:"reset_pin,omitempty"` // empty disables hardware reset

	// Camera
	AGC        *bool   `json:"agc,omitempty"`
	GainMode   *string `json:"gain_mode,omitempty"` // "high", "low" or "auto"
	Emissivity *int    `json:"emissivity,omitempty"`
	Telemetry  *bool   `json:"telemetry,omitempty"`

	// Session controller
	MissesPerFrame *int    `json:"misses_per_frame,omitempty"`
	LostFrameLimit *int    `json:"lost_frame_limit,omitempty"`
	ResyncDelay    *string `json:"resync_delay,omitempty"`   // duration string like "185ms"
	ErrorCooldown  *string `json:"error_cooldown,omitempty"` // duration string like "60s"
	FramePeriod    *string `json:"frame_period,omitempty"`   // bound on slot reclaim waits

	// Outputs
	DBPath        *string `json:"db_path,omitempty"`
	SerialPort    *string `json:"serial_port,omitempty"` // empty disables serial output
	SerialBaud    *int    `json:"serial_baud,omitempty"`
	SerialParity  *string `json:"serial_parity,omitempty"` // "N", "E" or "O"
	StatsInterval *string `json:"stats_interval,omitempty"`
	ListenAddr    *string `json:"listen_addr,omitempty"`

	// Logging
	LogFile       *string `json:"log_file,omitempty"` // empty logs to stdout only
	LogMaxSizeMB  *int    `json:"log_max_size_mb,omitempty"`
	LogMaxBackups *int    `json:"log_max_backups,omitempty"`
	LogMaxAgeDays *int    `json:"log_max_age_days,omitempty"`
}

// Helper functions to create pointers
func ptrBool(v bool) *bool       { return &v }
func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }
func ptrInt64(v int64) *int64    { return &v }

// Defaults returns a Config with every field set to its default.
func Defaults() *Config {
	return &Config{
		I2CBus:         ptrString(""),
		SPIPort:        ptrString(""),
		SPISpeedHz:     ptrInt64(16_000_000),
		VSyncPin:       ptrString("GPIO25"),
		ResetPin:       ptrString("GPIO24"),
		AGC:            ptrBool(false),
		GainMode:       ptrString("high"),
		Emissivity:     ptrInt(98),
		Telemetry:      ptrBool(true),
		MissesPerFrame: ptrInt(36),
		LostFrameLimit: ptrInt(10),
		ResyncDelay:    ptrString("185ms"),
		ErrorCooldown:  ptrString("60s"),
		FramePeriod:    ptrString(vospi.FramePeriod.String()),
		DBPath:         ptrString("tcam.db"),
		SerialPort:     ptrString(""),
		SerialBaud:     ptrInt(stream.DefaultBaudRate),
		SerialParity:   ptrString("N"),
		StatsInterval:  ptrString("10s"),
		ListenAddr:     ptrString("localhost:8080"),
		LogFile:        ptrString(""),
		LogMaxSizeMB:   ptrInt(10),
		LogMaxBackups:  ptrInt(5),
		LogMaxAgeDays:  ptrInt(28),
	}
}

// Load reads a Config from a JSON file. The file must have a .json
// extension and be under 1MB. Omitted fields keep their defaults.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the values that are set.
func (c *Config) Validate() error {
	if c.Emissivity != nil && (*c.Emissivity < 1 || *c.Emissivity > 100) {
		return fmt.Errorf("emissivity must be between 1 and 100, got %d", *c.Emissivity)
	}
	if c.GainMode != nil {
		if _, err := cci.ParseGainMode(*c.GainMode); err != nil {
			return err
		}
	}
	if c.SPISpeedHz != nil && *c.SPISpeedHz <= 0 {
		return fmt.Errorf("spi_speed_hz must be positive, got %d", *c.SPISpeedHz)
	}
	if c.MissesPerFrame != nil && *c.MissesPerFrame < 12 {
		return fmt.Errorf("misses_per_frame must be at least one frame (12), got %d", *c.MissesPerFrame)
	}
	if c.LostFrameLimit != nil && *c.LostFrameLimit < 1 {
		return fmt.Errorf("lost_frame_limit must be positive, got %d", *c.LostFrameLimit)
	}
	if c.SerialBaud != nil && *c.SerialBaud <= 0 {
		return fmt.Errorf("serial_baud must be positive, got %d", *c.SerialBaud)
	}
	if _, err := c.GetSerialOptions().Normalize(); err != nil {
		return fmt.Errorf("serial: %w", err)
	}
	for name, v := range map[string]*string{
		"resync_delay":   c.ResyncDelay,
		"error_cooldown": c.ErrorCooldown,
		"frame_period":   c.FramePeriod,
		"stats_interval": c.StatsInterval,
	} {
		if v == nil || *v == "" {
			continue
		}
		if _, err := time.ParseDuration(*v); err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
	}
	return nil
}

func getString(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}

func getInt(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func getBool(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func getDuration(p *string, def time.Duration) time.Duration {
	if p == nil || *p == "" {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil {
		return def
	}
	return d
}

var defaults = Defaults()

func (c *Config) GetI2CBus() string   { return getString(c.I2CBus, *defaults.I2CBus) }
func (c *Config) GetSPIPort() string  { return getString(c.SPIPort, *defaults.SPIPort) }
func (c *Config) GetVSyncPin() string { return getString(c.VSyncPin, *defaults.VSyncPin) }
func (c *Config) GetResetPin() string { return getString(c.ResetPin, *defaults.ResetPin) }

// GetSPISpeedHz returns the VoSPI clock rate.
func (c *Config) GetSPISpeedHz() int64 {
	if c.SPISpeedHz == nil {
		return *defaults.SPISpeedHz
	}
	return *c.SPISpeedHz
}

// GetGainMode returns the configured gain mode, or high gain when unset or
// unparseable.
func (c *Config) GetGainMode() cci.GainMode {
	g, err := cci.ParseGainMode(getString(c.GainMode, *defaults.GainMode))
	if err != nil {
		return cci.GainHigh
	}
	return g
}

func (c *Config) GetFramePeriod() time.Duration {
	return getDuration(c.FramePeriod, vospi.FramePeriod)
}

func (c *Config) GetDBPath() string     { return getString(c.DBPath, *defaults.DBPath) }
func (c *Config) GetSerialPort() string { return getString(c.SerialPort, *defaults.SerialPort) }
func (c *Config) GetSerialBaud() int    { return getInt(c.SerialBaud, *defaults.SerialBaud) }

// GetSerialOptions returns the frame output link settings.
func (c *Config) GetSerialOptions() stream.PortOptions {
	return stream.PortOptions{
		BaudRate: c.GetSerialBaud(),
		Parity:   getString(c.SerialParity, *defaults.SerialParity),
	}
}

func (c *Config) GetListenAddr() string { return getString(c.ListenAddr, *defaults.ListenAddr) }
func (c *Config) GetLogFile() string    { return getString(c.LogFile, *defaults.LogFile) }
func (c *Config) GetLogMaxSizeMB() int  { return getInt(c.LogMaxSizeMB, *defaults.LogMaxSizeMB) }
func (c *Config) GetLogMaxBackups() int { return getInt(c.LogMaxBackups, *defaults.LogMaxBackups) }
func (c *Config) GetLogMaxAgeDays() int { return getInt(c.LogMaxAgeDays, *defaults.LogMaxAgeDays) }
func (c *Config) GetStatsInterval() time.Duration {
	return getDuration(c.StatsInterval, 10*time.Second)
}

// SessionConfig builds the controller configuration, starting from the
// controller's own defaults.
func (c *Config) SessionConfig() session.Config {
	sc := session.DefaultConfig()
	sc.AGC = getBool(c.AGC, sc.AGC)
	sc.Gain = c.GetGainMode()
	sc.Emissivity = getInt(c.Emissivity, sc.Emissivity)
	sc.Telemetry = getBool(c.Telemetry, sc.Telemetry)
	sc.MissesPerFrame = getInt(c.MissesPerFrame, sc.MissesPerFrame)
	sc.LostFrameLimit = getInt(c.LostFrameLimit, sc.LostFrameLimit)
	sc.ResyncDelay = getDuration(c.ResyncDelay, sc.ResyncDelay)
	sc.ErrorCooldown = getDuration(c.ErrorCooldown, sc.ErrorCooldown)
	return sc
}
