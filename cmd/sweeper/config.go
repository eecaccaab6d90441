package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/rjboer/GoSweep/internal/acquisition"
	"github.com/rjboer/GoSweep/internal/scpi"
	"github.com/rjboer/GoSweep/internal/transport"
)

const defaultConfigPath = "sweeper.yaml"

// fileConfig is everything sweeper can be told, as stored in the YAML
// config file. Environment variables and flags override it in that order.
type fileConfig struct {
	Transport   string        `yaml:"transport"`
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	USBResource string        `yaml:"usb_resource"`
	USBPrefer   string        `yaml:"usb_prefer"`
	BaudRate    uint          `yaml:"baud_rate"`
	Timeout     time.Duration `yaml:"timeout"`

	SSH transport.SSHConfig `yaml:"ssh"`

	SettleDelay time.Duration `yaml:"settle_delay"`
	Period      time.Duration `yaml:"period"`
	GPS         bool          `yaml:"gps"`

	Spectrum scpi.SpectrumConfig `yaml:"spectrum"`

	WebAddr      string `yaml:"web_addr"`
	HistoryLimit int    `yaml:"history_limit"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		Transport:    string(transport.KindLAN),
		Port:         transport.DefaultLANPort,
		BaudRate:     115200,
		Timeout:      transport.DefaultLANTimeout,
		SettleDelay:  acquisition.DefaultSettleDelay,
		Period:       acquisition.DefaultPeriod,
		GPS:          true,
		WebAddr:      ":8080",
		HistoryLimit: 500,
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

func (c fileConfig) acquisitionConfig() acquisition.Config {
	return acquisition.Config{
		SettleDelay: c.SettleDelay,
		Period:      c.Period,
		DisableGPS:  !c.GPS,
	}
}

func (c fileConfig) hasSpectrum() bool {
	s := c.Spectrum
	return s.StartFreqHz != nil || s.SpanHz != nil || s.RBWHz != nil || s.VBWHz != nil || s.InputAttenDB != nil
}

// loadOrCreateConfig reads path, writing the defaults there first when it
// does not exist.
func loadOrCreateConfig(path string) (fileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := defaultFileConfig()
			if saveErr := saveConfig(path, cfg); saveErr != nil {
				return fileConfig{}, saveErr
			}
			return cfg, nil
		}
		return fileConfig{}, err
	}
	defer f.Close()

	cfg := defaultFileConfig()
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return fileConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func saveConfig(path string, cfg fileConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// applyEnv overrides cfg from SWEEP_* variables. Unparsable values are
// ignored.
func applyEnv(cfg fileConfig, lookup func(string) (string, bool)) fileConfig {
	cfg.Transport = envString(lookup, "SWEEP_TRANSPORT", cfg.Transport)
	cfg.Host = envString(lookup, "SWEEP_HOST", cfg.Host)
	cfg.Port = envInt(lookup, "SWEEP_PORT", cfg.Port)
	cfg.USBResource = envString(lookup, "SWEEP_USB_RESOURCE", cfg.USBResource)
	cfg.USBPrefer = envString(lookup, "SWEEP_USB_PREFER", cfg.USBPrefer)
	cfg.BaudRate = uint(envInt(lookup, "SWEEP_BAUD_RATE", int(cfg.BaudRate)))
	cfg.Timeout = envDuration(lookup, "SWEEP_TIMEOUT", cfg.Timeout)

	cfg.SSH.Host = envString(lookup, "SWEEP_SSH_HOST", cfg.SSH.Host)
	cfg.SSH.User = envString(lookup, "SWEEP_SSH_USER", cfg.SSH.User)
	cfg.SSH.Password = envString(lookup, "SWEEP_SSH_PASSWORD", cfg.SSH.Password)
	cfg.SSH.KeyPath = envString(lookup, "SWEEP_SSH_KEY", cfg.SSH.KeyPath)

	cfg.SettleDelay = envDuration(lookup, "SWEEP_SETTLE_DELAY", cfg.SettleDelay)
	cfg.Period = envDuration(lookup, "SWEEP_PERIOD", cfg.Period)
	cfg.GPS = envBool(lookup, "SWEEP_GPS", cfg.GPS)

	cfg.Spectrum.StartFreqHz = envFloatPtr(lookup, "SWEEP_START_HZ", cfg.Spectrum.StartFreqHz)
	cfg.Spectrum.SpanHz = envFloatPtr(lookup, "SWEEP_SPAN_HZ", cfg.Spectrum.SpanHz)
	cfg.Spectrum.RBWHz = envFloatPtr(lookup, "SWEEP_RBW_HZ", cfg.Spectrum.RBWHz)
	cfg.Spectrum.VBWHz = envFloatPtr(lookup, "SWEEP_VBW_HZ", cfg.Spectrum.VBWHz)
	cfg.Spectrum.InputAttenDB = envFloatPtr(lookup, "SWEEP_ATTEN_DB", cfg.Spectrum.InputAttenDB)
	cfg.Spectrum.Continuous = envBool(lookup, "SWEEP_CONTINUOUS", cfg.Spectrum.Continuous)

	cfg.WebAddr = envString(lookup, "SWEEP_WEB_ADDR", cfg.WebAddr)
	cfg.HistoryLimit = envInt(lookup, "SWEEP_HISTORY_LIMIT", cfg.HistoryLimit)
	cfg.LogLevel = envString(lookup, "SWEEP_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envString(lookup, "SWEEP_LOG_FORMAT", cfg.LogFormat)
	return cfg
}

// registerFlags declares the instrument and acquisition flags shared by all
// commands. Their defaults are informational only: a flag wins over the file
// and environment only when it is set.
func registerFlags(fs *pflag.FlagSet) {
	d := defaultFileConfig()
	fs.String("config", defaultConfigPath, "YAML config file, created with defaults if missing")
	fs.String("transport", d.Transport, "Instrument transport (lan|usb)")
	fs.String("host", "", "Instrument host name or address (lan)")
	fs.Int("port", d.Port, "Instrument SCPI port (lan)")
	fs.String("usb-resource", "", "Serial device to open (usb)")
	fs.String("usb-prefer", "", "Pick the first USB resource containing this text (usb)")
	fs.Duration("timeout", d.Timeout, "I/O timeout per command")
	fs.String("ssh-host", "", "Reach the instrument through this SSH jump host (lan)")
	fs.String("ssh-user", "", "SSH user for the jump host")
	fs.String("ssh-key", "", "SSH private key for the jump host")
	fs.Duration("settle", d.SettleDelay, "Wait between trigger and trace read")
	fs.Duration("period", d.Period, "Pause between repeated acquisitions")
	fs.Bool("no-gps", false, "Skip the GPS query")
	fs.Float64("start", 0, "Start frequency in Hz")
	fs.Float64("span", 0, "Span in Hz")
	fs.Float64("rbw", 0, "Resolution bandwidth in Hz")
	fs.Float64("vbw", 0, "Video bandwidth in Hz")
	fs.Float64("atten", 0, "Input attenuation in dB")
	fs.Bool("continuous", false, "Put the instrument in continuous sweep mode")
	fs.String("log-level", d.LogLevel, "Log level (debug|info|warn|error)")
	fs.String("log-format", d.LogFormat, "Log format (text|json)")
}

// applyFlags overrides cfg with the flags the user set explicitly.
func applyFlags(cfg fileConfig, fs *pflag.FlagSet) (fileConfig, error) {
	var errs []error
	str := func(name string, dst *string) {
		if fs.Changed(name) {
			v, err := fs.GetString(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if fs.Changed(name) {
			v, err := fs.GetDuration(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	num := func(name string, dst **float64) {
		if fs.Changed(name) {
			v, err := fs.GetFloat64(name)
			errs = append(errs, err)
			*dst = scpi.Float(v)
		}
	}

	str("transport", &cfg.Transport)
	str("host", &cfg.Host)
	str("usb-resource", &cfg.USBResource)
	str("usb-prefer", &cfg.USBPrefer)
	str("ssh-host", &cfg.SSH.Host)
	str("ssh-user", &cfg.SSH.User)
	str("ssh-key", &cfg.SSH.KeyPath)
	str("log-level", &cfg.LogLevel)
	str("log-format", &cfg.LogFormat)
	dur("timeout", &cfg.Timeout)
	dur("settle", &cfg.SettleDelay)
	dur("period", &cfg.Period)
	num("start", &cfg.Spectrum.StartFreqHz)
	num("span", &cfg.Spectrum.SpanHz)
	num("rbw", &cfg.Spectrum.RBWHz)
	num("vbw", &cfg.Spectrum.VBWHz)
	num("atten", &cfg.Spectrum.InputAttenDB)

	if fs.Changed("port") {
		v, err := fs.GetInt("port")
		errs = append(errs, err)
		cfg.Port = v
	}
	if fs.Changed("no-gps") {
		v, err := fs.GetBool("no-gps")
		errs = append(errs, err)
		cfg.GPS = !v
	}
	if fs.Changed("continuous") {
		v, err := fs.GetBool("continuous")
		errs = append(errs, err)
		cfg.Spectrum.Continuous = v
	}
	if fs.Lookup("web-addr") != nil && fs.Changed("web-addr") {
		v, err := fs.GetString("web-addr")
		errs = append(errs, err)
		cfg.WebAddr = v
	}
	if fs.Lookup("history-limit") != nil && fs.Changed("history-limit") {
		v, err := fs.GetInt("history-limit")
		errs = append(errs, err)
		cfg.HistoryLimit = v
	}
	if err := errors.Join(errs...); err != nil {
		return fileConfig{}, err
	}
	return cfg, nil
}

// resolveConfig merges file, environment and flags.
func resolveConfig(fs *pflag.FlagSet, lookup func(string) (string, bool)) (fileConfig, error) {
	path, err := fs.GetString("config")
	if err != nil {
		return fileConfig{}, err
	}
	cfg, err := loadOrCreateConfig(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("load config: %w", err)
	}
	cfg = applyEnv(cfg, lookup)
	return applyFlags(cfg, fs)
}

func envFloatPtr(lookup func(string) (string, bool), key string, def *float64) *float64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return &parsed
		}
	}
	return def
}

func envInt(lookup func(string) (string, bool), key string, def int) int {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(lookup func(string) (string, bool), key string, def bool) bool {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return def
}

func envDuration(lookup func(string) (string, bool), key string, def time.Duration) time.Duration {
	if val, ok := lookup(key); ok {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return def
}

func envString(lookup func(string) (string, bool), key, def string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return def
}
