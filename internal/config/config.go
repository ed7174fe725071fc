package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server struct {
		Port int    `yaml:"port"`
		Host string `yaml:"host"`
	} `yaml:"server"`

	Transcription struct {
		Engine                  string   `yaml:"engine"`
		DefaultModel            string   `yaml:"default_model"`
		ScanModel               string   `yaml:"scan_model"`
		DefaultLanguage         string   `yaml:"default_language"`
		BeamSize                int      `yaml:"beam_size"`
		Temperature             *float64 `yaml:"temperature"`
		Device                  string   `yaml:"device"`
		ModelDir                string   `yaml:"model_dir"`
		Python                  string   `yaml:"python"`
		Threads                 int      `yaml:"threads"`
		ProgressIntervalSeconds int      `yaml:"progress_interval_seconds"`
	} `yaml:"transcription"`

	Models struct {
		IdleTimeoutMinutes   int `yaml:"idle_timeout_minutes"`
		EvictIntervalMinutes int `yaml:"evict_interval_minutes"`
	} `yaml:"models"`

	Queue struct {
		MaxPending int `yaml:"max_pending"`
		History    int `yaml:"history"`
	} `yaml:"queue"`

	Scanner struct {
		WatchDir        string   `yaml:"watch_dir"`
		IntervalMinutes int      `yaml:"interval_minutes"`
		Extensions      []string `yaml:"extensions"`
	} `yaml:"scanner"`

	Storage struct {
		TempDir   string `yaml:"temp_dir"`
		OutputDir string `yaml:"output_dir"`
		Database  string `yaml:"database"`
	} `yaml:"storage"`

	Cleanup struct {
		IntervalMinutes int `yaml:"interval_minutes"`
		MaxAgeHours     int `yaml:"max_age_hours"`
	} `yaml:"cleanup"`

	GoogleDrive struct {
		CredentialsFile string `yaml:"credentials_file"`
		TokenFile       string `yaml:"token_file"`
		FolderName      string `yaml:"folder_name"`
	} `yaml:"google_drive"`

	Limits struct {
		MaxFileSizeMB int `yaml:"max_file_size_mb"`
	} `yaml:"limits"`

	Logging struct {
		Verbose bool `yaml:"verbose"`
		JSON    bool `yaml:"json"`
	} `yaml:"logging"`
}

// Load reads the YAML file at path, applies a .env file if present, then
// environment overrides and defaults. A missing config file is not an error;
// the defaults describe a runnable local setup.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if path != "" {
		file, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(file, &cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills every unset option.
func (c *Config) ApplyDefaults() {
	setDefault(&c.Server.Host, "0.0.0.0")
	if c.Server.Port == 0 {
		c.Server.Port = 10000
	}

	t := &c.Transcription
	setDefault(&t.Engine, "whisper")
	setDefault(&t.DefaultModel, "large-v2")
	setDefault(&t.ScanModel, "medium")
	setDefault(&t.DefaultLanguage, "he")
	setDefault(&t.Device, "auto")
	setDefault(&t.Python, "python")
	if t.BeamSize == 0 {
		t.BeamSize = 3
	}
	if t.Temperature == nil {
		temperature := 0.3
		t.Temperature = &temperature
	}
	if t.Threads == 0 {
		t.Threads = 4
	}
	if t.ProgressIntervalSeconds == 0 {
		t.ProgressIntervalSeconds = 1
	}

	if c.Models.IdleTimeoutMinutes == 0 {
		c.Models.IdleTimeoutMinutes = 30
	}
	if c.Models.EvictIntervalMinutes == 0 {
		c.Models.EvictIntervalMinutes = 1
	}
	if c.Queue.MaxPending == 0 {
		c.Queue.MaxPending = 100
	}
	if c.Queue.History == 0 {
		c.Queue.History = 500
	}

	setDefault(&c.Scanner.WatchDir, "data/uploads")
	if c.Scanner.IntervalMinutes == 0 {
		c.Scanner.IntervalMinutes = 5
	}
	if len(c.Scanner.Extensions) == 0 {
		c.Scanner.Extensions = []string{".wav"}
	}

	setDefault(&c.Storage.TempDir, "temp")
	setDefault(&c.Storage.OutputDir, "data/transcripts")
	setDefault(&c.Storage.Database, "data/transcripts.db")

	if c.Cleanup.IntervalMinutes == 0 {
		c.Cleanup.IntervalMinutes = 60
	}
	if c.Cleanup.MaxAgeHours == 0 {
		c.Cleanup.MaxAgeHours = 24
	}

	setDefault(&c.GoogleDrive.FolderName, "Transcripts")
	if c.Limits.MaxFileSizeMB == 0 {
		c.Limits.MaxFileSizeMB = 200
	}
}

// Validate rejects option values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Transcription.Engine {
	case "whisper", "sherpa":
	default:
		errs = append(errs, fmt.Errorf("transcription.engine %q must be whisper or sherpa", c.Transcription.Engine))
	}
	switch c.Transcription.Device {
	case "auto", "cpu", "cuda":
	default:
		errs = append(errs, fmt.Errorf("transcription.device %q must be auto, cpu or cuda", c.Transcription.Device))
	}
	if c.Transcription.BeamSize < 1 {
		errs = append(errs, fmt.Errorf("transcription.beam_size must be positive"))
	}
	if temp := c.Temperature(); temp < 0 || temp > 1 {
		errs = append(errs, fmt.Errorf("transcription.temperature %.2f must be within [0, 1]", temp))
	}
	for _, ext := range c.Scanner.Extensions {
		if !strings.HasPrefix(ext, ".") {
			errs = append(errs, fmt.Errorf("scanner.extensions entry %q must start with a dot", ext))
		}
	}
	if c.Scanner.IntervalMinutes < 0 || c.Cleanup.IntervalMinutes < 0 {
		errs = append(errs, fmt.Errorf("intervals must not be negative"))
	}
	return errors.Join(errs...)
}

// Temperature is the decoding temperature; zero is a valid, greedy setting.
func (c *Config) Temperature() float64 {
	if c.Transcription.Temperature == nil {
		return 0
	}
	return *c.Transcription.Temperature
}

// ScanInterval is the period between watched-directory scans.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Scanner.IntervalMinutes) * time.Minute
}

// IdleTimeout is how long an unused model stays loaded.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Models.IdleTimeoutMinutes) * time.Minute
}

// EvictInterval is the period of the idle-model sweep.
func (c *Config) EvictInterval() time.Duration {
	return time.Duration(c.Models.EvictIntervalMinutes) * time.Minute
}

// ProgressInterval is the spacing of synthetic progress events.
func (c *Config) ProgressInterval() time.Duration {
	return time.Duration(c.Transcription.ProgressIntervalSeconds) * time.Second
}

// CleanupInterval is the period of the temp directory sweep.
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.Cleanup.IntervalMinutes) * time.Minute
}

// CleanupMaxAge is how old an unclaimed temp file must be to be removed.
func (c *Config) CleanupMaxAge() time.Duration {
	return time.Duration(c.Cleanup.MaxAgeHours) * time.Hour
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) applyEnv() error {
	for _, key := range []string{"HW_PORT", "PORT"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			port, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s=%q is not a port number", key, v)
			}
			c.Server.Port = port
			break
		}
	}
	overrides := map[string]*string{
		"HW_WATCH_DIR":  &c.Scanner.WatchDir,
		"HW_OUTPUT_DIR": &c.Storage.OutputDir,
		"HW_MODEL":      &c.Transcription.DefaultModel,
		"HW_LANGUAGE":   &c.Transcription.DefaultLanguage,
		"HW_DEVICE":     &c.Transcription.Device,
		"HW_ENGINE":     &c.Transcription.Engine,
		"HW_MODEL_DIR":  &c.Transcription.ModelDir,
	}
	for key, dst := range overrides {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	return nil
}

func setDefault(dst *string, value string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = value
	}
}
