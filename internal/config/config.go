package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "POLARBRIDGE_"

type Config struct {
	Cloud   CloudConfig   `yaml:"cloud"`
	Printer PrinterConfig `yaml:"printer"`
	Webcam  WebcamConfig  `yaml:"webcam"`
	Slicing SlicingConfig `yaml:"slicing"`
	Storage StorageConfig `yaml:"storage"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
}

type CloudConfig struct {
	Service          string        `yaml:"service"`
	ServiceUI        string        `yaml:"service_ui"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	BackoffMin       time.Duration `yaml:"backoff_min"`
	BackoffMax       time.Duration `yaml:"backoff_max"`
	FastInterval     time.Duration `yaml:"fast_interval"`
	SlowInterval     time.Duration `yaml:"slow_interval"`
	SetTempThreshold float64       `yaml:"set_temp_threshold"`
	NextPrint        bool          `yaml:"next_print"`
	Verbose          bool          `yaml:"verbose"`
}

type PrinterConfig struct {
	BaseURL              string        `yaml:"base_url"`
	APIKey               string        `yaml:"api_key"`
	MachineType          string        `yaml:"machine_type"`
	PrinterType          string        `yaml:"printer_type"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`
	EnableSystemCommands bool          `yaml:"enable_system_commands"`
}

type WebcamConfig struct {
	Stream          string        `yaml:"stream"`
	Snapshot        string        `yaml:"snapshot"`
	FlipH           bool          `yaml:"flip_h"`
	FlipV           bool          `yaml:"flip_v"`
	Rotate90        bool          `yaml:"rotate90"`
	MaxImageSize    int           `yaml:"max_image_size"`
	SnapshotTimeout time.Duration `yaml:"snapshot_timeout"`
}

type SlicingConfig struct {
	Command string `yaml:"command"`
	// PrintrbeltCommand is used instead of Command for Printrbelt printers when set.
	PrintrbeltCommand string        `yaml:"printrbelt_command"`
	Timeout           time.Duration `yaml:"timeout"`
	TimelapseCommand  string        `yaml:"timelapse_command"`
	UploadTimelapse   bool          `yaml:"upload_timelapse"`
}

type StorageConfig struct {
	DataDir      string `yaml:"data_dir"`
	DatabasePath string `yaml:"database_path"`
	FilesDir     string `yaml:"files_dir"`
	KeyPath      string `yaml:"key_path"`
	// HistoryDays is how long cloud job history is kept. Zero keeps it forever.
	HistoryDays int `yaml:"history_days"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() *Config {
	return &Config{
		Cloud: CloudConfig{
			Service:          "https://printer4.polar3d.com",
			ServiceUI:        "https://polar3d.com",
			ConnectTimeout:   10 * time.Second,
			BackoffMin:       1500 * time.Millisecond,
			BackoffMax:       3 * time.Second,
			FastInterval:     10 * time.Second,
			SlowInterval:     60 * time.Second,
			SetTempThreshold: 50,
		},
		Printer: PrinterConfig{
			BaseURL:              "http://127.0.0.1:5000",
			MachineType:          "Cartesian",
			PrinterType:          "Cartesian",
			PollInterval:         2 * time.Second,
			RequestTimeout:       10 * time.Second,
			EnableSystemCommands: true,
		},
		Webcam: WebcamConfig{
			Stream:          "/webcam/?action=stream",
			Snapshot:        "http://127.0.0.1:8080/?action=snapshot",
			MaxImageSize:    150000,
			SnapshotTimeout: 5 * time.Second,
		},
		Slicing: SlicingConfig{
			Command:          "prusa-slicer --export-gcode --load {profile} --output {output} {input}",
			Timeout:          30 * time.Minute,
			TimelapseCommand: `gst-launch-1.0 -e filesrc location="{input}" ! decodebin name=decode ! x264enc ! queue ! qtmux name=mux ! filesink location={output} decode. ! mux.`,
			UploadTimelapse:  true,
		},
		Storage: StorageConfig{
			DataDir:     "./data",
			HistoryDays: 90,
		},
		Server: ServerConfig{
			Port:         8090,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			cfg.fillStoragePaths()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()
	cfg.fillStoragePaths()
	return cfg, nil
}

func LoadFromEnv() *Config {
	cfg := defaults()
	cfg.applyEnv()
	cfg.fillStoragePaths()
	return cfg
}

func (c *Config) applyEnv() {
	if v := os.Getenv(envPrefix + "SERVICE"); v != "" {
		c.Cloud.Service = v
	}

	if v := os.Getenv(envPrefix + "PRINTER_URL"); v != "" {
		c.Printer.BaseURL = v
	}

	if v := os.Getenv(envPrefix + "PRINTER_API_KEY"); v != "" {
		c.Printer.APIKey = v
	}

	if v := os.Getenv(envPrefix + "DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}

	if v := os.Getenv(envPrefix + "PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}

	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// fillStoragePaths derives unset storage paths from the data directory.
func (c *Config) fillStoragePaths() {
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = filepath.Join(c.Storage.DataDir, "polarbridge.db")
	}
	if c.Storage.FilesDir == "" {
		c.Storage.FilesDir = filepath.Join(c.Storage.DataDir, "files")
	}
	if c.Storage.KeyPath == "" {
		c.Storage.KeyPath = filepath.Join(c.Storage.DataDir, "p3d_key")
	}
}

// TransformMask returns the hello transformImg bitmask: 1 flipH, 2 flipV, 4 rotate90.
func (w WebcamConfig) TransformMask() int {
	mask := 0
	if w.FlipH {
		mask |= 1
	}
	if w.FlipV {
		mask |= 2
	}
	if w.Rotate90 {
		mask |= 4
	}
	return mask
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.Cloud.Service)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("cloud service must be an absolute url, got %q", c.Cloud.Service)
	}

	if c.Cloud.ConnectTimeout <= 0 {
		return fmt.Errorf("cloud connect timeout must be positive")
	}

	if c.Cloud.BackoffMin < 0 || c.Cloud.BackoffMax < c.Cloud.BackoffMin {
		return fmt.Errorf("cloud backoff range is invalid: %v..%v", c.Cloud.BackoffMin, c.Cloud.BackoffMax)
	}

	if c.Cloud.FastInterval < time.Second || c.Cloud.SlowInterval < c.Cloud.FastInterval {
		return fmt.Errorf("status intervals must satisfy 1s <= fast <= slow, got %v and %v",
			c.Cloud.FastInterval, c.Cloud.SlowInterval)
	}

	if c.Printer.BaseURL == "" {
		return fmt.Errorf("printer base url is required")
	}

	if c.Printer.PollInterval <= 0 {
		return fmt.Errorf("printer poll interval must be positive")
	}

	if c.Printer.RequestTimeout <= 0 {
		return fmt.Errorf("printer request timeout must be positive")
	}

	if c.Webcam.MaxImageSize < 0 {
		return fmt.Errorf("webcam max image size must be non-negative")
	}

	if c.Webcam.SnapshotTimeout <= 0 {
		return fmt.Errorf("webcam snapshot timeout must be positive")
	}

	if c.Slicing.Command == "" {
		return fmt.Errorf("slicing command is required")
	}

	if c.Slicing.Timeout <= 0 {
		return fmt.Errorf("slicing timeout must be positive")
	}

	if c.Storage.HistoryDays < 0 {
		return fmt.Errorf("storage history days must be non-negative")
	}

	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage data dir is required")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be non-negative")
	}

	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server write timeout must be non-negative")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text)", c.Logging.Format)
	}

	return nil
}
