// Package config loads the monitor configuration from defaults, an optional
// YAML file, environment variables and command-line flags, in that order.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/epiguard/epi-monitor/internal/logger"
)

// DefaultPath is read when no config path is given and the file exists.
const DefaultPath = "epi-monitor.yaml"

// CameraConfig selects the capture source.
type CameraConfig struct {
	// Kind is one of none, http, snapshot, mjpeg or file.
	Kind      string        `yaml:"kind"`
	URL       string        `yaml:"url"`
	Path      string        `yaml:"path"`
	Timeout   time.Duration `yaml:"timeout"`
	Autostart bool          `yaml:"autostart"`
}

// CaptureConfig controls frame compression before relay.
type CaptureConfig struct {
	MaxWidth    int `yaml:"max_width"`
	JPEGQuality int `yaml:"jpeg_quality"`
}

// Config is the runtime configuration of the monitor.
type Config struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	DBPath      string `yaml:"db_path"`

	// RelayURL is the detection relay endpoint. Empty means the relay
	// mounted on this server.
	RelayURL     string        `yaml:"relay_url"`
	RelayTimeout time.Duration `yaml:"relay_timeout"`

	Camera  CameraConfig  `yaml:"camera"`
	Capture CaptureConfig `yaml:"capture"`

	HistoryCap         int           `yaml:"history_cap"`
	AutoDetectInterval time.Duration `yaml:"auto_detect_interval"`

	ArchiveDir              string `yaml:"archive_dir"`
	ArchiveNonCompliantOnly bool   `yaml:"archive_noncompliant_only"`

	SlackWebhookURL  string `yaml:"slack_webhook_url"`
	SlackChangesOnly bool   `yaml:"slack_changes_only"`

	MJPEGInterval time.Duration `yaml:"mjpeg_interval"`

	LogLevel string `yaml:"log_level"`
	LogColor bool   `yaml:"log_color"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:         ":8080",
		MetricsAddr:  ":9090",
		DBPath:       "./data/epi-monitor.db",
		RelayTimeout: 30 * time.Second,
		Camera: CameraConfig{
			Kind:    "none",
			Timeout: 5 * time.Second,
		},
		Capture: CaptureConfig{
			MaxWidth:    1280,
			JPEGQuality: 80,
		},
		HistoryCap:         50,
		AutoDetectInterval: 3 * time.Second,
		SlackChangesOnly:   true,
		MJPEGInterval:      100 * time.Millisecond,
		LogLevel:           "info",
		LogColor:           true,
	}
}

// Load returns Default overlaid with the YAML file at path and the
// environment. An empty path falls back to EPI_CONFIG, CONFIG_PATH and then
// DefaultPath; only an explicitly named file must exist.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := true
	if path == "" {
		path = firstNonEmpty(os.Getenv("EPI_CONFIG"), os.Getenv("CONFIG_PATH"))
	}
	if path == "" {
		path = DefaultPath
		explicit = false
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("error parsing %s: %w", path, err)
		}
		logger.Info("Config", "Loaded config from %s", path)
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv lets environment variables override file values.
func applyEnv(cfg *Config) error {
	envOverride(&cfg.Addr, "EPI_ADDR")
	envOverride(&cfg.MetricsAddr, "EPI_METRICS_ADDR")
	envOverride(&cfg.DBPath, "EPI_DB_PATH")
	envOverride(&cfg.RelayURL, "EPI_RELAY_URL")
	envOverride(&cfg.Camera.Kind, "EPI_CAMERA_KIND")
	envOverride(&cfg.Camera.URL, "EPI_CAMERA_URL")
	envOverride(&cfg.Camera.Path, "EPI_CAMERA_PATH")
	envOverride(&cfg.ArchiveDir, "EPI_ARCHIVE_DIR")
	envOverride(&cfg.SlackWebhookURL, "SLACK_WEBHOOK_URL")
	envOverride(&cfg.LogLevel, "EPI_LOG_LEVEL")

	return errors.Join(
		envOverrideDuration(&cfg.RelayTimeout, "EPI_RELAY_TIMEOUT"),
		envOverrideBool(&cfg.Camera.Autostart, "EPI_CAMERA_AUTOSTART"),
		envOverrideInt(&cfg.Capture.MaxWidth, "EPI_CAPTURE_MAX_WIDTH"),
		envOverrideInt(&cfg.Capture.JPEGQuality, "EPI_CAPTURE_JPEG_QUALITY"),
		envOverrideInt(&cfg.HistoryCap, "EPI_HISTORY_CAP"),
		envOverrideDuration(&cfg.AutoDetectInterval, "EPI_AUTO_DETECT_INTERVAL"),
		envOverrideBool(&cfg.ArchiveNonCompliantOnly, "EPI_ARCHIVE_NONCOMPLIANT_ONLY"),
		envOverrideBool(&cfg.SlackChangesOnly, "EPI_SLACK_CHANGES_ONLY"),
		envOverrideDuration(&cfg.MJPEGInterval, "EPI_MJPEG_INTERVAL"),
		envOverrideBool(&cfg.LogColor, "EPI_LOG_COLOR"),
	)
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", envKey, val, err)
		}
		*field = parsed
	}
	return nil
}

func envOverrideBool(field *bool, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", envKey, val, err)
		}
		*field = parsed
	}
	return nil
}

func envOverrideDuration(field *time.Duration, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", envKey, val, err)
		}
		*field = parsed
	}
	return nil
}

// RegisterFlags binds command-line flags to cfg. The current values of cfg
// become the flag defaults.
func RegisterFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.Addr, "http", cfg.Addr, "HTTP server address")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics address (empty to disable)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.RelayURL, "relay-url", cfg.RelayURL, "Detection relay URL (empty for the built-in relay)")
	fs.DurationVar(&cfg.RelayTimeout, "relay-timeout", cfg.RelayTimeout, "Detection relay timeout")
	fs.StringVar(&cfg.Camera.Kind, "camera", cfg.Camera.Kind, "Camera source (none, http, mjpeg, file)")
	fs.StringVar(&cfg.Camera.URL, "camera-url", cfg.Camera.URL, "Camera snapshot or MJPEG URL")
	fs.StringVar(&cfg.Camera.Path, "camera-path", cfg.Camera.Path, "Camera image file")
	fs.BoolVar(&cfg.Camera.Autostart, "camera-autostart", cfg.Camera.Autostart, "Start the camera at launch")
	fs.IntVar(&cfg.Capture.MaxWidth, "max-width", cfg.Capture.MaxWidth, "Maximum width of frames sent for detection")
	fs.IntVar(&cfg.Capture.JPEGQuality, "jpeg-quality", cfg.Capture.JPEGQuality, "JPEG quality of frames sent for detection")
	fs.IntVar(&cfg.HistoryCap, "history-cap", cfg.HistoryCap, "Number of evaluations kept in history")
	fs.DurationVar(&cfg.AutoDetectInterval, "auto-interval", cfg.AutoDetectInterval, "Periodic capture interval")
	fs.StringVar(&cfg.ArchiveDir, "archive-dir", cfg.ArchiveDir, "Evidence archive directory (empty to disable)")
	fs.BoolVar(&cfg.ArchiveNonCompliantOnly, "archive-noncompliant-only", cfg.ArchiveNonCompliantOnly, "Archive only non-compliant frames")
	fs.StringVar(&cfg.SlackWebhookURL, "slack-webhook", cfg.SlackWebhookURL, "Slack incoming webhook URL")
	fs.BoolVar(&cfg.SlackChangesOnly, "slack-changes-only", cfg.SlackChangesOnly, "Notify Slack only when the outcome changes")
	fs.DurationVar(&cfg.MJPEGInterval, "mjpeg-interval", cfg.MJPEGInterval, "MJPEG frame interval")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error, silent)")
	fs.BoolVar(&cfg.LogColor, "log-color", cfg.LogColor, "Enable colored log output")
}

// Parse loads the configuration named by -config (or the environment) and
// applies the remaining flags on top.
func Parse(name string, args []string) (Config, error) {
	cfg, err := Load(configPathFromArgs(args))
	if err != nil {
		return cfg, err
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.String("config", "", "YAML config file (also EPI_CONFIG)")
	RegisterFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func configPathFromArgs(args []string) string {
	for i, arg := range args {
		if arg == "--" {
			break
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if c.RelayTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid relay_timeout '%v': must be > 0", c.RelayTimeout))
	}

	switch strings.ToLower(c.Camera.Kind) {
	case "", "none":
	case "http", "snapshot", "mjpeg":
		if c.Camera.URL == "" {
			errs = append(errs, fmt.Errorf("camera.url is required when camera.kind=%s", c.Camera.Kind))
		}
	case "file":
		if c.Camera.Path == "" {
			errs = append(errs, errors.New("camera.path is required when camera.kind=file"))
		}
	default:
		errs = append(errs, fmt.Errorf("camera.kind must be none, http, snapshot, mjpeg or file, got '%s'", c.Camera.Kind))
	}

	if c.Capture.MaxWidth < 64 {
		errs = append(errs, fmt.Errorf("invalid capture.max_width '%d': must be >= 64", c.Capture.MaxWidth))
	}
	if c.Capture.JPEGQuality < 1 || c.Capture.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("invalid capture.jpeg_quality '%d': must be between 1 and 100", c.Capture.JPEGQuality))
	}
	if c.HistoryCap < 1 {
		errs = append(errs, fmt.Errorf("invalid history_cap '%d': must be >= 1", c.HistoryCap))
	}
	if c.AutoDetectInterval < time.Second {
		errs = append(errs, fmt.Errorf("invalid auto_detect_interval '%v': must be >= 1s", c.AutoDetectInterval))
	}
	if c.MJPEGInterval <= 0 {
		errs = append(errs, fmt.Errorf("invalid mjpeg_interval '%v': must be > 0", c.MJPEGInterval))
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CameraEnabled reports whether a capture source is configured.
func (c Config) CameraEnabled() bool {
	k := strings.ToLower(c.Camera.Kind)
	return k != "" && k != "none"
}

// RelayEndpoint returns RelayURL, or the loopback URL of the relay mounted
// on Addr.
func (c Config) RelayEndpoint() string {
	if c.RelayURL != "" {
		return c.RelayURL
	}
	host, port, err := net.SplitHostPort(c.Addr)
	if err != nil {
		return "http://127.0.0.1:8080/api/detect"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/api/detect"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
