package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"camstream/pkg/models"
)

// ConfigFileEnv names the optional YAML config file
const ConfigFileEnv = "CAMSTREAM_CONFIG"

// Config holds all application configuration
type Config struct {
	// HTTP status API
	HTTPAddr string `yaml:"http_addr"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // console or json

	// Periodic stats report (cron spec)
	ReportSchedule string `yaml:"report_schedule"`

	Camera    CameraConfig    `yaml:"camera"`
	Encoder   EncoderConfig   `yaml:"encoder"`
	Transport TransportConfig `yaml:"transport"`
	Link      LinkConfig      `yaml:"link"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
}

// CameraConfig configures the sensor and frame pool
type CameraConfig struct {
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	Buffers     int    `yaml:"buffers"`
	FPS         int    `yaml:"fps"`
	Pattern     string `yaml:"pattern"`      // Synthetic sensor test pattern
	MemoryLimit int64  `yaml:"memory_limit"` // DMA region size in bytes, 0 = unlimited
}

// EncoderConfig configures the H.264 encoder
type EncoderConfig struct {
	FPS     int  `yaml:"fps"`
	Bitrate int  `yaml:"bitrate"`
	GOP     int  `yaml:"gop"`
	PSRAM   bool `yaml:"psram"` // Bitstream buffer may live in external RAM
}

// TransportConfig configures the network stage
type TransportConfig struct {
	Type            models.LinkType `yaml:"type"`
	Port            int             `yaml:"port"`
	Path            string          `yaml:"path"`
	Hostname        string          `yaml:"hostname"`
	WiFiSSID        string          `yaml:"wifi_ssid"`
	WiFiPassword    string          `yaml:"wifi_password"`
	IPv6            bool            `yaml:"ipv6"`
	QueueCapacity   int             `yaml:"queue_capacity"`
	EnqueueTimeout  time.Duration   `yaml:"enqueue_timeout"`
	WaitForKeyframe bool            `yaml:"wait_for_keyframe"`
}

// LinkConfig configures the connection supervisor
type LinkConfig struct {
	Interface        string        `yaml:"interface"`
	BackoffInitial   time.Duration `yaml:"backoff_initial"`
	BackoffMax       time.Duration `yaml:"backoff_max"`
	BackoffFactor    float64       `yaml:"backoff_multiplier"`
	BackoffJitter    float64       `yaml:"backoff_jitter"`
	MinRetryInterval time.Duration `yaml:"min_retry_interval"`
}

// PipelineConfig configures the driver loop
type PipelineConfig struct {
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		HTTPAddr:       ":8080",
		LogLevel:       "info",
		LogFormat:      "console",
		ReportSchedule: "@every 30s",
		Camera: CameraConfig{
			Width:   1920,
			Height:  1080,
			Buffers: 3,
			FPS:     30,
			Pattern: "colorbars",
		},
		Encoder: EncoderConfig{
			FPS:     30,
			Bitrate: 8_000_000,
			GOP:     30,
			PSRAM:   true,
		},
		Transport: TransportConfig{
			Type:           models.LinkTypeEthernet,
			Port:           8554,
			Path:           "/stream",
			Hostname:       "esp32-p4",
			IPv6:           true,
			QueueCapacity:  4,
			EnqueueTimeout: 10 * time.Millisecond,
		},
		Link: LinkConfig{
			BackoffInitial:   500 * time.Millisecond,
			BackoffMax:       30 * time.Second,
			BackoffFactor:    2,
			BackoffJitter:    0.5,
			MinRetryInterval: time.Second,
		},
		Pipeline: PipelineConfig{
			AcquireTimeout: time.Second,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file named by
// CAMSTREAM_CONFIG and environment variables, in that order.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(ConfigFileEnv); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.ReportSchedule = getEnv("REPORT_SCHEDULE", c.ReportSchedule)

	c.Camera.Width = getIntEnv("CAMERA_WIDTH", c.Camera.Width)
	c.Camera.Height = getIntEnv("CAMERA_HEIGHT", c.Camera.Height)
	c.Camera.Buffers = getIntEnv("CAMERA_BUFFERS", c.Camera.Buffers)
	c.Camera.FPS = getIntEnv("CAMERA_FPS", c.Camera.FPS)
	c.Camera.Pattern = getEnv("CAMERA_PATTERN", c.Camera.Pattern)
	c.Camera.MemoryLimit = int64(getIntEnv("CAMERA_MEMORY_LIMIT", int(c.Camera.MemoryLimit)))

	c.Encoder.FPS = getIntEnv("ENCODER_FPS", c.Encoder.FPS)
	c.Encoder.Bitrate = getIntEnv("ENCODER_BITRATE", c.Encoder.Bitrate)
	c.Encoder.GOP = getIntEnv("ENCODER_GOP", c.Encoder.GOP)
	c.Encoder.PSRAM = getBoolEnv("ENCODER_PSRAM", c.Encoder.PSRAM)

	c.Transport.Type = models.LinkType(getEnv("TRANSPORT_TYPE", string(c.Transport.Type)))
	c.Transport.Port = getIntEnv("STREAM_PORT", c.Transport.Port)
	c.Transport.Path = getEnv("STREAM_PATH", c.Transport.Path)
	c.Transport.Hostname = getEnv("STREAM_HOSTNAME", c.Transport.Hostname)
	c.Transport.WiFiSSID = getEnv("WIFI_SSID", c.Transport.WiFiSSID)
	c.Transport.WiFiPassword = getEnv("WIFI_PASSWORD", c.Transport.WiFiPassword)
	c.Transport.IPv6 = getBoolEnv("ENABLE_IPV6", c.Transport.IPv6)
	c.Transport.QueueCapacity = getIntEnv("QUEUE_CAPACITY", c.Transport.QueueCapacity)
	c.Transport.EnqueueTimeout = getDurationEnv("ENQUEUE_TIMEOUT", c.Transport.EnqueueTimeout)
	c.Transport.WaitForKeyframe = getBoolEnv("WAIT_FOR_KEYFRAME", c.Transport.WaitForKeyframe)

	c.Link.Interface = getEnv("LINK_INTERFACE", c.Link.Interface)
	c.Link.BackoffInitial = getDurationEnv("LINK_BACKOFF_INITIAL", c.Link.BackoffInitial)
	c.Link.BackoffMax = getDurationEnv("LINK_BACKOFF_MAX", c.Link.BackoffMax)
	c.Link.BackoffFactor = getFloatEnv("LINK_BACKOFF_MULTIPLIER", c.Link.BackoffFactor)
	c.Link.BackoffJitter = getFloatEnv("LINK_BACKOFF_JITTER", c.Link.BackoffJitter)
	c.Link.MinRetryInterval = getDurationEnv("LINK_MIN_RETRY_INTERVAL", c.Link.MinRetryInterval)

	c.Pipeline.AcquireTimeout = getDurationEnv("ACQUIRE_TIMEOUT", c.Pipeline.AcquireTimeout)
}

// Validate checks the configuration for values the pipeline cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.Camera.Width <= 0 || c.Camera.Height <= 0 || c.Camera.Width%2 != 0 || c.Camera.Height%2 != 0 {
		errs = append(errs, fmt.Errorf("camera resolution %dx%d must be positive and even", c.Camera.Width, c.Camera.Height))
	}
	if c.Camera.Buffers < 1 {
		errs = append(errs, fmt.Errorf("camera buffers must be at least 1, got %d", c.Camera.Buffers))
	}
	if c.Camera.FPS <= 0 {
		errs = append(errs, fmt.Errorf("camera fps must be positive, got %d", c.Camera.FPS))
	}
	switch c.Camera.Pattern {
	case "", "colorbars", "gradient", "grid":
	default:
		errs = append(errs, fmt.Errorf("unknown camera pattern %q", c.Camera.Pattern))
	}

	if c.Encoder.FPS <= 0 || c.Encoder.Bitrate <= 0 || c.Encoder.GOP < 1 {
		errs = append(errs, fmt.Errorf("encoder fps, bitrate and gop must be positive"))
	}

	switch c.Transport.Type {
	case models.LinkTypeEthernet:
	case models.LinkTypeWiFi:
		if c.Transport.WiFiSSID == "" {
			errs = append(errs, errors.New("wifi transport requires WIFI_SSID"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport type %q", c.Transport.Type))
	}
	if c.Transport.Port < 1 || c.Transport.Port > 65535 {
		errs = append(errs, fmt.Errorf("stream port %d out of range", c.Transport.Port))
	}
	if c.Transport.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("queue capacity must be at least 1, got %d", c.Transport.QueueCapacity))
	}
	if c.Transport.EnqueueTimeout < 0 {
		errs = append(errs, errors.New("enqueue timeout must not be negative"))
	}

	if c.Link.BackoffInitial <= 0 || c.Link.BackoffMax < c.Link.BackoffInitial {
		errs = append(errs, fmt.Errorf("link backoff %s..%s is invalid", c.Link.BackoffInitial, c.Link.BackoffMax))
	}
	if c.Link.BackoffFactor < 1 {
		errs = append(errs, fmt.Errorf("link backoff multiplier must be >= 1, got %g", c.Link.BackoffFactor))
	}
	if c.Link.BackoffJitter < 0 || c.Link.BackoffJitter > 1 {
		errs = append(errs, fmt.Errorf("link backoff jitter must be within [0,1], got %g", c.Link.BackoffJitter))
	}

	if c.Pipeline.AcquireTimeout <= 0 {
		errs = append(errs, errors.New("acquire timeout must be positive"))
	}

	switch c.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Helper functions to get environment variables with defaults

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
