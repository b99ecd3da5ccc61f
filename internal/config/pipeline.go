package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sugawarayuuta/sonnet"

	"github.com/banshee-data/sensorgrid/internal/grid"
)

// DefaultConfigPath is the path to the canonical pipeline defaults file.
const DefaultConfigPath = "config/pipeline.defaults.json"

// PipelineConfig is the configuration surface of the ingestion pipeline and
// its launcher. Every field is optional; the Get* accessors return the
// built-in default for fields omitted from the JSON.
type PipelineConfig struct {
	// Datagram listener
	ListenAddress *string `json:"listen_address,omitempty"`
	ListenPort    *int    `json:"listen_port,omitempty"`
	RcvBuf        *int    `json:"rcv_buf,omitempty"`
	PollInterval  *string `json:"poll_interval,omitempty"` // duration string like "500ms"

	// Frame geometry
	GridSide    *int `json:"grid_side,omitempty"`
	ElementSize *int `json:"element_size,omitempty"`

	// Transfer queue and decoder
	QueueCapacity *int    `json:"queue_capacity,omitempty"`
	PopTimeout    *string `json:"pop_timeout,omitempty"`

	// Lifecycle
	ShutdownTimeout *string `json:"shutdown_timeout,omitempty"`
	StatsInterval   *string `json:"stats_interval,omitempty"`

	// Launcher
	HTTPListen     *string `json:"http_listen,omitempty"`
	DBPath         *string `json:"db_path,omitempty"`
	ForwardAddress *string `json:"forward_address,omitempty"` // host:port, empty disables forwarding
}

func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// EmptyPipelineConfig returns a PipelineConfig with all fields unset.
func EmptyPipelineConfig() *PipelineConfig {
	return &PipelineConfig{}
}

// DefaultPipelineConfig returns a PipelineConfig with every field populated
// from the built-in defaults.
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		ListenAddress:   ptrString("0.0.0.0"),
		ListenPort:      ptrInt(5005),
		RcvBuf:          ptrInt(4 << 20),
		PollInterval:    ptrString("500ms"),
		GridSide:        ptrInt(grid.DefaultSide),
		ElementSize:     ptrInt(grid.ElementSize),
		QueueCapacity:   ptrInt(64),
		PopTimeout:      ptrString("100ms"),
		ShutdownTimeout: ptrString("1s"),
		StatsInterval:   ptrString("1m"),
		HTTPListen:      ptrString("127.0.0.1:5000"),
		DBPath:          ptrString("sensorgrid.db"),
		ForwardAddress:  ptrString(""),
	}
}

// LoadPipelineConfig loads a PipelineConfig from a JSON file.
// The file must have a .json extension and be at most 1MB. Fields omitted
// from the file fall back to their defaults.
func LoadPipelineConfig(path string) (*PipelineConfig, error) {
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

	cfg := EmptyPipelineConfig()
	if err := sonnet.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configured values are usable.
func (c *PipelineConfig) Validate() error {
	if c.ListenPort != nil && (*c.ListenPort < 0 || *c.ListenPort > 65535) {
		return fmt.Errorf("listen_port must be between 0 and 65535, got %d", *c.ListenPort)
	}
	if c.QueueCapacity != nil && *c.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be at least 1, got %d", *c.QueueCapacity)
	}
	if c.RcvBuf != nil && *c.RcvBuf < 0 {
		return fmt.Errorf("rcv_buf must be non-negative, got %d", *c.RcvBuf)
	}
	if err := c.Geometry().Validate(); err != nil {
		return err
	}

	durations := []struct {
		name string
		val  *string
	}{
		{"poll_interval", c.PollInterval},
		{"pop_timeout", c.PopTimeout},
		{"shutdown_timeout", c.ShutdownTimeout},
		{"stats_interval", c.StatsInterval},
	}
	for _, d := range durations {
		if d.val == nil || *d.val == "" {
			continue
		}
		v, err := time.ParseDuration(*d.val)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.val, err)
		}
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, *d.val)
		}
	}

	// both loops only observe the stop signal between waits
	shutdown := c.GetShutdownTimeout()
	if poll := c.GetPollInterval(); poll > shutdown {
		return fmt.Errorf("poll_interval %s exceeds shutdown_timeout %s", poll, shutdown)
	}
	if pop := c.GetPopTimeout(); pop > shutdown {
		return fmt.Errorf("pop_timeout %s exceeds shutdown_timeout %s", pop, shutdown)
	}

	if c.ForwardAddress != nil && *c.ForwardAddress != "" {
		if _, _, err := net.SplitHostPort(*c.ForwardAddress); err != nil {
			return fmt.Errorf("invalid forward_address '%s': %w", *c.ForwardAddress, err)
		}
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// GetListenAddress returns the listen_address value or the default.
func (c *PipelineConfig) GetListenAddress() string {
	if c.ListenAddress == nil {
		return "0.0.0.0"
	}
	return *c.ListenAddress
}

// GetListenPort returns the listen_port value or the default.
func (c *PipelineConfig) GetListenPort() int {
	if c.ListenPort == nil {
		return 5005
	}
	return *c.ListenPort
}

// UDPAddress joins the listen address and port.
func (c *PipelineConfig) UDPAddress() string {
	return net.JoinHostPort(c.GetListenAddress(), strconv.Itoa(c.GetListenPort()))
}

// GetRcvBuf returns the socket receive buffer size or the default.
func (c *PipelineConfig) GetRcvBuf() int {
	if c.RcvBuf == nil {
		return 4 << 20
	}
	return *c.RcvBuf
}

// Geometry returns the frame geometry described by grid_side and element_size.
func (c *PipelineConfig) Geometry() grid.Geometry {
	g := grid.DefaultGeometry()
	if c.GridSide != nil {
		g.Side = *c.GridSide
	}
	if c.ElementSize != nil {
		g.ElementSize = *c.ElementSize
	}
	return g
}

// GetQueueCapacity returns the queue_capacity value or the default.
func (c *PipelineConfig) GetQueueCapacity() int {
	if c.QueueCapacity == nil {
		return 64
	}
	return *c.QueueCapacity
}

// GetPollInterval returns how long a socket read may block before the stop
// signal is checked again.
func (c *PipelineConfig) GetPollInterval() time.Duration {
	return durationOr(c.PollInterval, 500*time.Millisecond)
}

// GetPopTimeout returns how long the decoder waits on an empty queue.
func (c *PipelineConfig) GetPopTimeout() time.Duration {
	return durationOr(c.PopTimeout, 100*time.Millisecond)
}

// GetShutdownTimeout returns the shutdown_timeout value or the default.
func (c *PipelineConfig) GetShutdownTimeout() time.Duration {
	return durationOr(c.ShutdownTimeout, time.Second)
}

// GetStatsInterval returns the stats_interval value or the default.
func (c *PipelineConfig) GetStatsInterval() time.Duration {
	return durationOr(c.StatsInterval, time.Minute)
}

// GetHTTPListen returns the http_listen value or the default.
func (c *PipelineConfig) GetHTTPListen() string {
	if c.HTTPListen == nil {
		return "127.0.0.1:5000"
	}
	return *c.HTTPListen
}

// GetDBPath returns the db_path value or the default.
func (c *PipelineConfig) GetDBPath() string {
	if c.DBPath == nil {
		return "sensorgrid.db"
	}
	return *c.DBPath
}

// GetForwardAddress returns the forward_address value, empty when disabled.
func (c *PipelineConfig) GetForwardAddress() string {
	if c.ForwardAddress == nil {
		return ""
	}
	return *c.ForwardAddress
}
