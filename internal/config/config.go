// Package config loads and validates the NVR's camera topology and
// operational tunables from a single YAML document.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full, frozen-after-load NVR configuration.
type Config struct {
	SegmentDuration int    `yaml:"segment_duration"`
	PreRollSeconds  int    `yaml:"pre_roll_seconds"`
	PostRollSeconds int    `yaml:"post_roll_seconds"`
	RAMBase         string `yaml:"ram_base"`
	OutputBase      string `yaml:"output_base"`
	FFmpegPath      string `yaml:"ffmpeg_path"`
	FFprobePath     string `yaml:"ffprobe_path"`

	Bus   BusConfig   `yaml:"bus"`
	Audit AuditConfig `yaml:"audit"`
	API   APIConfig   `yaml:"api"`

	Cameras map[string]CameraConfig `yaml:"cameras"`
}

// BusConfig describes how to reach the pub/sub message broker.
type BusConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	Username         string `yaml:"username"`
	Password         string `yaml:"password"`
	KeepaliveSeconds int    `yaml:"keepalive_seconds"`
}

// AuditConfig configures the operational audit log.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// APIConfig configures the read-only status HTTP/WebSocket surface.
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// CameraConfig is one camera's identity: a subscription topic and one
// or more named streams.
type CameraConfig struct {
	Topic   string                  `yaml:"topic"`
	Streams map[string]StreamConfig `yaml:"streams"`
}

// StreamConfig is a single named stream on a camera. It may be loaded
// from a bare RTSP URL string or the expanded mapping form; see
// UnmarshalYAML.
type StreamConfig struct {
	URL             string   `yaml:"url"`
	FFmpegExtraArgs []string `yaml:"ffmpeg_extra_args"`
}

// UnmarshalYAML accepts either a bare string (the RTSP URL) or a
// mapping with `url` and optional `ffmpeg_extra_args`, per spec.
func (s *StreamConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&s.URL)
	}

	type plain StreamConfig
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*s = StreamConfig(p)
	return nil
}

const (
	defaultSegmentDuration = 3
	defaultPreRollSeconds  = 15
	defaultPostRollSeconds = 15
	defaultRAMBase         = "/dev/shm/nvr_buffer"
	defaultOutputBase      = "./nvr"
	defaultFFmpegPath      = "ffmpeg"
	defaultFFprobePath     = "ffprobe"
	defaultBusHost         = "127.0.0.1"
	defaultBusPort         = 4222
	defaultKeepalive       = 60
	defaultAuditPath       = "./nvr/audit.db"
	defaultAPIAddr         = "127.0.0.1:8088"
)

// Load reads, parses, defaults, and validates the configuration file
// at path. A missing or empty `cameras` section is a fatal error, per
// spec.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.SegmentDuration <= 0 {
		c.SegmentDuration = defaultSegmentDuration
	}
	if c.PreRollSeconds <= 0 {
		c.PreRollSeconds = defaultPreRollSeconds
	}
	if c.PostRollSeconds <= 0 {
		c.PostRollSeconds = defaultPostRollSeconds
	}
	if c.RAMBase == "" {
		c.RAMBase = defaultRAMBase
	}
	if c.OutputBase == "" {
		c.OutputBase = defaultOutputBase
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = defaultFFmpegPath
	}
	if c.FFprobePath == "" {
		c.FFprobePath = defaultFFprobePath
	}
	if c.Bus.Host == "" {
		c.Bus.Host = defaultBusHost
	}
	if c.Bus.Port == 0 {
		c.Bus.Port = defaultBusPort
	}
	if c.Bus.KeepaliveSeconds <= 0 {
		c.Bus.KeepaliveSeconds = defaultKeepalive
	}
	if c.Audit.Path == "" {
		c.Audit.Path = defaultAuditPath
	}
	if c.API.Addr == "" {
		c.API.Addr = defaultAPIAddr
	}
}

func (c *Config) validate() error {
	if len(c.Cameras) == 0 {
		return fmt.Errorf("config: no cameras configured")
	}

	for id, cam := range c.Cameras {
		if cam.Topic == "" {
			return fmt.Errorf("config: camera %q has no topic", id)
		}
		if len(cam.Streams) == 0 {
			return fmt.Errorf("config: camera %q has no streams", id)
		}
		for streamType, stream := range cam.Streams {
			if stream.URL == "" {
				return fmt.Errorf("config: camera %q stream %q has no url", id, streamType)
			}
		}
	}

	return nil
}

// SegmentDurationSeconds returns the segment duration as a time.Duration.
func (c *Config) SegmentDurationSeconds() time.Duration {
	return time.Duration(c.SegmentDuration) * time.Second
}

// PreRoll returns the configured pre-roll horizon.
func (c *Config) PreRoll() time.Duration {
	return time.Duration(c.PreRollSeconds) * time.Second
}

// PostRoll returns the configured post-roll horizon.
func (c *Config) PostRoll() time.Duration {
	return time.Duration(c.PostRollSeconds) * time.Second
}
