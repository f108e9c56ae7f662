// Package config loads the server settings file.
//
// Settings are grouped the same way in TOML and YAML:
//
//	[server]
//	host = "0.0.0.0"
//	port = 21
//	max_connections = 0
//	threads = 64
//	login_message = "Welcome to ftpd."
//
//	[data_connections]
//	chunk_size = 8192
//	connection_timeout = 300
//
//	[data_connections.pasv]
//	enabled = true
//
//	[data_connections.pasv.port_range]
//	min = 15000
//	max = 15100
//
//	[users]
//	chroot = true
//	hide_dot_files = true
//
//	[logging]
//	level = "info"
//
// Every setting has a default. A value that fails validation is reported as
// a warning and replaced by its default rather than failing the load.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Version is reported in the default greeting.
const Version = "1.0.0"

type Config struct {
	Server          ServerConfig `toml:"server" yaml:"server"`
	DataConnections DataConfig   `toml:"data_connections" yaml:"data_connections"`
	Users           UsersConfig  `toml:"users" yaml:"users"`
	Logging         LogConfig    `toml:"logging" yaml:"logging"`
}

type ServerConfig struct {
	Host           string `toml:"host" yaml:"host"`
	Port           int    `toml:"port" yaml:"port"`
	MaxConnections int    `toml:"max_connections" yaml:"max_connections"`
	LoginMessage   string `toml:"login_message" yaml:"login_message"`

	// Threads caps concurrently running transfer workers. Zero or less
	// means unlimited.
	Threads int `toml:"threads" yaml:"threads"`

	// WorkerWait bounds how long a transfer start waits for a free worker
	// slot, in seconds. WorkerWaitWarn is when the wait gets logged.
	WorkerWait     int `toml:"worker_wait" yaml:"worker_wait"`
	WorkerWaitWarn int `toml:"worker_wait_warn" yaml:"worker_wait_warn"`

	// PollInterval is the reactor readiness timeout in milliseconds.
	PollInterval int `toml:"poll_interval" yaml:"poll_interval"`
}

type DataConfig struct {
	ChunkSize         int `toml:"chunk_size" yaml:"chunk_size"`
	ConnectionTimeout int `toml:"connection_timeout" yaml:"connection_timeout"`

	// BandwidthLimit caps each transfer in bytes per second. Zero disables.
	BandwidthLimit int64 `toml:"bandwidth_limit" yaml:"bandwidth_limit"`

	Active ActiveConfig `toml:"active" yaml:"active"`
	Pasv   PasvConfig   `toml:"pasv" yaml:"pasv"`
	Port   PortConfig   `toml:"port" yaml:"port"`
}

type ActiveConfig struct {
	ConnectTimeout int `toml:"connect_timeout" yaml:"connect_timeout"`
}

type PasvConfig struct {
	Enabled bool `toml:"enabled" yaml:"enabled"`

	// Host is the address passive listeners bind to. PublicHost, when set,
	// is the address announced in PASV replies instead of the control
	// connection's local address.
	Host       string `toml:"host" yaml:"host"`
	PublicHost string `toml:"public_host" yaml:"public_host"`

	// Attempts bounds bind retries. It is capped by the range size.
	Attempts      int       `toml:"attempts" yaml:"attempts"`
	AcceptTimeout int       `toml:"accept_timeout" yaml:"accept_timeout"`
	PortRange     PortRange `toml:"port_range" yaml:"port_range"`
}

type PortRange struct {
	Min int `toml:"min" yaml:"min"`
	Max int `toml:"max" yaml:"max"`
}

// Size returns the number of ports in the range.
func (r PortRange) Size() int {
	return r.Max - r.Min + 1
}

type PortConfig struct {
	Enabled bool `toml:"enabled" yaml:"enabled"`
}

type UsersConfig struct {
	// Chroot confines users to their home directory. Without it the root is
	// "/" and the working directory starts at the home directory.
	Chroot       bool   `toml:"chroot" yaml:"chroot"`
	HideDotFiles bool   `toml:"hide_dot_files" yaml:"hide_dot_files"`
	Umask        string `toml:"umask" yaml:"umask"`
	ShadowFile   string `toml:"shadow_file" yaml:"shadow_file"`
}

type LogConfig struct {
	File  string `toml:"file" yaml:"file"`
	Level string `toml:"level" yaml:"level"`
}

// Default returns the default settings.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           21,
			MaxConnections: 0,
			LoginMessage:   "Welcome to ftpd (v" + Version + ").",
			Threads:        64,
			WorkerWait:     30,
			WorkerWaitWarn: 5,
			PollInterval:   100,
		},
		DataConnections: DataConfig{
			ChunkSize:         8192,
			ConnectionTimeout: 300,
			Active:            ActiveConfig{ConnectTimeout: 10},
			Pasv: PasvConfig{
				Enabled:       true,
				Host:          "0.0.0.0",
				Attempts:      101,
				AcceptTimeout: 30,
				PortRange:     PortRange{Min: 15000, Max: 15100},
			},
			Port: PortConfig{Enabled: true},
		},
		Users: UsersConfig{
			Chroot:       true,
			HideDotFiles: true,
			Umask:        "022",
			ShadowFile:   "/etc/shadow",
		},
		Logging: LogConfig{
			File:  "",
			Level: "info",
		},
	}
}

// Load reads the settings file at path on top of the defaults. Files ending
// in .yaml or .yml are decoded as YAML, everything else as TOML. Unknown keys
// and invalid values are reported to logger.
func Load(path string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = decodeYAML(data, cfg)
	default:
		err = decodeTOML(data, cfg, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("config file decode error: %w", err)
	}

	cfg.Validate(logger)
	return cfg, nil
}

func decodeTOML(data []byte, cfg *Config, logger *slog.Logger) error {
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return err
	}
	for _, key := range md.Undecoded() {
		logger.Warn("config_unknown_entry", "setting", key.String())
	}
	return nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate replaces every invalid value with its default, logging a warning
// for each one.
func (c *Config) Validate(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	def := Default()
	revert := func(name string, value, dflt any) {
		logger.Warn("config_invalid_value",
			"setting", name,
			"value", value,
			"default", dflt,
		)
	}

	validPort := func(p int) bool { return p > 0 && p <= 65535 }

	if !validPort(c.Server.Port) {
		revert("server.port", c.Server.Port, def.Server.Port)
		c.Server.Port = def.Server.Port
	}
	if c.Server.MaxConnections < 0 {
		revert("server.max_connections", c.Server.MaxConnections, def.Server.MaxConnections)
		c.Server.MaxConnections = def.Server.MaxConnections
	}
	if c.Server.WorkerWait <= 0 {
		revert("server.worker_wait", c.Server.WorkerWait, def.Server.WorkerWait)
		c.Server.WorkerWait = def.Server.WorkerWait
	}
	if c.Server.WorkerWaitWarn <= 0 || c.Server.WorkerWaitWarn > c.Server.WorkerWait {
		revert("server.worker_wait_warn", c.Server.WorkerWaitWarn, def.Server.WorkerWaitWarn)
		c.Server.WorkerWaitWarn = min(def.Server.WorkerWaitWarn, c.Server.WorkerWait)
	}
	if c.Server.PollInterval <= 0 || c.Server.PollInterval > 10000 {
		revert("server.poll_interval", c.Server.PollInterval, def.Server.PollInterval)
		c.Server.PollInterval = def.Server.PollInterval
	}

	d := &c.DataConnections
	if d.ChunkSize <= 0 {
		revert("data_connections.chunk_size", d.ChunkSize, def.DataConnections.ChunkSize)
		d.ChunkSize = def.DataConnections.ChunkSize
	}
	if d.ConnectionTimeout <= 0 {
		revert("data_connections.connection_timeout", d.ConnectionTimeout, def.DataConnections.ConnectionTimeout)
		d.ConnectionTimeout = def.DataConnections.ConnectionTimeout
	}
	if d.BandwidthLimit < 0 {
		revert("data_connections.bandwidth_limit", d.BandwidthLimit, def.DataConnections.BandwidthLimit)
		d.BandwidthLimit = def.DataConnections.BandwidthLimit
	}
	if d.Active.ConnectTimeout <= 0 {
		revert("data_connections.active.connect_timeout", d.Active.ConnectTimeout, def.DataConnections.Active.ConnectTimeout)
		d.Active.ConnectTimeout = def.DataConnections.Active.ConnectTimeout
	}
	if d.Pasv.AcceptTimeout <= 0 {
		revert("data_connections.pasv.accept_timeout", d.Pasv.AcceptTimeout, def.DataConnections.Pasv.AcceptTimeout)
		d.Pasv.AcceptTimeout = def.DataConnections.Pasv.AcceptTimeout
	}

	pr := &d.Pasv.PortRange
	if !validPort(pr.Min) {
		revert("data_connections.pasv.port_range.min", pr.Min, def.DataConnections.Pasv.PortRange.Min)
		pr.Min = def.DataConnections.Pasv.PortRange.Min
	}
	if !validPort(pr.Max) {
		revert("data_connections.pasv.port_range.max", pr.Max, def.DataConnections.Pasv.PortRange.Max)
		pr.Max = def.DataConnections.Pasv.PortRange.Max
	}
	if pr.Min > pr.Max {
		revert("data_connections.pasv.port_range", fmt.Sprintf("%d-%d", pr.Min, pr.Max),
			fmt.Sprintf("%d-%d", def.DataConnections.Pasv.PortRange.Min, def.DataConnections.Pasv.PortRange.Max))
		*pr = def.DataConnections.Pasv.PortRange
	}
	if d.Pasv.Attempts <= 0 {
		revert("data_connections.pasv.attempts", d.Pasv.Attempts, pr.Size())
		d.Pasv.Attempts = pr.Size()
	}

	if _, err := c.Users.UmaskValue(); err != nil {
		revert("users.umask", c.Users.Umask, def.Users.Umask)
		c.Users.Umask = def.Users.Umask
	}

	if _, ok := levelNames[strings.ToLower(c.Logging.Level)]; !ok {
		revert("logging.level", c.Logging.Level, def.Logging.Level)
		c.Logging.Level = def.Logging.Level
	}
}

var levelNames = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
	"fatal":   true,
}

// UmaskValue parses the octal umask setting.
func (u UsersConfig) UmaskValue() (int, error) {
	v, err := strconv.ParseUint(u.Umask, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid umask %q: %w", u.Umask, err)
	}
	if v > 0o777 {
		return 0, fmt.Errorf("invalid umask %q", u.Umask)
	}
	return int(v), nil
}

// Addr returns the control listener address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Timeout returns the data connection idle timeout.
func (d DataConfig) Timeout() time.Duration {
	return time.Duration(d.ConnectionTimeout) * time.Second
}

// ConnectTimeoutDuration returns the active connect timeout.
func (a ActiveConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(a.ConnectTimeout) * time.Second
}

// AcceptTimeoutDuration returns how long a passive transfer waits for the
// client to connect.
func (p PasvConfig) AcceptTimeoutDuration() time.Duration {
	return time.Duration(p.AcceptTimeout) * time.Second
}

// WorkerWaitDurations returns the worker slot wait limit and the point at
// which the wait is logged.
func (s ServerConfig) WorkerWaitDurations() (limit, warn time.Duration) {
	return time.Duration(s.WorkerWait) * time.Second, time.Duration(s.WorkerWaitWarn) * time.Second
}

// PollIntervalDuration returns the reactor poll timeout.
func (s ServerConfig) PollIntervalDuration() time.Duration {
	return time.Duration(s.PollInterval) * time.Millisecond
}
