package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/aeolun/roomchat/pkg/protocol"
)

// ServerConfig holds the runtime settings of a Server
type ServerConfig struct {
	BindAddress string
	TCPPort     int
	HTTPPort    int    // WebSocket ingress and /metrics; 0 disables
	LedgerPath  string // SQLite session ledger; "" disables

	MaxSessions           int
	AcceptPollInterval    time.Duration
	OutboundQueueCapacity int
	EnqueueTimeout        time.Duration
	WriteTimeout          time.Duration
	MaxFrameSize          uint32
	MaxNameLength         int
	MaxMessageLength      int

	DeleteEmptyRooms bool
	SeedRooms        []string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() ServerConfig {
	return ServerConfig{
		BindAddress:           "0.0.0.0",
		TCPPort:               6465,
		HTTPPort:              6466,
		MaxSessions:           100,
		AcceptPollInterval:    time.Second,
		OutboundQueueCapacity: 64,
		EnqueueTimeout:        250 * time.Millisecond,
		WriteTimeout:          10 * time.Second,
		MaxFrameSize:          protocol.MaxPacketSize,
		MaxNameLength:         32,
		MaxMessageLength:      4096,
	}
}

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
	Rooms  RoomsSection  `toml:"rooms"`
}

type ServerSection struct {
	BindAddress string `toml:"bind_address"`
	TCPPort     int    `toml:"tcp_port"`
	HTTPPort    int    `toml:"http_port"`
	LedgerPath  string `toml:"ledger_path"`
	LogLevel    string `toml:"log_level"`
}

type LimitsSection struct {
	MaxSessions           int `toml:"max_sessions"`
	AcceptPollMillis      int `toml:"accept_poll_ms"`
	OutboundQueueCapacity int `toml:"outbound_queue_capacity"`
	EnqueueTimeoutMillis  int `toml:"enqueue_timeout_ms"`
	WriteTimeoutSeconds   int `toml:"write_timeout_seconds"`
	MaxFrameSize          int `toml:"max_frame_size"`
	MaxNameLength         int `toml:"max_name_length"`
	MaxMessageLength      int `toml:"max_message_length"`
}

type RoomsSection struct {
	DeleteEmpty bool       `toml:"delete_empty"`
	SeedRooms   []SeedRoom `toml:"seed_rooms"`
}

// SeedRoom is a room created at startup. Seed rooms are never deleted.
type SeedRoom struct {
	Name string `toml:"name"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			BindAddress: "0.0.0.0",
			TCPPort:     6465,
			HTTPPort:    6466,
			LedgerPath:  "~/.roomchat/ledger.db",
			LogLevel:    "info",
		},
		Limits: LimitsSection{
			MaxSessions:           100,
			AcceptPollMillis:      1000,
			OutboundQueueCapacity: 64,
			EnqueueTimeoutMillis:  250,
			WriteTimeoutSeconds:   10,
			MaxFrameSize:          protocol.MaxPacketSize,
			MaxNameLength:         32,
			MaxMessageLength:      4096,
		},
		Rooms: RoomsSection{
			SeedRooms: []SeedRoom{
				{Name: "lobby"},
				{Name: "random"},
			},
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// An unwritable location still leaves us with usable defaults
		_ = writeDefaultConfig(path, config)
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# roomchat server configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig. Zero values fall back to DefaultConfig.
func (c *TOMLConfig) ToServerConfig() (ServerConfig, error) {
	cfg := DefaultConfig()

	if strings.TrimSpace(c.Server.BindAddress) != "" {
		cfg.BindAddress = c.Server.BindAddress
	}
	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if c.Server.LedgerPath != "" {
		path, err := expandHome(c.Server.LedgerPath)
		if err != nil {
			return ServerConfig{}, err
		}
		cfg.LedgerPath = path
	}

	l := c.Limits
	if l.MaxSessions != 0 {
		cfg.MaxSessions = l.MaxSessions
	}
	if l.AcceptPollMillis != 0 {
		cfg.AcceptPollInterval = time.Duration(l.AcceptPollMillis) * time.Millisecond
	}
	if l.OutboundQueueCapacity != 0 {
		cfg.OutboundQueueCapacity = l.OutboundQueueCapacity
	}
	if l.EnqueueTimeoutMillis != 0 {
		cfg.EnqueueTimeout = time.Duration(l.EnqueueTimeoutMillis) * time.Millisecond
	}
	if l.WriteTimeoutSeconds != 0 {
		cfg.WriteTimeout = time.Duration(l.WriteTimeoutSeconds) * time.Second
	}
	if l.MaxFrameSize != 0 {
		cfg.MaxFrameSize = uint32(l.MaxFrameSize)
	}
	if l.MaxNameLength != 0 {
		cfg.MaxNameLength = l.MaxNameLength
	}
	if l.MaxMessageLength != 0 {
		cfg.MaxMessageLength = l.MaxMessageLength
	}

	cfg.DeleteEmptyRooms = c.Rooms.DeleteEmpty
	for _, r := range c.Rooms.SeedRooms {
		if name := strings.TrimSpace(r.Name); name != "" {
			cfg.SeedRooms = append(cfg.SeedRooms, name)
		}
	}

	return cfg, cfg.Validate()
}

// Validate rejects settings the server cannot run with
func (c ServerConfig) Validate() error {
	switch {
	case c.TCPPort < 0 || c.TCPPort > 65535:
		return fmt.Errorf("tcp port %d out of range", c.TCPPort)
	case c.HTTPPort < 0 || c.HTTPPort > 65535:
		return fmt.Errorf("http port %d out of range", c.HTTPPort)
	case c.MaxSessions < 1:
		return fmt.Errorf("max sessions must be positive, got %d", c.MaxSessions)
	case c.OutboundQueueCapacity < 1:
		return fmt.Errorf("outbound queue capacity must be positive, got %d", c.OutboundQueueCapacity)
	case c.AcceptPollInterval <= 0:
		return fmt.Errorf("accept poll interval must be positive")
	case c.MaxFrameSize < 1 || c.MaxFrameSize > protocol.MaxFrameSize:
		return fmt.Errorf("max frame size %d out of range (1-%d)", c.MaxFrameSize, protocol.MaxFrameSize)
	case c.MaxNameLength < 1:
		return fmt.Errorf("max name length must be positive")
	case c.MaxMessageLength < 1 || c.MaxMessageLength > protocol.MaxStringLength:
		return fmt.Errorf("max message length %d out of range (1-%d)", c.MaxMessageLength, protocol.MaxStringLength)
	}
	return nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
