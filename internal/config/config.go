package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/natefinch/atomic"
)

const (
	DefaultListenAddr  = ":4321"
	DefaultServiceName = "_groupshare._tcp"
	DefaultChunkSize   = 4096
)

// StoreConfig selects the backend that persists the file directory.
type StoreConfig struct {
	Driver string `json:"driver"` // "sqlite" or "json"
	Path   string `json:"path"`
}

// Config is the file server configuration.
type Config struct {
	ListenAddr       string      `json:"listen_addr"`
	StorageRoot      string      `json:"storage_root"`
	Store            StoreConfig `json:"store"`
	KeyFile          string      `json:"key_file"`
	KeyBits          int         `json:"key_bits"`
	Cipher           string      `json:"cipher"` // ChaChaPoly, AESGCM
	Hash             string      `json:"hash"`   // SHA256, SHA512, BLAKE2b, BLAKE2s
	ChunkSize        int         `json:"chunk_size"`
	MaxFrameSize     int         `json:"max_frame_size"`
	AutosaveInterval string      `json:"autosave_interval"`
	IdleTimeout      string      `json:"idle_timeout,omitempty"`
	LogLevel         string      `json:"log_level"` // debug, info, warn, error, none
	LogPath          string      `json:"log_path,omitempty"`
	Advertise        bool        `json:"advertise"`
	ServiceName      string      `json:"service_name"`
	InstanceName     string      `json:"instance_name,omitempty"`
	IssuerKey        string      `json:"issuer_key,omitempty"` // hex ed25519 public key of the token issuer
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		ListenAddr:       DefaultListenAddr,
		StorageRoot:      "shared_files",
		Store:            StoreConfig{Driver: "sqlite", Path: "filelist.db"},
		KeyFile:          "fileserver_key.pem",
		KeyBits:          2048,
		Cipher:           "ChaChaPoly",
		Hash:             "SHA256",
		ChunkSize:        DefaultChunkSize,
		MaxFrameSize:     1 << 20,
		AutosaveInterval: "5m",
		LogLevel:         "info",
		ServiceName:      DefaultServiceName,
		InstanceName:     "GroupShare",
	}
}

// Load reads the config at path over the defaults. A missing file is not an
// error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	if within(cfg.StorageRoot, path) {
		return nil, fmt.Errorf("invalid config %s: it lies inside storage_root %s", path, cfg.StorageRoot)
	}
	return cfg, nil
}

// Save writes the config as indented JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return atomic.WriteFile(path, bytes.NewReader(data))
}

// Validate checks value ranges and names.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	if c.StorageRoot == "" {
		return errors.New("storage_root is required")
	}
	switch c.Store.Driver {
	case "sqlite", "json":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Path == "" {
		return errors.New("store.path is required")
	}
	for name, path := range map[string]string{"store.path": c.Store.Path, "key_file": c.KeyFile, "log_path": c.LogPath} {
		if within(c.StorageRoot, path) {
			return fmt.Errorf("%s %s lies inside storage_root %s", name, path, c.StorageRoot)
		}
	}
	if c.KeyBits < 2048 {
		return fmt.Errorf("key_bits must be at least 2048, got %d", c.KeyBits)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize)
	}
	// a chunk envelope carries the chunk plus JSON/base64 overhead
	if c.MaxFrameSize < 2*c.ChunkSize+1024 {
		return fmt.Errorf("max_frame_size %d too small for chunk_size %d", c.MaxFrameSize, c.ChunkSize)
	}
	if _, err := c.Autosave(); err != nil {
		return err
	}
	if _, err := c.Idle(); err != nil {
		return err
	}
	return nil
}

// within reports whether path is root or lies beneath it.
func within(root, path string) bool {
	if path == "" {
		return false
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Autosave returns the autosave period; zero disables periodic saves.
func (c *Config) Autosave() (time.Duration, error) {
	return parseDuration("autosave_interval", c.AutosaveInterval)
}

// Idle returns the per-read idle timeout; zero means none.
func (c *Config) Idle() (time.Duration, error) {
	return parseDuration("idle_timeout", c.IdleTimeout)
}

func parseDuration(name, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", name)
	}
	return d, nil
}
