// Package config loads endpoint settings from a TOML file.
//
// Every key is optional; values present in the file override Default().
//
//	listen    = ":9300"
//	server    = "127.0.0.1:9300"
//	log_level = "info"
//
//	[thread]
//	max_client_transfers = 8
//	max_server_transfers = 8
//	encode_buffer_size   = 2047
//
//	[transfer]
//	pending_bytes         = 8192
//	max_chunk_size_bytes  = 1024
//	extend_window_divisor = 2
//	chunk_timeout         = "2s"
//	initial_chunk_timeout = "4s"
//	max_retries           = 3
//	max_lifetime_retries  = 1500
//	protocol_version      = 2
//
//	[[resources]]
//	id   = 1
//	path = "firmware.bin"
//	mode = "read"
//
// transfer.protocol_version is the version this endpoint requests when it
// starts a transfer as a client. A serving endpoint answers each client in
// the version that client asked for, so the key has no effect on served
// transfers.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/xfer/chunk"
	"github.com/opd-ai/xfer/handler"
	"github.com/opd-ai/xfer/limits"
	"github.com/opd-ai/xfer/transfer"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the complete endpoint configuration.
type Config struct {
	Listen    string
	Server    string
	LogLevel  logrus.Level
	Thread    ThreadConfig
	Transfer  TransferConfig
	Resources []Resource
}

// ThreadConfig sizes the transfer thread.
type ThreadConfig struct {
	MaxClientTransfers int
	MaxServerTransfers int
	EncodeBufferSize   int
}

// TransferConfig holds the per-transfer protocol settings.
type TransferConfig struct {
	PendingBytes        uint32
	MaxChunkSizeBytes   uint32
	ExtendWindowDivisor uint32
	ChunkTimeout        time.Duration
	InitialChunkTimeout time.Duration
	MaxRetries          int
	MaxLifetimeRetries  int
	// ProtocolVersion applies to client transfers only.
	ProtocolVersion chunk.ProtocolVersion
}

// Resource is a file served by the endpoint.
type Resource struct {
	ID   uint32
	Path string
	Mode handler.Mode
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:   ":9300",
		Server:   "127.0.0.1:9300",
		LogLevel: logrus.InfoLevel,
		Thread: ThreadConfig{
			MaxClientTransfers: transfer.DefaultMaxClientTransfers,
			MaxServerTransfers: transfer.DefaultMaxServerTransfers,
			EncodeBufferSize:   limits.DefaultEncodeBufferSize,
		},
		Transfer: TransferConfig{
			PendingBytes:        limits.DefaultPendingBytes,
			MaxChunkSizeBytes:   limits.DefaultMaxChunkSize,
			ExtendWindowDivisor: transfer.DefaultExtendWindowDivisor,
			ChunkTimeout:        transfer.DefaultChunkTimeout,
			InitialChunkTimeout: transfer.DefaultInitialChunkTimeout,
			MaxRetries:          transfer.DefaultMaxRetries,
			MaxLifetimeRetries:  transfer.DefaultMaxLifetimeRetries,
			ProtocolVersion:     chunk.VersionLatest,
		},
	}
}

type fileConfig struct {
	Listen    string             `toml:"listen"`
	Server    string             `toml:"server"`
	LogLevel  string             `toml:"log_level"`
	Thread    fileThreadConfig   `toml:"thread"`
	Transfer  fileTransferConfig `toml:"transfer"`
	Resources []fileResource     `toml:"resources"`
}

type fileThreadConfig struct {
	MaxClientTransfers int `toml:"max_client_transfers"`
	MaxServerTransfers int `toml:"max_server_transfers"`
	EncodeBufferSize   int `toml:"encode_buffer_size"`
}

type fileTransferConfig struct {
	PendingBytes        int64  `toml:"pending_bytes"`
	MaxChunkSizeBytes   int64  `toml:"max_chunk_size_bytes"`
	ExtendWindowDivisor int64  `toml:"extend_window_divisor"`
	ChunkTimeout        string `toml:"chunk_timeout"`
	InitialChunkTimeout string `toml:"initial_chunk_timeout"`
	MaxRetries          int    `toml:"max_retries"`
	MaxLifetimeRetries  int    `toml:"max_lifetime_retries"`
	ProtocolVersion     int    `toml:"protocol_version"`
}

type fileResource struct {
	ID   int64  `toml:"id"`
	Path string `toml:"path"`
	Mode string `toml:"mode"`
}

// Load reads path and overlays it onto Default. The result is validated.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return fromFile(raw, meta)
}

// Parse is Load for TOML text.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return fromFile(raw, meta)
}

func fromFile(raw fileConfig, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "fromFile",
			"keys":     fmt.Sprint(undecoded),
		}).Warn("Ignoring unknown config keys")
	}

	cfg := Default()

	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("server") {
		cfg.Server = strings.TrimSpace(raw.Server)
	}
	if meta.IsDefined("log_level") {
		level, err := logrus.ParseLevel(strings.TrimSpace(raw.LogLevel))
		if err != nil {
			return Config{}, fmt.Errorf("%w: log_level: %v", ErrInvalidConfig, err)
		}
		cfg.LogLevel = level
	}

	if meta.IsDefined("thread", "max_client_transfers") {
		cfg.Thread.MaxClientTransfers = raw.Thread.MaxClientTransfers
	}
	if meta.IsDefined("thread", "max_server_transfers") {
		cfg.Thread.MaxServerTransfers = raw.Thread.MaxServerTransfers
	}
	if meta.IsDefined("thread", "encode_buffer_size") {
		cfg.Thread.EncodeBufferSize = raw.Thread.EncodeBufferSize
	}

	if err := overlayTransfer(&cfg.Transfer, raw.Transfer, meta); err != nil {
		return Config{}, err
	}

	for i, r := range raw.Resources {
		mode, err := handler.ParseMode(r.Mode)
		if err != nil {
			return Config{}, fmt.Errorf("%w: resources[%d]: %v", ErrInvalidConfig, i, err)
		}
		if r.ID < 0 || r.ID > int64(^uint32(0)) {
			return Config{}, fmt.Errorf("%w: resources[%d]: id %d out of range", ErrInvalidConfig, i, r.ID)
		}
		cfg.Resources = append(cfg.Resources, Resource{ID: uint32(r.ID), Path: strings.TrimSpace(r.Path), Mode: mode})
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overlayTransfer(cfg *TransferConfig, raw fileTransferConfig, meta toml.MetaData) error {
	sizes := []struct {
		key string
		val int64
		dst *uint32
	}{
		{"pending_bytes", raw.PendingBytes, &cfg.PendingBytes},
		{"max_chunk_size_bytes", raw.MaxChunkSizeBytes, &cfg.MaxChunkSizeBytes},
		{"extend_window_divisor", raw.ExtendWindowDivisor, &cfg.ExtendWindowDivisor},
	}
	for _, s := range sizes {
		if !meta.IsDefined("transfer", s.key) {
			continue
		}
		if s.val < 0 || s.val > int64(^uint32(0)) {
			return fmt.Errorf("%w: transfer.%s %d out of range", ErrInvalidConfig, s.key, s.val)
		}
		*s.dst = uint32(s.val)
	}

	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"chunk_timeout", raw.ChunkTimeout, &cfg.ChunkTimeout},
		{"initial_chunk_timeout", raw.InitialChunkTimeout, &cfg.InitialChunkTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined("transfer", d.key) {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.val))
		if err != nil {
			return fmt.Errorf("%w: transfer.%s: %v", ErrInvalidConfig, d.key, err)
		}
		*d.dst = parsed
	}

	if meta.IsDefined("transfer", "max_retries") {
		cfg.MaxRetries = raw.MaxRetries
	}
	if meta.IsDefined("transfer", "max_lifetime_retries") {
		cfg.MaxLifetimeRetries = raw.MaxLifetimeRetries
	}
	if meta.IsDefined("transfer", "protocol_version") {
		cfg.ProtocolVersion = chunk.ProtocolVersion(raw.ProtocolVersion)
	}
	return nil
}

// Validate checks every setting against the protocol limits.
func (c Config) Validate() error {
	if c.Thread.MaxClientTransfers < 0 || c.Thread.MaxServerTransfers < 0 {
		return fmt.Errorf("%w: transfer slot counts must not be negative", ErrInvalidConfig)
	}
	if err := limits.ValidateEncodeBufferSize(c.Thread.EncodeBufferSize, chunk.MaxOverhead); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := limits.ValidatePendingBytes(int(c.Transfer.PendingBytes)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := limits.ValidateChunkSize(int(c.Transfer.MaxChunkSizeBytes)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Transfer.ExtendWindowDivisor <= 1 {
		return fmt.Errorf("%w: extend_window_divisor must be greater than 1", ErrInvalidConfig)
	}
	if c.Transfer.ChunkTimeout <= 0 || c.Transfer.InitialChunkTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	if c.Transfer.MaxRetries <= 0 {
		return fmt.Errorf("%w: max_retries must be positive", ErrInvalidConfig)
	}
	if c.Transfer.MaxLifetimeRetries < c.Transfer.MaxRetries {
		return fmt.Errorf("%w: max_lifetime_retries must be at least max_retries", ErrInvalidConfig)
	}
	if c.Transfer.ProtocolVersion < chunk.VersionLegacy || c.Transfer.ProtocolVersion > chunk.VersionLatest {
		return fmt.Errorf("%w: unsupported protocol_version %d", ErrInvalidConfig, c.Transfer.ProtocolVersion)
	}

	seen := make(map[uint32]bool, len(c.Resources))
	for _, r := range c.Resources {
		if seen[r.ID] {
			return fmt.Errorf("%w: duplicate resource id %d", ErrInvalidConfig, r.ID)
		}
		seen[r.ID] = true
		if r.Path == "" {
			return fmt.Errorf("%w: resource %d has no path", ErrInvalidConfig, r.ID)
		}
		if _, err := handler.ValidatePath(r.Path); err != nil {
			return fmt.Errorf("%w: resource %d: %v", ErrInvalidConfig, r.ID, err)
		}
	}
	return nil
}

// Parameters builds the receive window parameters.
func (c Config) Parameters() (*transfer.Parameters, error) {
	return transfer.NewParameters(c.Transfer.PendingBytes, c.Transfer.MaxChunkSizeBytes, c.Transfer.ExtendWindowDivisor)
}

// ThreadOptions builds the options for transfer.NewThread.
func (c Config) ThreadOptions() (transfer.ThreadOptions, error) {
	params, err := c.Parameters()
	if err != nil {
		return transfer.ThreadOptions{}, err
	}
	opts := transfer.DefaultThreadOptions()
	opts.MaxClientTransfers = c.Thread.MaxClientTransfers
	opts.MaxServerTransfers = c.Thread.MaxServerTransfers
	opts.EncodeBufferSize = c.Thread.EncodeBufferSize
	opts.Transfer = transfer.TransferOptions{
		ProtocolVersion:     c.Transfer.ProtocolVersion,
		ChunkTimeout:        c.Transfer.ChunkTimeout,
		InitialChunkTimeout: c.Transfer.InitialChunkTimeout,
		MaxRetries:          c.Transfer.MaxRetries,
		MaxLifetimeRetries:  c.Transfer.MaxLifetimeRetries,
		Parameters:          params,
	}
	return opts, nil
}

// Handlers opens a FileHandler for every configured resource.
func (c Config) Handlers() ([]*handler.FileHandler, error) {
	out := make([]*handler.FileHandler, 0, len(c.Resources))
	for _, r := range c.Resources {
		h, err := handler.NewFileHandlerWithMode(r.ID, r.Path, r.Mode)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}
