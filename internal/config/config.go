// Package config loads stanzad settings: defaults, then a TOML file, then
// STANZA_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"

	"github.com/danmuck/stanza/internal/protocol/jid"
)

const EnvPrefix = "STANZA"

const (
	TransportStream = "stream"
	TransportNATS   = "nats"
)

var ErrInvalid = errors.New("config: invalid")

type TLS struct {
	Enabled            bool
	Mutual             bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

type Transport struct {
	Kind string
	// Addr is dialed, or listened on when Listen is set.
	Addr               string
	Listen             bool
	Namespace          string
	MaxConnectAttempts int
	SecurityMode       string
	TLS                TLS
}

type NATS struct {
	URL      string
	Prefix   string
	Fallback string
}

type Config struct {
	JID            string
	Transport      Transport
	NATS           NATS
	RequestTimeout time.Duration
	AdminAddr      string
	AdminToken     string
	CORSOrigins    []string
	SoftwareName   string
	Version        string
	LogLevel       string
}

func Default() Config {
	return Config{
		Transport: Transport{
			Kind:               TransportStream,
			Addr:               "127.0.0.1:5222",
			Namespace:          "jabber:client",
			MaxConnectAttempts: 5,
			SecurityMode:       "development",
		},
		NATS: NATS{
			URL:    "nats://127.0.0.1:4222",
			Prefix: "stanza",
		},
		RequestTimeout: 30 * time.Second,
		AdminAddr:      "127.0.0.1:7070",
		SoftwareName:   "stanzad",
		Version:        "0.1.0",
		LogLevel:       "info",
	}
}

type fileTLS struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type fileConfig struct {
	JID       string `toml:"jid"`
	Transport struct {
		Kind               string  `toml:"kind"`
		Addr               string  `toml:"addr"`
		Listen             bool    `toml:"listen"`
		Namespace          string  `toml:"namespace"`
		MaxConnectAttempts int     `toml:"max_connect_attempts"`
		SecurityMode       string  `toml:"security_mode"`
		TLS                fileTLS `toml:"tls"`
	} `toml:"transport"`
	NATS struct {
		URL      string `toml:"url"`
		Prefix   string `toml:"prefix"`
		Fallback string `toml:"fallback"`
	} `toml:"nats"`
	Dispatcher struct {
		RequestTimeout string `toml:"request_timeout"`
	} `toml:"dispatcher"`
	Admin struct {
		Addr        string   `toml:"addr"`
		Token       string   `toml:"token"`
		CORSOrigins []string `toml:"cors_origins"`
	} `toml:"admin"`
	Software struct {
		Name    string `toml:"name"`
		Version string `toml:"version"`
	} `toml:"software"`
	Log struct {
		Level string `toml:"level"`
	} `toml:"log"`
}

// env overrides stay nil unless the variable is set.
type env struct {
	JID            *string        `envconfig:"JID"`
	Transport      *string        `envconfig:"TRANSPORT"`
	Addr           *string        `envconfig:"ADDR"`
	Listen         *bool          `envconfig:"LISTEN"`
	NATSURL        *string        `envconfig:"NATS_URL"`
	RequestTimeout *time.Duration `envconfig:"REQUEST_TIMEOUT"`
	AdminAddr      *string        `envconfig:"ADMIN_ADDR"`
	AdminToken     *string        `envconfig:"ADMIN_TOKEN"`
	LogLevel       *string        `envconfig:"LOG_LEVEL"`
}

// Load builds the config. An empty path skips the file layer.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("%w: unknown key %q in %s", ErrInvalid, undecoded[0].String(), path)
	}

	if meta.IsDefined("jid") {
		cfg.JID = strings.TrimSpace(raw.JID)
	}

	t := &cfg.Transport
	if meta.IsDefined("transport", "kind") {
		t.Kind = strings.ToLower(strings.TrimSpace(raw.Transport.Kind))
	}
	if meta.IsDefined("transport", "addr") {
		t.Addr = strings.TrimSpace(raw.Transport.Addr)
	}
	if meta.IsDefined("transport", "listen") {
		t.Listen = raw.Transport.Listen
	}
	if meta.IsDefined("transport", "namespace") {
		t.Namespace = strings.TrimSpace(raw.Transport.Namespace)
	}
	if meta.IsDefined("transport", "max_connect_attempts") {
		t.MaxConnectAttempts = raw.Transport.MaxConnectAttempts
	}
	if meta.IsDefined("transport", "security_mode") {
		t.SecurityMode = strings.TrimSpace(raw.Transport.SecurityMode)
	}
	if meta.IsDefined("transport", "tls") {
		t.TLS = TLS(raw.Transport.TLS)
	}

	if meta.IsDefined("nats", "url") {
		cfg.NATS.URL = strings.TrimSpace(raw.NATS.URL)
	}
	if meta.IsDefined("nats", "prefix") {
		cfg.NATS.Prefix = strings.TrimSpace(raw.NATS.Prefix)
	}
	if meta.IsDefined("nats", "fallback") {
		cfg.NATS.Fallback = strings.TrimSpace(raw.NATS.Fallback)
	}

	if meta.IsDefined("dispatcher", "request_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Dispatcher.RequestTimeout))
		if err != nil {
			return fmt.Errorf("parse dispatcher.request_timeout: %w", err)
		}
		cfg.RequestTimeout = d
	}

	if meta.IsDefined("admin", "addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.Admin.Addr)
	}
	if meta.IsDefined("admin", "token") {
		cfg.AdminToken = strings.TrimSpace(raw.Admin.Token)
	}
	if meta.IsDefined("admin", "cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.Admin.CORSOrigins)
	}

	if meta.IsDefined("software", "name") {
		cfg.SoftwareName = strings.TrimSpace(raw.Software.Name)
	}
	if meta.IsDefined("software", "version") {
		cfg.Version = strings.TrimSpace(raw.Software.Version)
	}
	if meta.IsDefined("log", "level") {
		cfg.LogLevel = strings.TrimSpace(raw.Log.Level)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var e env
	if err := envconfig.Process(EnvPrefix, &e); err != nil {
		return fmt.Errorf("config env: %w", err)
	}
	if e.JID != nil {
		cfg.JID = strings.TrimSpace(*e.JID)
	}
	if e.Transport != nil {
		cfg.Transport.Kind = strings.ToLower(strings.TrimSpace(*e.Transport))
	}
	if e.Addr != nil {
		cfg.Transport.Addr = strings.TrimSpace(*e.Addr)
	}
	if e.Listen != nil {
		cfg.Transport.Listen = *e.Listen
	}
	if e.NATSURL != nil {
		cfg.NATS.URL = strings.TrimSpace(*e.NATSURL)
	}
	if e.RequestTimeout != nil {
		cfg.RequestTimeout = *e.RequestTimeout
	}
	if e.AdminAddr != nil {
		cfg.AdminAddr = strings.TrimSpace(*e.AdminAddr)
	}
	if e.AdminToken != nil {
		cfg.AdminToken = strings.TrimSpace(*e.AdminToken)
	}
	if e.LogLevel != nil {
		cfg.LogLevel = strings.TrimSpace(*e.LogLevel)
	}
	return nil
}

func (c Config) Validate() error {
	if c.JID == "" {
		return fmt.Errorf("%w: jid is required", ErrInvalid)
	}
	if _, err := jid.Parse(c.JID); err != nil {
		return fmt.Errorf("%w: jid %q: %w", ErrInvalid, c.JID, err)
	}
	switch c.Transport.Kind {
	case TransportStream:
		if c.Transport.Addr == "" {
			return fmt.Errorf("%w: transport.addr is required for stream", ErrInvalid)
		}
	case TransportNATS:
		if c.NATS.URL == "" {
			return fmt.Errorf("%w: nats.url is required for nats", ErrInvalid)
		}
		if c.NATS.Fallback != "" {
			if _, err := jid.Parse(c.NATS.Fallback); err != nil {
				return fmt.Errorf("%w: nats.fallback %q: %w", ErrInvalid, c.NATS.Fallback, err)
			}
		}
	default:
		return fmt.Errorf("%w: unknown transport kind %q", ErrInvalid, c.Transport.Kind)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%w: dispatcher.request_timeout must be positive", ErrInvalid)
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
