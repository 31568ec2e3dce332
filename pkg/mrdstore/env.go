package mrdstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/ismrmrd/mrd_storage_sdk_go/pkg/mrdstore/mock"
)

// EnvPrefix prefixes every environment variable read by NewFromEnv.
const EnvPrefix = "MRD_STORAGE_"

// Runtime modes reported by NewFromEnv.
const (
	ModeAuto = "auto"
	ModeHTTP = "http"
	ModeMock = "mock"
)

// mockURL is the base URL of the in-process server used in mock mode.
const mockURL = "http://mrd-storage.mock/"

// EnvConfig is the client configuration read from MRD_STORAGE_* variables.
type EnvConfig struct {
	Mode     string        `env:"MODE" envDefault:"auto"`
	URL      string        `env:"URL"`
	Host     string        `env:"HOST"`
	Port     int           `env:"PORT" envDefault:"3333"`
	Subject  string        `env:"SUBJECT" envDefault:"$null"`
	Device   string        `env:"DEVICE"`
	Session  string        `env:"SESSION"`
	Timeout  time.Duration `env:"TIMEOUT" envDefault:"3s"`
	RetryMax int           `env:"RETRY_MAX"`
	MockSeed string        `env:"MOCK_SEED"`
}

// LoadEnvConfig parses the MRD_STORAGE_* variables.
func LoadEnvConfig() (EnvConfig, error) {
	var cfg EnvConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return EnvConfig{}, fmt.Errorf("mrdstore: parse env: %w", err)
	}
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	return cfg, nil
}

// NewFromEnv initialises a Client from MRD_STORAGE_* variables and returns
// the resolved mode ("http" or "mock"). In auto mode a configured URL or host
// selects http; otherwise the client talks to an in-memory server, seeded
// from MRD_STORAGE_MOCK_SEED when set.
func NewFromEnv() (client *Client, mode string, err error) {
	cfg, err := LoadEnvConfig()
	if err != nil {
		return nil, "", err
	}

	remote := strings.TrimSpace(cfg.URL) != "" || strings.TrimSpace(cfg.Host) != ""
	switch cfg.Mode {
	case "", ModeAuto:
		if remote {
			return newHTTPClient(cfg)
		}
		return newMockClient(cfg)
	case ModeHTTP:
		if !remote {
			return nil, "", fmt.Errorf("mrdstore: http mode requires %sURL or %sHOST", EnvPrefix, EnvPrefix)
		}
		return newHTTPClient(cfg)
	case ModeMock:
		return newMockClient(cfg)
	default:
		return nil, "", fmt.Errorf("mrdstore: unsupported %sMODE value %q", EnvPrefix, cfg.Mode)
	}
}

func (e EnvConfig) clientConfig() Config {
	return Config{
		URL:        strings.TrimSpace(e.URL),
		Host:       strings.TrimSpace(e.Host),
		Port:       e.Port,
		Subject:    e.Subject,
		Device:     e.Device,
		Session:    e.Session,
		Timeout:    e.Timeout,
		MaxRetries: e.RetryMax,
	}
}

func newHTTPClient(e EnvConfig) (*Client, string, error) {
	client, err := New(e.clientConfig())
	if err != nil {
		return nil, "", fmt.Errorf("mrdstore: init http client: %w", err)
	}
	return client, ModeHTTP, nil
}

func newMockClient(e EnvConfig) (*Client, string, error) {
	server := mock.New()
	if path := strings.TrimSpace(e.MockSeed); path != "" {
		entries, err := mock.LoadSeed(path)
		if err != nil {
			return nil, "", fmt.Errorf("mrdstore: load mock seed: %w", err)
		}
		if err := server.Seed(entries); err != nil {
			return nil, "", fmt.Errorf("mrdstore: apply mock seed: %w", err)
		}
	}

	cfg := e.clientConfig()
	cfg.URL = mockURL
	cfg.Transport = server.Transport()
	client, err := New(cfg)
	if err != nil {
		return nil, "", fmt.Errorf("mrdstore: init mock client: %w", err)
	}
	return client, ModeMock, nil
}
