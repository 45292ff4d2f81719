// Package config loads the server configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-playground/validator/v10"
	"github.com/vitwit/sio/types"
	"github.com/vitwit/sio/utils"
	"gopkg.in/yaml.v3"
)

// DefaultProgramSeed derives the program id when none is configured.
const DefaultProgramSeed = "sio-program-v1"

type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Protocol  ProtocolConfig   `yaml:"protocol"`
	Resources []ResourceConfig `yaml:"resources" validate:"dive"`
	RateLimit RateLimitConfig  `yaml:"rateLimit"`
	Log       LogConfig        `yaml:"log"`
	Metrics   MetricsConfig    `yaml:"metrics"`
}

type ServerConfig struct {
	Listen          string        `yaml:"listen" validate:"required"`
	ReadTimeout     time.Duration `yaml:"readTimeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"writeTimeout" validate:"gte=0"`
	ResourceRootURL string        `yaml:"resourceRootURL"`
}

type ProtocolConfig struct {
	ProgramID     string        `yaml:"programId"`
	ProgramSeed   string        `yaml:"programSeed"`
	Network       string        `yaml:"network" validate:"required"`
	Token         string        `yaml:"token" validate:"required"`
	TokenDecimals int32         `yaml:"tokenDecimals" validate:"gte=0,lte=18"`
	Recipient     string        `yaml:"recipient" validate:"required"`
	Timeout       int64         `yaml:"timeout" validate:"gt=0"`
	VerifyTimeout time.Duration `yaml:"verifyTimeout" validate:"gte=0"`
	SettleTimeout time.Duration `yaml:"settleTimeout" validate:"gte=0"`
	PartialApply  bool          `yaml:"partialApply"`
}

// ResourceConfig is one priced endpoint served under /api/sio/premium/{name}.
type ResourceConfig struct {
	Name        string         `yaml:"name" validate:"required"`
	Price       string         `yaml:"price" validate:"required"`
	Description string         `yaml:"description"`
	Method      string         `yaml:"method" validate:"omitempty,oneof=GET POST"`
	Content     map[string]any `yaml:"content"`
}

type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requestsPerMinute" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

var validate = validator.New()

// Default returns a configuration usable for local development.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Listen:       ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Protocol: ProtocolConfig{
			ProgramSeed:   DefaultProgramSeed,
			Network:       types.NetworkSolanaMainnet.String(),
			Token:         types.DefaultTokenMint,
			TokenDecimals: types.DefaultTokenDecimals,
			Recipient:     utils.DeriveProgramID("sio-treasury").String(),
			Timeout:       types.DefaultTimeoutSeconds,
			VerifyTimeout: 15 * time.Second,
			SettleTimeout: 15 * time.Second,
		},
		Resources: []ResourceConfig{
			{
				Name:        "market-data",
				Price:       "0.5",
				Description: "Real-time market data snapshot",
				Content:     map[string]any{"source": "sio", "kind": "market-data"},
			},
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
			Burst:             10,
		},
		Log: LogConfig{Level: "info"},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		cfg := Default()
		if err := cfg.Validate(); err != nil {
			return Config{}, err
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result. An empty
// document keeps the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, types.NewError(types.ErrConfigError, "decode config: %v", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	for i := range c.Resources {
		if c.Resources[i].Method == "" {
			c.Resources[i].Method = http.MethodGet
		}
	}
	if c.Protocol.ProgramID == "" && c.Protocol.ProgramSeed == "" {
		c.Protocol.ProgramSeed = DefaultProgramSeed
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks struct tags and the values they cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return types.NewError(types.ErrConfigError, "validation failed: %v", err)
	}

	if _, err := c.ProgramID(); err != nil {
		return types.NewError(types.ErrConfigError, "protocol.programId: %v", err)
	}

	if err := utils.ValidateAddress(c.Protocol.Recipient); err != nil {
		return types.NewError(types.ErrConfigError, "protocol.recipient: %v", err)
	}
	if _, err := solana.PublicKeyFromBase58(c.Protocol.Recipient); err != nil {
		return types.NewError(types.ErrConfigError, "protocol.recipient: %v", err)
	}

	if !strings.HasPrefix(c.Protocol.Network, "solana:") {
		return types.NewError(types.ErrConfigError, "protocol.network must be a solana network, got %q", c.Protocol.Network)
	}

	seen := make(map[string]bool, len(c.Resources))
	for _, r := range c.Resources {
		if seen[r.Name] {
			return types.NewError(types.ErrConfigError, "resource %q defined twice", r.Name)
		}
		seen[r.Name] = true

		if _, err := r.AtomicPrice(c.Protocol.TokenDecimals); err != nil {
			return types.NewError(types.ErrConfigError, "resource %q: %v", r.Name, err)
		}
	}

	return nil
}

// ProgramID returns the configured program id, or the one derived from the
// program seed.
func (c *Config) ProgramID() (solana.PublicKey, error) {
	if c.Protocol.ProgramID != "" {
		return solana.PublicKeyFromBase58(c.Protocol.ProgramID)
	}
	if c.Protocol.ProgramSeed == "" {
		return solana.PublicKey{}, fmt.Errorf("programId or programSeed is required")
	}
	return utils.DeriveProgramID(c.Protocol.ProgramSeed), nil
}

// Resource looks up a priced resource by name.
func (c *Config) Resource(name string) (ResourceConfig, bool) {
	for _, r := range c.Resources {
		if r.Name == name {
			return r, true
		}
	}
	return ResourceConfig{}, false
}

// AtomicPrice converts the decimal token price into base units.
func (r ResourceConfig) AtomicPrice(decimals int32) (uint64, error) {
	return utils.ToAtomicUnits(r.Price, decimals)
}

// Catalog lists the resources for the discovery endpoint.
func (c *Config) Catalog(prefix string) []types.DiscoveryResource {
	out := make([]types.DiscoveryResource, 0, len(c.Resources))
	for _, r := range c.Resources {
		out = append(out, types.DiscoveryResource{
			Endpoint:    prefix + r.Name,
			Cost:        r.Price,
			Description: r.Description,
			Method:      r.Method,
		})
	}
	return out
}
