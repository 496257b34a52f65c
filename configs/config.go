// Package configs loads and validates the kernel configuration from YAML.
// Unknown options are rejected at load so a typo never silently weakens the
// policy.
package configs

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	sentinel "github.com/nikillxh/sentinel"
	"github.com/nikillxh/sentinel/pkg/policy"
	"github.com/nikillxh/sentinel/pkg/types"
)

// Config is the full configuration file.
type Config struct {
	RPC       string          `yaml:"rpc"`
	Policy    PolicyYAML      `yaml:"policy"`
	Session   SessionYAML     `yaml:"session"`
	Contracts ContractsYAML   `yaml:"contracts"`
	Identity  IdentityYAML    `yaml:"identity"`
	Recorder  RecorderYAML    `yaml:"recorder"`
	Server    ServerYAML      `yaml:"server"`
}

// PolicyYAML mirrors the policy options. MaxTradePercent is a decimal
// fraction string ("0.02" = 2%).
type PolicyYAML struct {
	MaxTradePercent string   `yaml:"maxTradePercent"`
	MaxSlippageBps  uint32   `yaml:"maxSlippageBps"`
	AllowedDexes    []string `yaml:"allowedDexes"`
	AllowedAssets   []string `yaml:"allowedAssets"`
}

// SessionYAML mirrors the session options.
type SessionYAML struct {
	DefaultDepositUsdc   string `yaml:"defaultDepositUsdc"`
	MaxActionsPerSession int    `yaml:"maxActionsPerSession"`
	TimeoutMs            int    `yaml:"timeoutMs"`
}

// ContractsYAML is the address book of the on-chain deployment.
type ContractsYAML struct {
	PolicyGuard string `yaml:"policyGuard"`
	Vault       string `yaml:"vault"`
	Quoter      string `yaml:"quoter"`
	Pool        string `yaml:"pool"`
	USDC        string `yaml:"usdc"`
	WETH        string `yaml:"weth"`
}

// IdentityYAML configures the naming-registry anchor check.
type IdentityYAML struct {
	AgentName string `yaml:"agentName"`
	Registry  string `yaml:"registry"`
	Strict    bool   `yaml:"strict"`
}

// RecorderYAML configures the optional durable mirror.
type RecorderYAML struct {
	DSN string `yaml:"dsn"`
}

// ServerYAML configures the HTTP listener.
type ServerYAML struct {
	Listen string `yaml:"listen"`
}

// LoadConfig reads and strictly parses a config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig strictly parses config bytes: unknown keys are errors.
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return &config, nil
}

// ToPolicyConfig converts the YAML block into the engine's config.
func (c *Config) ToPolicyConfig() (policy.Config, error) {
	percent := c.Policy.MaxTradePercent
	if percent == "" {
		percent = "0.02"
	}
	// A decimal fraction with four places of precision maps directly onto
	// basis points: "0.02" -> 200.
	bps, err := types.ParseUnits(percent, 4)
	if err != nil {
		return policy.Config{}, fmt.Errorf("policy.maxTradePercent: %w", err)
	}
	if !bps.IsUint64() || bps.Uint64() == 0 || bps.Uint64() > 10_000 {
		return policy.Config{}, fmt.Errorf("policy.maxTradePercent %q out of range", percent)
	}

	slippage := c.Policy.MaxSlippageBps
	if slippage == 0 {
		slippage = 50
	}
	dexes := c.Policy.AllowedDexes
	if len(dexes) == 0 {
		dexes = []string{sentinel.DefaultDex}
	}
	assetNames := c.Policy.AllowedAssets
	if len(assetNames) == 0 {
		assetNames = []string{string(types.AssetUSDC), string(types.AssetETH)}
	}
	assets := make([]types.Asset, 0, len(assetNames))
	for _, name := range assetNames {
		asset, err := types.ParseAsset(name)
		if err != nil {
			return policy.Config{}, fmt.Errorf("policy.allowedAssets: %w", err)
		}
		assets = append(assets, asset)
	}
	return policy.Config{
		MaxTradeBps:    uint32(bps.Uint64()),
		MaxSlippageBps: slippage,
		AllowedDexes:   dexes,
		AllowedAssets:  assets,
	}, nil
}

// ToSessionConfig converts the YAML block into the kernel's session config.
func (c *Config) ToSessionConfig() (sentinel.SessionConfig, error) {
	deposit := c.Session.DefaultDepositUsdc
	if deposit == "" {
		deposit = "1000"
	}
	depositUnits, err := types.ParseUnits(deposit, types.AssetUSDC.Decimals())
	if err != nil {
		return sentinel.SessionConfig{}, fmt.Errorf("session.defaultDepositUsdc: %w", err)
	}
	maxActions := c.Session.MaxActionsPerSession
	if maxActions == 0 {
		maxActions = 50
	}
	timeoutMs := c.Session.TimeoutMs
	if timeoutMs == 0 {
		timeoutMs = 30_000
	}
	return sentinel.SessionConfig{
		DefaultDepositUsdc:   depositUnits,
		MaxActionsPerSession: maxActions,
		Timeout:              time.Duration(timeoutMs) * time.Millisecond,
	}, nil
}
