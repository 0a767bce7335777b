package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// MaxBps is the basis-point denominator.
const MaxBps = 10_000

// Config models paykit.yml.
type Config struct {
	Settlement    Settlement      `yaml:"settlement" json:"settlement"`
	Fees          Fees            `yaml:"fees" json:"fees"`
	Intents       Intents         `yaml:"intents" json:"intents"`
	Oracle        Oracle          `yaml:"oracle" json:"oracle"`
	Refunds       Refunds         `yaml:"refunds" json:"refunds"`
	Signing       Signing         `yaml:"signing" json:"signing"`
	Webhooks      []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
	Collaborators Collaborators   `yaml:"collaborators,omitempty" json:"collaborators,omitempty"`
}

type Settlement struct {
	Currency        string `yaml:"currency" json:"currency"`
	NativeCurrency  string `yaml:"native_currency" json:"native_currency"`
	EscrowAddress   string `yaml:"escrow_address" json:"escrow_address"`
	OperatorAddress string `yaml:"operator_address" json:"operator_address"`
	ChainID         int64  `yaml:"chain_id" json:"chain_id"`
}

type Fees struct {
	PlatformFeeBps uint64 `yaml:"platform_fee_bps" json:"platform_fee_bps"`
	OperatorFeeBps uint64 `yaml:"operator_fee_bps" json:"operator_fee_bps"`
}

type Intents struct {
	MaxDeadlineHorizon time.Duration `yaml:"max_deadline_horizon" json:"max_deadline_horizon"`
	MaxSlippageBps     uint64        `yaml:"max_slippage_bps" json:"max_slippage_bps"`
	Origin             string        `yaml:"origin" json:"origin"`
}

type Oracle struct {
	QuoteToleranceBps   uint64 `yaml:"quote_tolerance_bps" json:"quote_tolerance_bps"`
	MaxPriceImpactBps   uint64 `yaml:"max_price_impact_bps" json:"max_price_impact_bps"`
	LargeTradeThreshold uint64 `yaml:"large_trade_threshold" json:"large_trade_threshold"`
}

type Refunds struct {
	DisputeWindow time.Duration `yaml:"dispute_window" json:"dispute_window"`
}

// Signing is the EIP-712 domain used for intent and permit hashes.
type Signing struct {
	DomainName    string `yaml:"domain_name" json:"domain_name"`
	DomainVersion string `yaml:"domain_version" json:"domain_version"`
	PermitDomain  string `yaml:"permit_domain" json:"permit_domain"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Collaborators holds base URLs of the external services reached over HTTP.
type Collaborators struct {
	CatalogURL     string `yaml:"catalog_url,omitempty" json:"catalog_url,omitempty"`
	OracleURL      string `yaml:"oracle_url,omitempty" json:"oracle_url,omitempty"`
	EscrowURL      string `yaml:"escrow_url,omitempty" json:"escrow_url,omitempty"`
	AccessURL      string `yaml:"access_url,omitempty" json:"access_url,omitempty"`
	RecorderURL    string `yaml:"recorder_url,omitempty" json:"recorder_url,omitempty"`
	LoyaltyURL     string `yaml:"loyalty_url,omitempty" json:"loyalty_url,omitempty"`
	StatsURL       string `yaml:"stats_url,omitempty" json:"stats_url,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// SettlementCurrency returns the configured settlement token.
func (c *Config) SettlementCurrency() common.Address {
	return common.HexToAddress(c.Settlement.Currency)
}

// NativeCurrency returns the native unit accepted directly by escrow.
func (c *Config) NativeCurrency() common.Address {
	return common.HexToAddress(c.Settlement.NativeCurrency)
}

func (c *Config) EscrowAddress() common.Address {
	return common.HexToAddress(c.Settlement.EscrowAddress)
}

func (c *Config) OperatorAddress() common.Address {
	return common.HexToAddress(c.Settlement.OperatorAddress)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for name, addr := range map[string]string{
		"settlement.currency":         c.Settlement.Currency,
		"settlement.escrow_address":   c.Settlement.EscrowAddress,
		"settlement.operator_address": c.Settlement.OperatorAddress,
	} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("config.%s must be a hex address", name)
		}
		if common.HexToAddress(addr) == (common.Address{}) {
			return fmt.Errorf("config.%s must not be the zero address", name)
		}
	}
	if c.Settlement.NativeCurrency != "" && !common.IsHexAddress(c.Settlement.NativeCurrency) {
		return fmt.Errorf("config.settlement.native_currency must be a hex address")
	}
	if c.Settlement.ChainID <= 0 {
		return fmt.Errorf("config.settlement.chain_id must be positive")
	}
	if c.Fees.PlatformFeeBps+c.Fees.OperatorFeeBps >= MaxBps {
		return fmt.Errorf("config.fees: platform + operator fee must stay below %d bps", MaxBps)
	}
	if c.Intents.MaxDeadlineHorizon <= 0 {
		return fmt.Errorf("config.intents.max_deadline_horizon must be positive")
	}
	if c.Intents.MaxSlippageBps > MaxBps {
		return fmt.Errorf("config.intents.max_slippage_bps exceeds %d", MaxBps)
	}
	if strings.TrimSpace(c.Intents.Origin) == "" {
		return fmt.Errorf("config.intents.origin is required")
	}
	if c.Oracle.QuoteToleranceBps > MaxBps || c.Oracle.MaxPriceImpactBps > MaxBps {
		return fmt.Errorf("config.oracle tolerances must not exceed %d bps", MaxBps)
	}
	if c.Refunds.DisputeWindow < 0 {
		return fmt.Errorf("config.refunds.dispute_window must not be negative")
	}
	if c.Signing.DomainName == "" || c.Signing.DomainVersion == "" {
		return fmt.Errorf("config.signing.domain_name and domain_version are required")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "paykit.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing sections
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `settlement:
  currency: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
  native_currency: "0x0000000000000000000000000000000000000000"
  escrow_address: "0x000000000000000000000000000000000000E5C0"
  operator_address: "0x00000000000000000000000000000000000000A1"
  chain_id: 8453

fees:
  platform_fee_bps: 250
  operator_fee_bps: 50

intents:
  max_deadline_horizon: 168h
  max_slippage_bps: 1000
  origin: paykit

oracle:
  quote_tolerance_bps: 500
  max_price_impact_bps: 1000
  large_trade_threshold: 10000000000

refunds:
  dispute_window: 72h

signing:
  domain_name: Paykit
  domain_version: "1"
  permit_domain: Permit2
`
