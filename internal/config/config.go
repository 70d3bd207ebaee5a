package config

import (
	"math/big"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"launchwatch/internal/errs"
)

// Config is the nested configuration document. String values may embed
// ${ENV_NAME} placeholders which are substituted from the process
// environment at load time; a placeholder with no matching env var is fatal.
type Config struct {
	Chain      ChainConfig     `yaml:"chain" json:"chain"`
	Virtuals   VirtualsConfig  `yaml:"virtuals" json:"virtuals"`
	Addresses  AddressConfig   `yaml:"addresses" json:"addresses"`
	Thresholds ThresholdConfig `yaml:"thresholds" json:"thresholds"`
	Logging    LoggingConfig   `yaml:"logging" json:"logging"`
}

type ChainConfig struct {
	RPC RPCConfig `yaml:"rpc" json:"rpc"`
}

type RPCConfig struct {
	HTTP []string `yaml:"http" json:"http"`
	WSS  []string `yaml:"wss" json:"wss"`
}

type VirtualsConfig struct {
	APIBase              string `yaml:"apiBase" json:"apiBase"`
	PollIntervalMs       int    `yaml:"pollIntervalMs" json:"pollIntervalMs"`
	MaxProjectAgeMinutes int    `yaml:"maxProjectAgeMinutes" json:"maxProjectAgeMinutes"`
	PreferredTicker      string `yaml:"preferredTicker,omitempty" json:"preferredTicker,omitempty"`
}

type AddressConfig struct {
	BuybackAddr  string `yaml:"buybackAddr" json:"buybackAddr"`
	VirtualToken string `yaml:"virtualToken" json:"virtualToken"`
}

type ThresholdConfig struct {
	BigTradeVirtual          string `yaml:"bigTradeVirtual" json:"bigTradeVirtual"`
	TaxWindowMinutes         int    `yaml:"taxWindowMinutes" json:"taxWindowMinutes"`
	BuybackRateWindowMinutes int    `yaml:"buybackRateWindowMinutes" json:"buybackRateWindowMinutes"`
	StallAlertMinutes        int    `yaml:"stallAlertMinutes" json:"stallAlertMinutes"`
}

type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
}

var envPlaceholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
var addrPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Load reads, env-expands and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Configf("read %s: %v", path, err)
	}
	return Parse(data)
}

// Parse env-expands and validates a raw YAML document.
func Parse(data []byte) (*Config, error) {
	expanded, err := expandEnv(string(data))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, errs.Configf("parse yaml: %v", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func expandEnv(doc string) (string, error) {
	var missing []string
	out := envPlaceholder.ReplaceAllStringFunc(doc, func(m string) string {
		name := envPlaceholder.FindStringSubmatch(m)[1]
		val, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return m
		}
		return val
	})
	if len(missing) > 0 {
		return "", errs.Configf("missing environment variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func (c *Config) validate() error {
	if len(c.Chain.RPC.HTTP) == 0 {
		return errs.Configf("chain.rpc.http must list at least one endpoint")
	}
	if len(c.Chain.RPC.WSS) == 0 {
		return errs.Configf("chain.rpc.wss must list at least one endpoint")
	}
	if c.Virtuals.APIBase == "" {
		return errs.Configf("virtuals.apiBase is required")
	}
	if c.Virtuals.PollIntervalMs <= 0 {
		c.Virtuals.PollIntervalMs = 15000
	}
	if !addrPattern.MatchString(c.Addresses.BuybackAddr) {
		return errs.Configf("addresses.buybackAddr %q is not a 0x-prefixed 40-hex address", c.Addresses.BuybackAddr)
	}
	if !addrPattern.MatchString(c.Addresses.VirtualToken) {
		return errs.Configf("addresses.virtualToken %q is not a 0x-prefixed 40-hex address", c.Addresses.VirtualToken)
	}
	if _, err := c.BigTradeThreshold(); err != nil {
		return err
	}
	if c.Thresholds.TaxWindowMinutes <= 0 {
		return errs.Configf("thresholds.taxWindowMinutes must be positive")
	}
	if c.Thresholds.BuybackRateWindowMinutes <= 0 {
		return errs.Configf("thresholds.buybackRateWindowMinutes must be positive")
	}
	if c.Thresholds.StallAlertMinutes <= 0 {
		return errs.Configf("thresholds.stallAlertMinutes must be positive")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return errs.Configf("logging.level %q is not one of debug|info|warn|error", c.Logging.Level)
	}
	return nil
}

// BigTradeThreshold parses the whale threshold as an absolute amount in base
// units.
func (c *Config) BigTradeThreshold() (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(c.Thresholds.BigTradeVirtual), 10)
	if !ok || v.Sign() <= 0 {
		return nil, errs.Configf("thresholds.bigTradeVirtual %q is not a positive integer", c.Thresholds.BigTradeVirtual)
	}
	return v, nil
}

func (c *Config) TaxWindow() time.Duration {
	return time.Duration(c.Thresholds.TaxWindowMinutes) * time.Minute
}

func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.Thresholds.BuybackRateWindowMinutes) * time.Minute
}

func (c *Config) StallAlert() time.Duration {
	return time.Duration(c.Thresholds.StallAlertMinutes) * time.Minute
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Virtuals.PollIntervalMs) * time.Millisecond
}

func (c *Config) MaxProjectAge() time.Duration {
	return time.Duration(c.Virtuals.MaxProjectAgeMinutes) * time.Minute
}

func (c *Config) DebugLogging() bool {
	return strings.EqualFold(c.Logging.Level, "debug")
}

// Redacted returns a copy safe to serve over /api/config: endpoint URLs lose
// embedded credentials and query strings (provider API keys live there).
func (c *Config) Redacted() Config {
	out := *c
	out.Chain.RPC.HTTP = redactURLs(c.Chain.RPC.HTTP)
	out.Chain.RPC.WSS = redactURLs(c.Chain.RPC.WSS)
	return out
}

func redactURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		out = append(out, RedactURL(raw))
	}
	return out
}

// RedactURL strips userinfo and query parameters from an endpoint URL,
// keeping scheme/host/path for debugging.
func RedactURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" {
		return raw
	}
	u.User = nil
	u.RawQuery = ""
	// Common pattern: the API key is the last path segment.
	if segs := strings.Split(strings.Trim(u.Path, "/"), "/"); len(segs) > 0 && len(segs[len(segs)-1]) >= 20 {
		segs[len(segs)-1] = "****"
		u.Path = "/" + strings.Join(segs, "/")
	}
	return u.String()
}

// EnvPort reads a port override from the environment, falling back to def.
func EnvPort(name string, def int) int {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < 65536 {
			return n
		}
	}
	return def
}
