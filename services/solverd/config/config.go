package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for solverd.
type Config struct {
	ListenAddress string            `yaml:"listen" toml:"listen"`
	Environment   string            `yaml:"env" toml:"env"`
	Database      DatabaseConfig    `yaml:"database" toml:"database"`
	Log           LogConfig         `yaml:"log" toml:"log"`
	Scanner       ScannerConfig     `yaml:"scanner" toml:"scanner"`
	TxExec        TxExecConfig      `yaml:"txexec" toml:"txexec"`
	Nonce         NonceConfig       `yaml:"nonce" toml:"nonce"`
	Coordinator   CoordinatorConfig `yaml:"coordinator" toml:"coordinator"`
	Networks      []Network         `yaml:"networks" toml:"networks"`
	Routes        []Route           `yaml:"routes" toml:"routes"`
}

// DatabaseConfig selects the gorm driver.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// LogConfig configures the optional rotating log file.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// ScannerConfig tunes the block event scanners.
type ScannerConfig struct {
	BatchSize     uint64   `yaml:"batch_size" toml:"batch_size"`
	Overlap       uint64   `yaml:"overlap" toml:"overlap"`
	Concurrency   int      `yaml:"concurrency" toml:"concurrency"`
	WaitInterval  Duration `yaml:"wait_interval" toml:"wait_interval"`
	MaxIterations int      `yaml:"max_iterations" toml:"max_iterations"`
	DedupCapacity int      `yaml:"dedup_capacity" toml:"dedup_capacity"`
	RestartDelay  Duration `yaml:"restart_delay" toml:"restart_delay"`
	SyncInterval  Duration `yaml:"sync_interval" toml:"sync_interval"`
}

// TxExecConfig tunes transaction submission retries and confirmation polling.
type TxExecConfig struct {
	MaxAttempts         int      `yaml:"max_attempts" toml:"max_attempts"`
	InitialBackoff      Duration `yaml:"initial_backoff" toml:"initial_backoff"`
	MaxBackoff          Duration `yaml:"max_backoff" toml:"max_backoff"`
	ConfirmPollInterval Duration `yaml:"confirm_poll_interval" toml:"confirm_poll_interval"`
	ConfirmTimeout      Duration `yaml:"confirm_timeout" toml:"confirm_timeout"`
}

// NonceConfig tunes nonce reservation.
type NonceConfig struct {
	TTL       Duration `yaml:"ttl" toml:"ttl"`
	LockLease Duration `yaml:"lock_lease" toml:"lock_lease"`
	LockWait  Duration `yaml:"lock_wait" toml:"lock_wait"`
	LockRetry Duration `yaml:"lock_retry" toml:"lock_retry"`
}

// CoordinatorConfig tunes swap workflow step retries.
type CoordinatorConfig struct {
	StepTimeout         Duration `yaml:"step_timeout" toml:"step_timeout"`
	StepRetryMaxElapsed Duration `yaml:"step_retry_max_elapsed" toml:"step_retry_max_elapsed"`
	PollInterval        Duration `yaml:"poll_interval" toml:"poll_interval"`
	TxTimeout           Duration `yaml:"tx_timeout" toml:"tx_timeout"`
}

// Network describes a chain the solver operates on.
type Network struct {
	Name           string   `yaml:"name" toml:"name"`
	Type           string   `yaml:"type" toml:"type"`
	ChainID        int64    `yaml:"chain_id" toml:"chain_id"`
	RPC            string   `yaml:"rpc" toml:"rpc"`
	HTLCContract   string   `yaml:"htlc_contract" toml:"htlc_contract"`
	Confirmations  uint64   `yaml:"confirmations" toml:"confirmations"`
	FeeModel       string   `yaml:"fee_model" toml:"fee_model"`
	GasLimit       uint64   `yaml:"gas_limit" toml:"gas_limit"`
	SolverAddress  string   `yaml:"solver_address" toml:"solver_address"`
	SignerKeyEnv   string   `yaml:"signer_key_env" toml:"signer_key_env"`
	SignerKeyFile  string   `yaml:"signer_key_file" toml:"signer_key_file"`
	SignerAgentURL string   `yaml:"signer_agent_url" toml:"signer_agent_url"`
	RateLimit      float64  `yaml:"rate_limit" toml:"rate_limit"`
	Scan           bool     `yaml:"scan" toml:"scan"`
	NativeToken    string   `yaml:"native_token" toml:"native_token"`
	Tokens         []Token  `yaml:"tokens" toml:"tokens"`
	RequestTimeout Duration `yaml:"request_timeout" toml:"request_timeout"`
}

// Token describes an asset available on a network. An empty contract denotes the native asset.
type Token struct {
	Symbol   string          `yaml:"symbol" toml:"symbol"`
	Contract string          `yaml:"contract" toml:"contract"`
	Decimals int32           `yaml:"decimals" toml:"decimals"`
	PriceUSD decimal.Decimal `yaml:"price_usd" toml:"price_usd"`
}

// Route declares a supported swap direction and its limits.
type Route struct {
	SourceNetwork      string          `yaml:"source_network" toml:"source_network"`
	SourceToken        string          `yaml:"source_token" toml:"source_token"`
	DestinationNetwork string          `yaml:"destination_network" toml:"destination_network"`
	DestinationToken   string          `yaml:"destination_token" toml:"destination_token"`
	MinAmount          decimal.Decimal `yaml:"min_amount" toml:"min_amount"`
	MaxAmount          decimal.Decimal `yaml:"max_amount" toml:"max_amount"`
	Rate               decimal.Decimal `yaml:"rate" toml:"rate"`
	ServiceFeeBps      int64           `yaml:"service_fee_bps" toml:"service_fee_bps"`
	Active             *bool           `yaml:"active" toml:"active"`
}

// IsActive defaults unset routes to active.
func (r Route) IsActive() bool {
	return r.Active == nil || *r.Active
}

// SignerKey resolves the hex private key for a network from the environment or a file.
func (n Network) SignerKey() (string, error) {
	if env := strings.TrimSpace(n.SignerKeyEnv); env != "" {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			return v, nil
		}
	}
	if path := strings.TrimSpace(n.SignerKeyFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read signer key file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return "", fmt.Errorf("network %s: signer key not configured", n.Name)
}

// Load reads configuration from the supplied path. Files ending in .toml are decoded as TOML,
// everything else as YAML.
func Load(path string) (Config, error) {
	cfg := Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	default:
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Environment == "" {
		cfg.Environment = os.Getenv("SOLVER_ENV")
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "/var/data/solverd.sqlite"
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups <= 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Log.MaxAgeDays <= 0 {
		cfg.Log.MaxAgeDays = 14
	}
	if cfg.Scanner.BatchSize == 0 {
		cfg.Scanner.BatchSize = 100
	}
	if cfg.Scanner.Overlap == 0 {
		cfg.Scanner.Overlap = 15
	}
	if cfg.Scanner.Concurrency <= 0 {
		cfg.Scanner.Concurrency = 4
	}
	if cfg.Scanner.WaitInterval.Duration == 0 {
		cfg.Scanner.WaitInterval.Duration = 5 * time.Second
	}
	if cfg.Scanner.MaxIterations <= 0 {
		cfg.Scanner.MaxIterations = 1000
	}
	if cfg.Scanner.DedupCapacity <= 0 {
		cfg.Scanner.DedupCapacity = 10_000
	}
	if cfg.Scanner.RestartDelay.Duration == 0 {
		cfg.Scanner.RestartDelay.Duration = 10 * time.Second
	}
	if cfg.Scanner.SyncInterval.Duration == 0 {
		cfg.Scanner.SyncInterval.Duration = time.Minute
	}
	if cfg.TxExec.MaxAttempts <= 0 {
		cfg.TxExec.MaxAttempts = 5
	}
	if cfg.TxExec.InitialBackoff.Duration == 0 {
		cfg.TxExec.InitialBackoff.Duration = time.Second
	}
	if cfg.TxExec.MaxBackoff.Duration == 0 {
		cfg.TxExec.MaxBackoff.Duration = 30 * time.Second
	}
	if cfg.TxExec.ConfirmPollInterval.Duration == 0 {
		cfg.TxExec.ConfirmPollInterval.Duration = 3 * time.Second
	}
	if cfg.TxExec.ConfirmTimeout.Duration == 0 {
		cfg.TxExec.ConfirmTimeout.Duration = 10 * time.Minute
	}
	if cfg.Nonce.TTL.Duration == 0 {
		cfg.Nonce.TTL.Duration = 72 * time.Hour
	}
	if cfg.Nonce.LockLease.Duration == 0 {
		cfg.Nonce.LockLease.Duration = 30 * time.Second
	}
	if cfg.Nonce.LockWait.Duration == 0 {
		cfg.Nonce.LockWait.Duration = 10 * time.Second
	}
	if cfg.Nonce.LockRetry.Duration == 0 {
		cfg.Nonce.LockRetry.Duration = 100 * time.Millisecond
	}
	if cfg.Coordinator.StepTimeout.Duration == 0 {
		cfg.Coordinator.StepTimeout.Duration = 2 * time.Minute
	}
	if cfg.Coordinator.StepRetryMaxElapsed.Duration == 0 {
		cfg.Coordinator.StepRetryMaxElapsed.Duration = 5 * time.Minute
	}
	if cfg.Coordinator.PollInterval.Duration == 0 {
		cfg.Coordinator.PollInterval.Duration = 5 * time.Second
	}
	if cfg.Coordinator.TxTimeout.Duration == 0 {
		cfg.Coordinator.TxTimeout.Duration = 20 * time.Minute
	}
	for i := range cfg.Networks {
		n := &cfg.Networks[i]
		n.Name = strings.ToLower(strings.TrimSpace(n.Name))
		if n.Type == "" {
			n.Type = "evm"
		}
		if n.FeeModel == "" {
			n.FeeModel = "eip1559"
		}
		if n.GasLimit == 0 {
			n.GasLimit = 300_000
		}
		if n.Confirmations == 0 {
			n.Confirmations = 1
		}
		if n.RateLimit <= 0 {
			n.RateLimit = 10
		}
		if n.RequestTimeout.Duration == 0 {
			n.RequestTimeout.Duration = 15 * time.Second
		}
		if n.NativeToken == "" {
			n.NativeToken = "ETH"
		}
	}
	for i := range cfg.Routes {
		r := &cfg.Routes[i]
		r.SourceNetwork = strings.ToLower(strings.TrimSpace(r.SourceNetwork))
		r.DestinationNetwork = strings.ToLower(strings.TrimSpace(r.DestinationNetwork))
	}
}

func validate(cfg Config) error {
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", cfg.Database.Driver)
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return errors.New("database.dsn must be configured")
	}
	if len(cfg.Networks) == 0 {
		return errors.New("at least one network must be configured")
	}
	if cfg.Scanner.Overlap >= cfg.Scanner.BatchSize*uint64(cfg.Scanner.Concurrency) {
		return errors.New("scanner.overlap must be smaller than one group of ranges")
	}
	tokens := make(map[string]map[string]struct{})
	for _, n := range cfg.Networks {
		if n.Name == "" {
			return errors.New("network name must be configured")
		}
		if _, dup := tokens[n.Name]; dup {
			return fmt.Errorf("network %s configured twice", n.Name)
		}
		if n.Type != "evm" {
			return fmt.Errorf("network %s: unsupported type %q", n.Name, n.Type)
		}
		if n.FeeModel != "legacy" && n.FeeModel != "eip1559" {
			return fmt.Errorf("network %s: fee_model must be legacy or eip1559", n.Name)
		}
		if strings.TrimSpace(n.RPC) == "" {
			return fmt.Errorf("network %s: rpc must be configured", n.Name)
		}
		if strings.TrimSpace(n.HTLCContract) == "" {
			return fmt.Errorf("network %s: htlc_contract must be configured", n.Name)
		}
		if strings.TrimSpace(n.SolverAddress) == "" {
			return fmt.Errorf("network %s: solver_address must be configured", n.Name)
		}
		if n.SignerKeyEnv == "" && n.SignerKeyFile == "" {
			return fmt.Errorf("network %s: signer_key_env or signer_key_file must be configured", n.Name)
		}
		symbols := make(map[string]struct{})
		for _, t := range n.Tokens {
			sym := strings.ToUpper(strings.TrimSpace(t.Symbol))
			if sym == "" {
				return fmt.Errorf("network %s: token symbol must be configured", n.Name)
			}
			if t.Decimals < 0 || t.Decimals > 36 {
				return fmt.Errorf("network %s: token %s decimals out of range", n.Name, sym)
			}
			symbols[sym] = struct{}{}
		}
		tokens[n.Name] = symbols
	}
	for _, r := range cfg.Routes {
		label := fmt.Sprintf("%s:%s->%s:%s", r.SourceNetwork, r.SourceToken, r.DestinationNetwork, r.DestinationToken)
		src, ok := tokens[r.SourceNetwork]
		if !ok {
			return fmt.Errorf("route %s: unknown source network", label)
		}
		dst, ok := tokens[r.DestinationNetwork]
		if !ok {
			return fmt.Errorf("route %s: unknown destination network", label)
		}
		if _, ok := src[strings.ToUpper(r.SourceToken)]; !ok {
			return fmt.Errorf("route %s: unknown source token", label)
		}
		if _, ok := dst[strings.ToUpper(r.DestinationToken)]; !ok {
			return fmt.Errorf("route %s: unknown destination token", label)
		}
		if !r.Rate.IsPositive() {
			return fmt.Errorf("route %s: rate must be positive", label)
		}
		if r.MinAmount.IsNegative() || (r.MaxAmount.IsPositive() && r.MaxAmount.LessThan(r.MinAmount)) {
			return fmt.Errorf("route %s: invalid amount limits", label)
		}
		if r.ServiceFeeBps < 0 || r.ServiceFeeBps >= 10_000 {
			return fmt.Errorf("route %s: service_fee_bps out of range", label)
		}
	}
	return nil
}
