// Package config loads and validates the relay's typed configuration:
// accounts, strategy routing, protected port, policy overrides, startup
// budgets, circuit thresholds, and the restart-window policy.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// OpClass is the operation classification used by the retry/backoff
// policy table and the circuit breaker.
type OpClass string

const (
	OpClassCritical    OpClass = "CRITICAL"
	OpClassImportant   OpClass = "IMPORTANT"
	OpClassNonCritical OpClass = "NON_CRITICAL"
)

// RetryPolicy is the retry/backoff behavior for one operation class.
type RetryPolicy struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	PerAttemptTimeout time.Duration `yaml:"per_attempt_timeout"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	BackoffMultiple   float64       `yaml:"backoff_multiple"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
}

// CircuitPolicy is the breaker threshold configuration for one
// operation class.
type CircuitPolicy struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenDuration     time.Duration `yaml:"open_duration"`
	HalfOpenProbes   int           `yaml:"half_open_probes"`
}

// StartupBudgets are the soft/hard timeouts per startup phase. Every
// phase carries a budget, including REGISTERED and LAUNCHING: a
// browser whose pid is never observed on its port must still be hard-
// failed by the sweeper rather than waiting forever.
type StartupBudgets struct {
	Registered     PhaseBudget `yaml:"registered"`
	Launching      PhaseBudget `yaml:"launching"`
	Connecting     PhaseBudget `yaml:"connecting"`
	LoadingPage    PhaseBudget `yaml:"loading_page"`
	Authenticating PhaseBudget `yaml:"authenticating"`
}

// PhaseBudget holds the soft (warn) and hard (fail) timeout for a
// single startup phase.
type PhaseBudget struct {
	Soft time.Duration `yaml:"soft"`
	Hard time.Duration `yaml:"hard"`
}

// RestartWindowPolicy bounds restart attempts per account within a
// rolling window.
type RestartWindowPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Window      time.Duration `yaml:"window"`
}

// AccountConfig describes one Tradovate account bound to a browser
// instance and port.
type AccountConfig struct {
	AccountID  string `yaml:"account_id"`
	Port       int    `yaml:"port"`
	Username   string `yaml:"username"`
	Mode       string `yaml:"mode"` // DISABLED | PASSIVE | ACTIVE
}

// Config is the fully validated, in-memory configuration.
type Config struct {
	ProtectedPort      int                          `yaml:"-"`
	Accounts           []AccountConfig              `yaml:"accounts"`
	StrategyRouting    map[string][]string          `yaml:"strategy_routing"`
	RetryPolicies      map[OpClass]RetryPolicy       `yaml:"retry_policies"`
	CircuitPolicies    map[OpClass]CircuitPolicy     `yaml:"circuit_policies"`
	StartupBudgets     StartupBudgets               `yaml:"startup_budgets"`
	RestartWindow      RestartWindowPolicy          `yaml:"restart_window"`
	ScriptBundleLocation string                     `yaml:"script_bundle_location"`
	DefaultEnableTP    bool                         `yaml:"default_enable_tp"`
	DefaultEnableSL    bool                         `yaml:"default_enable_sl"`
	HTTPAddr           string                       `yaml:"http_addr"`
	MetricsAddr        string                       `yaml:"metrics_addr"`
	TradingHost        string                       `yaml:"trading_host"`
	RequiredPageFunctions []string                  `yaml:"required_page_functions"`
	LoginPathHints     []string                     `yaml:"login_path_hints"`
	HealthProbeInterval time.Duration               `yaml:"health_probe_interval"`
	HealthProbeTimeout time.Duration                `yaml:"health_probe_timeout"`
	PostgresDSN        string                       `yaml:"-"`
	AMQPURL            string                       `yaml:"-"`
	NATSUrl            string                       `yaml:"-"`
}

// Load reads the YAML config at path, overlays a dotenv file (if
// present) for the secrets that must never live in the checked-in
// config file, and validates the result.
func Load(path string, dotenvPath string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: load dotenv %s: %w", dotenvPath, err)
		}
	}

	if v := os.Getenv("RELAY_PROTECTED_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: RELAY_PROTECTED_PORT %q: %w", v, err)
		}
		cfg.ProtectedPort = p
	}
	cfg.PostgresDSN = os.Getenv("RELAY_POSTGRES_DSN")
	cfg.AMQPURL = os.Getenv("RELAY_AMQP_URL")
	cfg.NATSUrl = os.Getenv("RELAY_NATS_URL")

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.RetryPolicies == nil {
		cfg.RetryPolicies = map[OpClass]RetryPolicy{}
	}
	if cfg.CircuitPolicies == nil {
		cfg.CircuitPolicies = map[OpClass]CircuitPolicy{}
	}
	// Matches spec.md §4.2's policy table exactly: CRITICAL gets the
	// most attempts and the fastest (near-immediate) backoff since a
	// bracket leg in flight is worth retrying aggressively; NON_CRITICAL
	// gets a single attempt since it's not worth slowing the tab down
	// for a console-log read.
	defaultsRetry := map[OpClass]RetryPolicy{
		OpClassCritical:    {MaxAttempts: 3, PerAttemptTimeout: 10 * time.Second, InitialBackoff: 100 * time.Millisecond, BackoffMultiple: 2.5, MaxBackoff: 2 * time.Second},
		OpClassImportant:   {MaxAttempts: 2, PerAttemptTimeout: 5 * time.Second, InitialBackoff: 500 * time.Millisecond, BackoffMultiple: 2, MaxBackoff: 4 * time.Second},
		OpClassNonCritical: {MaxAttempts: 1, PerAttemptTimeout: 2 * time.Second, InitialBackoff: 0, BackoffMultiple: 1, MaxBackoff: 0},
	}
	for class, def := range defaultsRetry {
		if _, ok := cfg.RetryPolicies[class]; !ok {
			cfg.RetryPolicies[class] = def
		}
	}
	// Matches spec.md §4.3/§4.2's circuit thresholds: CRITICAL trips
	// fastest (3 consecutive failures) since its failures are the most
	// expensive to keep retrying against a wedged tab; NON_CRITICAL
	// tolerates the most (10) since its failures are cheap and common.
	defaultsCircuit := map[OpClass]CircuitPolicy{
		OpClassCritical:    {FailureThreshold: 3, OpenDuration: 30 * time.Second, HalfOpenProbes: 1},
		OpClassImportant:   {FailureThreshold: 5, OpenDuration: 30 * time.Second, HalfOpenProbes: 1},
		OpClassNonCritical: {FailureThreshold: 10, OpenDuration: 30 * time.Second, HalfOpenProbes: 1},
	}
	for class, def := range defaultsCircuit {
		if _, ok := cfg.CircuitPolicies[class]; !ok {
			cfg.CircuitPolicies[class] = def
		}
	}
	if cfg.StartupBudgets.Registered.Hard == 0 {
		cfg.StartupBudgets.Registered = PhaseBudget{Soft: 5 * time.Second, Hard: 20 * time.Second}
	}
	if cfg.StartupBudgets.Launching.Hard == 0 {
		cfg.StartupBudgets.Launching = PhaseBudget{Soft: 10 * time.Second, Hard: 30 * time.Second}
	}
	if cfg.StartupBudgets.Connecting.Hard == 0 {
		cfg.StartupBudgets.Connecting = PhaseBudget{Soft: 5 * time.Second, Hard: 15 * time.Second}
	}
	if cfg.StartupBudgets.LoadingPage.Hard == 0 {
		cfg.StartupBudgets.LoadingPage = PhaseBudget{Soft: 10 * time.Second, Hard: 30 * time.Second}
	}
	if cfg.StartupBudgets.Authenticating.Hard == 0 {
		cfg.StartupBudgets.Authenticating = PhaseBudget{Soft: 15 * time.Second, Hard: 45 * time.Second}
	}
	if cfg.RestartWindow.MaxAttempts == 0 {
		cfg.RestartWindow = RestartWindowPolicy{MaxAttempts: 3, Window: 10 * time.Minute}
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8700"
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9700"
	}
	if cfg.TradingHost == "" {
		cfg.TradingHost = "trader.tradovate.com"
	}
	if len(cfg.RequiredPageFunctions) == 0 {
		cfg.RequiredPageFunctions = []string{"autoTrade"}
	}
	if len(cfg.LoginPathHints) == 0 {
		cfg.LoginPathHints = []string{"/login", "/welcome"}
	}
	if cfg.HealthProbeInterval == 0 {
		cfg.HealthProbeInterval = 10 * time.Second
	}
	if cfg.HealthProbeTimeout == 0 {
		cfg.HealthProbeTimeout = 5 * time.Second
	}
}

// Validate checks structural invariants that the rest of the system
// relies on without re-checking: a protected port must be set and must
// not collide with any account port, account ids must be unique, and
// every strategy_routing target must name a configured account.
func (c *Config) Validate() error {
	if c.ProtectedPort == 0 {
		return fmt.Errorf("config: RELAY_PROTECTED_PORT must be set")
	}
	seen := map[string]bool{}
	byID := map[string]bool{}
	for _, a := range c.Accounts {
		if a.AccountID == "" {
			return fmt.Errorf("config: account with empty account_id")
		}
		if byID[a.AccountID] {
			return fmt.Errorf("config: duplicate account_id %q", a.AccountID)
		}
		byID[a.AccountID] = true
		if a.Port == c.ProtectedPort {
			return fmt.Errorf("config: account %q port %d collides with protected port", a.AccountID, a.Port)
		}
		key := fmt.Sprintf("%d", a.Port)
		if seen[key] {
			return fmt.Errorf("config: duplicate account port %d", a.Port)
		}
		seen[key] = true
		switch a.Mode {
		case "", "DISABLED", "PASSIVE", "ACTIVE":
		default:
			return fmt.Errorf("config: account %q invalid mode %q", a.AccountID, a.Mode)
		}
	}
	for tag, accounts := range c.StrategyRouting {
		for _, acc := range accounts {
			if !byID[acc] {
				return fmt.Errorf("config: strategy_routing[%q] references unknown account %q", tag, acc)
			}
		}
	}
	return nil
}
