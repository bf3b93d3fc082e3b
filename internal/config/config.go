// Package config defines the balancer's immutable run parameters and the
// flag/environment surface used to populate them.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// VMSelectionOrder controls which end of the migratable-VM size ordering
// MigrationStrategy picks from.
type VMSelectionOrder string

const (
	SmallestFirst VMSelectionOrder = "smallest-first"
	LargestFirst  VMSelectionOrder = "largest-first"
)

// Config is the immutable set of per-run parameters (C1). It is built once
// at startup and never mutated afterwards; every component receives a
// pointer to the same value.
type Config struct {
	Host     string
	Username string
	Password string
	VerifySSL bool

	BalanceInterval time.Duration
	Once            bool
	DryRun          bool

	ClusterIDs          []string
	ExcludeSourceNodes  []string
	ExcludeTargetNodes  []string

	CPUOverloadThreshold    float64
	MemoryOverloadThreshold float64
	CPUTargetThreshold      float64
	MemoryTargetThreshold   float64

	MaxMigrationsPerCycle int
	MigrationTimeout      time.Duration

	HistoryRetention   time.Duration
	BlacklistRetention time.Duration
	VMSelectionOrder   VMSelectionOrder
	ReauthIdle         time.Duration
	LedgerDBPath       string

	LogLevel    string
	MetricsAddr string
}

// Error represents a configuration validation failure. Fatal at startup.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// RegisterFlags attaches the full C1 flag surface to cmd. Every flag except
// --once and --dry-run has an env fallback, listed in envBindings; those two
// are flag-only.
func RegisterFlags(cmd *cobra.Command) {
	fs := cmd.Flags()

	fs.String("host", "", "base URL of the VM manager API")
	fs.String("username", "", "VM manager account email")
	fs.String("password", "", "VM manager account password")
	fs.Bool("verify-ssl", true, "verify the VM manager's TLS certificate")

	fs.Duration("interval", 600*time.Second, "sleep between balance cycles")
	fs.Bool("once", false, "run a single cycle per configured cluster and exit")
	fs.Bool("dry-run", false, "log intended migrations without submitting them")

	fs.String("cluster-ids", "", "comma-separated cluster ids to restrict balancing to (empty = all)")
	fs.String("exclude-source-nodes", "", "comma-separated node names/ids never treated as a source")
	fs.String("exclude-target-nodes", "", "comma-separated node names/ids never treated as a target")

	fs.Float64("cpu-overload-threshold", 7.0, "cpu allocation ratio above which a node is a source candidate")
	fs.Float64("memory-overload-threshold", 70.0, "memory usage percent above which a node is a source candidate")
	fs.Float64("cpu-target-threshold", 6.0, "cpu allocation ratio below which a node is target-eligible")
	fs.Float64("memory-target-threshold", 80.0, "memory usage percent below which a node is target-eligible")

	fs.Int("max-migrations-per-cycle", 1, "migration cap per cluster per cycle")
	fs.Duration("migration-timeout", 1800*time.Second, "upper bound on waiting for one migration job")

	fs.Duration("history-timeout", 3600*time.Second, "cooldown after a successful migration before retry")
	fs.Duration("blacklist-timeout", 3600*time.Second, "cooldown after a failed migration before retry")
	fs.String("vm-selection", string(SmallestFirst), "candidate ordering: smallest-first or largest-first")
	fs.Duration("reauth-idle", 900*time.Second, "re-authenticate proactively after this much idle session time")
	fs.String("ledger-db-path", "vm_balancer_ledger.db", "sqlite path for history/blacklist persistence (empty disables)")

	fs.String("log-level", "info", "zap log level")
	fs.String("metrics-addr", "", "address to serve prometheus metrics on (empty disables)")
}

// envBindings maps flag name to the environment variable named in the
// external-interfaces contract.
var envBindings = map[string]string{
	"host":                       "VMMANAGER_HOST",
	"username":                   "VMMANAGER_USERNAME",
	"password":                   "VMMANAGER_PASSWORD",
	"verify-ssl":                 "VERIFY_SSL",
	"interval":                   "BALANCE_INTERVAL",
	"cluster-ids":                "CLUSTER_IDS",
	"cpu-overload-threshold":     "CPU_OVERLOAD_THRESHOLD",
	"memory-overload-threshold":  "MEMORY_OVERLOAD_THRESHOLD",
	"cpu-target-threshold":       "CPU_TARGET_THRESHOLD",
	"memory-target-threshold":    "MEMORY_TARGET_THRESHOLD",
	"exclude-source-nodes":       "EXCLUDE_SOURCE_NODES",
	"exclude-target-nodes":       "EXCLUDE_TARGET_NODES",
	"max-migrations-per-cycle":   "MAX_MIGRATIONS_PER_CYCLE",
	"migration-timeout":          "MIGRATION_TIMEOUT",
	"history-timeout":            "HISTORY_TIMEOUT",
	"blacklist-timeout":          "BLACKLIST_TIMEOUT",
	"vm-selection":               "VM_SELECTION",
	"reauth-idle":                "REAUTH_IDLE",
	"ledger-db-path":             "LEDGER_DB_PATH",
	"log-level":                  "LOG_LEVEL",
	"metrics-addr":               "METRICS_ADDR",
}

// Load binds cmd's flags through viper (flag > env > default) and produces
// a validated Config.
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("config: bind flags: %w", err)
	}
	for flag, env := range envBindings {
		if err := v.BindEnv(flag, env); err != nil {
			return nil, fmt.Errorf("config: bind env %s: %w", env, err)
		}
	}

	cfg := &Config{
		Host:      v.GetString("host"),
		Username:  v.GetString("username"),
		Password:  v.GetString("password"),
		VerifySSL: v.GetBool("verify-ssl"),

		BalanceInterval: v.GetDuration("interval"),
		Once:            v.GetBool("once"),
		DryRun:          v.GetBool("dry-run"),

		ClusterIDs:         parseList(v.GetString("cluster-ids")),
		ExcludeSourceNodes: parseList(v.GetString("exclude-source-nodes")),
		ExcludeTargetNodes: parseList(v.GetString("exclude-target-nodes")),

		CPUOverloadThreshold:    v.GetFloat64("cpu-overload-threshold"),
		MemoryOverloadThreshold: v.GetFloat64("memory-overload-threshold"),
		CPUTargetThreshold:      v.GetFloat64("cpu-target-threshold"),
		MemoryTargetThreshold:   v.GetFloat64("memory-target-threshold"),

		MaxMigrationsPerCycle: v.GetInt("max-migrations-per-cycle"),
		MigrationTimeout:      v.GetDuration("migration-timeout"),

		HistoryRetention:   v.GetDuration("history-timeout"),
		BlacklistRetention: v.GetDuration("blacklist-timeout"),
		VMSelectionOrder:   VMSelectionOrder(v.GetString("vm-selection")),
		ReauthIdle:         v.GetDuration("reauth-idle"),
		LedgerDBPath:       v.GetString("ledger-db-path"),

		LogLevel:    v.GetString("log-level"),
		MetricsAddr: v.GetString("metrics-addr"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the invariants required by §4.1: the password is
// present, thresholds are ordered so the loop cannot oscillate, and the
// comparator name is recognised.
func (c *Config) Validate() error {
	if c.Host == "" {
		return &Error{Field: "host", Message: "required"}
	}
	if c.Username == "" {
		return &Error{Field: "username", Message: "required"}
	}
	if c.Password == "" {
		return &Error{Field: "password", Message: "required"}
	}

	if c.CPUTargetThreshold > c.CPUOverloadThreshold {
		return &Error{Field: "cpu-target-threshold", Message: "must be <= cpu-overload-threshold"}
	}
	if c.MemoryTargetThreshold > c.MemoryOverloadThreshold {
		return &Error{Field: "memory-target-threshold", Message: "must be <= memory-overload-threshold"}
	}
	if c.MaxMigrationsPerCycle <= 0 {
		return &Error{Field: "max-migrations-per-cycle", Message: "must be greater than 0"}
	}
	if c.MigrationTimeout <= 0 {
		return &Error{Field: "migration-timeout", Message: "must be greater than 0"}
	}
	if c.BalanceInterval <= 0 {
		return &Error{Field: "interval", Message: "must be greater than 0"}
	}
	switch c.VMSelectionOrder {
	case SmallestFirst, LargestFirst:
	default:
		return &Error{Field: "vm-selection", Message: "must be smallest-first or largest-first"}
	}

	return nil
}

// parseList implements the comma-separated, whitespace-trimmed,
// "#"-comment-stripped list convention shared by every list-valued env var.
func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if idx := strings.IndexByte(part, '#'); idx >= 0 {
			part = part[:idx]
		}
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
