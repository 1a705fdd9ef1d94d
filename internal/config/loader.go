package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/heuristd/internal/heuristics"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// Load loads configuration from a YAML file, then overrides with environment
// variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (SERVER_PORT, STORE_PATH, HEURISTICS_...)
//  2. YAML config file (~/.config/heuristd/config.yaml)
//  3. Built-in defaults
//
// The configPath parameter specifies the YAML file to load. If empty, the
// default path is used and a missing file is not an error.
//
// # Security Considerations
//
// Config files must have 0600 or 0400 permissions; world-readable files are
// rejected. Only files under ~/.config/heuristd/ or /etc/heuristd/ are
// accepted, symlinks are resolved first, and files over 1MB are rejected.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "heuristd", "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		// Open once and validate through the file descriptor to avoid a
		// TOCTOU race between stat and read.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Environment overrides: SECTION_FIELD_NAME -> section.field_name.
	// The section is everything before the first underscore.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		lower := strings.ToLower(s)
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// EnsureConfigDir creates the heuristd config directory if it doesn't exist,
// with owner-only permissions.
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	configDir := filepath.Join(home, ".config", "heuristd")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}
	return nil
}

// validateConfigPath checks that path is in an allowed directory. Runs even
// if the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Resolve symlinks so one cannot be used to escape the allowed
	// directories. Evaluation failure means the file doesn't exist yet;
	// validate the literal path.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "heuristd"),
		"/etc/heuristd",
	}
	for _, dir := range allowedDirs {
		if strings.HasPrefix(resolvedPath, dir) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/heuristd/ or /etc/heuristd/")
}

// validateConfigFileProperties checks permissions and size from an
// already-opened file descriptor.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults fills missing values. Heuristics tunables default from
// DefaultParams field-by-field so a partial YAML block keeps the rest.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9180
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Store.Path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Store.Path = filepath.Join(home, ".config", "heuristd", "heuristd.db")
		}
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	applyHeuristicsDefaults(&cfg.Heuristics)
}

// applyHeuristicsDefaults fills every unset tunable individually, so a YAML
// block that sets one field keeps the defaults for its siblings. Zero means
// unset: every shipped default is non-zero.
func applyHeuristicsDefaults(p *heuristics.Params) {
	def := heuristics.DefaultParams()

	c, dc := &p.Confidence, def.Confidence
	defaultFloat(&c.MinConfidence, dc.MinConfidence)
	defaultFloat(&c.MaxConfidence, dc.MaxConfidence)
	defaultFloat(&c.SuccessGain, dc.SuccessGain)
	defaultFloat(&c.FailurePenalty, dc.FailurePenalty)
	defaultFloat(&c.ContradictionPenalty, dc.ContradictionPenalty)
	defaultFloat(&c.DecayRate, dc.DecayRate)
	defaultFloat(&c.RevivalFloor, dc.RevivalFloor)
	defaultInt(&c.WarmupUpdates, dc.WarmupUpdates)

	a, da := &p.Alpha, def.Alpha
	defaultFloat(&a.Warmup, da.Warmup)
	defaultFloat(&a.HighThreshold, da.HighThreshold)
	defaultFloat(&a.HighIncrease, da.HighIncrease)
	defaultFloat(&a.HighDecrease, da.HighDecrease)
	defaultFloat(&a.LowThreshold, da.LowThreshold)
	defaultFloat(&a.LowIncrease, da.LowIncrease)
	defaultFloat(&a.LowDecrease, da.LowDecrease)
	defaultInt(&a.MaturityThreshold, da.MaturityThreshold)
	defaultFloat(&a.MatureIncrease, da.MatureIncrease)
	defaultFloat(&a.MatureDecrease, da.MatureDecrease)
	defaultFloat(&a.Default, da.Default)

	r, dr := &p.RateLimit, def.RateLimit
	defaultInt(&r.MaxUpdatesPerDay, dr.MaxUpdatesPerDay)
	defaultDuration(&r.Cooldown, dr.Cooldown)

	n, dn := &p.Novelty, def.Novelty
	defaultFloat(&n.NovelThreshold, dn.NovelThreshold)
	defaultFloat(&n.RefinementThreshold, dn.RefinementThreshold)
	defaultFloat(&n.MergeSimilarity, dn.MergeSimilarity)

	cp, dcp := &p.Capacity, def.Capacity
	defaultInt(&cp.DefaultSoftLimit, dcp.DefaultSoftLimit)
	defaultInt(&cp.DefaultHardLimit, dcp.DefaultHardLimit)
	defaultFloat(&cp.AcceptMinConfidence, dcp.AcceptMinConfidence)
	defaultInt(&cp.AcceptMinValidations, dcp.AcceptMinValidations)
	defaultFloat(&cp.ExpansionMinConfidence, dcp.ExpansionMinConfidence)
	defaultInt(&cp.ExpansionMinValidations, dcp.ExpansionMinValidations)
	defaultFloat(&cp.HealthFloor, dcp.HealthFloor)
	defaultFloat(&cp.ExceptionalConfidence, dcp.ExceptionalConfidence)
	defaultFloat(&cp.GracePeriodDays, dcp.GracePeriodDays)
	defaultFloat(&cp.MaxOverflowDays, dcp.MaxOverflowDays)
	defaultDuration(&cp.RecentActivityWindow, dcp.RecentActivityWindow)

	e, de := &p.Eviction, def.Eviction
	defaultFloat(&e.KeepThreshold, de.KeepThreshold)
	defaultInt(&e.DormancyValidations, de.DormancyValidations)
	defaultFloat(&e.DormancyFloor, de.DormancyFloor)
	defaultFloat(&e.ArchiveDays, de.ArchiveDays)
	defaultFloat(&e.EvictFloor, de.EvictFloor)

	g, dg := &p.Golden, def.Golden
	defaultFloat(&g.PromoteConfidence, dg.PromoteConfidence)
	defaultInt(&g.PromoteValidations, dg.PromoteValidations)
	defaultFloat(&g.PromoteRatio, dg.PromoteRatio)

	m, dm := &p.Maintenance, def.Maintenance
	defaultDuration(&m.Interval, dm.Interval)
	defaultFloat(&m.DecayAfterDays, dm.DecayAfterDays)
	defaultDuration(&m.MinDecayInterval, dm.MinDecayInterval)
	defaultDuration(&m.MinContractionInterval, dm.MinContractionInterval)
}

func defaultFloat(v *float64, def float64) {
	if *v == 0 {
		*v = def
	}
}

func defaultInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func defaultDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}
