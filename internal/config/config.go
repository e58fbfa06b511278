// Package config loads the autoplay configuration from a YAML file and
// FLEETPILOT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"fleetpilot.ai/internal/autoplay"
	"fleetpilot.ai/internal/logging"
	"fleetpilot.ai/internal/sim/fleet"
)

const EnvPrefix = "FLEETPILOT"

const (
	RoleExtraction = "extraction"
	RoleTransport  = "transport"
)

type Config struct {
	ClusterEndpoint    string        `mapstructure:"cluster_endpoint"`
	WalletPath         string        `mapstructure:"wallet_path"`
	EntityCollectionID string        `mapstructure:"entity_collection_id"`
	EntityIDs          []string      `mapstructure:"entity_ids"`
	TickRateHz         float64       `mapstructure:"tick_rate_hz"`
	CallTimeout        time.Duration `mapstructure:"call_timeout"`

	DataDir   string `mapstructure:"data_dir"`
	DisableDB bool   `mapstructure:"disable_db"`
	HTTPAddr  string `mapstructure:"http_addr"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// DefaultProfile names the entry of Profiles used by entities without
	// one of their own. Viper folds map keys to lower case, so entity ids are
	// matched case-insensitively.
	DefaultProfile string              `mapstructure:"default_profile"`
	Profiles       map[string]RoleSpec `mapstructure:"profiles"`
}

type RoleSpec struct {
	Kind        string      `mapstructure:"kind"`
	SourceID    string      `mapstructure:"source_id"`
	Home        fleet.Coord `mapstructure:"home"`
	HomeDockID  string      `mapstructure:"home_dock_id"`
	Destination fleet.Coord `mapstructure:"destination"`

	CargoMint  string `mapstructure:"cargo_mint"`
	FuelMint   string `mapstructure:"fuel_mint"`
	AmmoMint   string `mapstructure:"ammo_mint"`
	SupplyMint string `mapstructure:"supply_mint"`

	// Thresholds are nil when the key is absent and take the role defaults.
	// An explicit 0 on a resupply threshold turns that top-up off.
	DockThreshold   *float64 `mapstructure:"dock_threshold"`
	FuelThreshold   *float64 `mapstructure:"fuel_threshold"`
	AmmoThreshold   *float64 `mapstructure:"ammo_threshold"`
	SupplyThreshold *float64 `mapstructure:"supply_threshold"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cluster_endpoint", "ws://127.0.0.1:8899/v1/ws")
	v.SetDefault("wallet_path", "")
	v.SetDefault("entity_collection_id", "")
	v.SetDefault("entity_ids", []string{})
	v.SetDefault("tick_rate_hz", 1.0)
	v.SetDefault("call_timeout", 30*time.Second)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("disable_db", false)
	v.SetDefault("http_addr", "127.0.0.1:8090")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("default_profile", "default")
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v, nil
}

// Load reads path (optional) and the environment. Environment variables win
// over the file; keys map as FLEETPILOT_TICK_RATE_HZ.
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadDataDir resolves only data_dir from path (optional) and the
// environment. Unlike Load it does not validate the rest of the file, so
// read-only commands work with a partial config.
func LoadDataDir(path string) (string, error) {
	v, err := newViper(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(v.GetString("data_dir")), nil
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.ClusterEndpoint = strings.TrimSpace(c.ClusterEndpoint)
	c.DefaultProfile = strings.ToLower(strings.TrimSpace(c.DefaultProfile))
	ids := c.EntityIDs[:0]
	for _, id := range c.EntityIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	c.EntityIDs = ids
	for name, p := range c.Profiles {
		p.Kind = strings.ToLower(strings.TrimSpace(p.Kind))
		if p.Kind == "" {
			p.Kind = RoleExtraction
		}
		c.Profiles[name] = p
	}
}

func (c Config) Validate() error {
	u, err := url.Parse(c.ClusterEndpoint)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("cluster_endpoint must be a ws:// or wss:// url, got %q", c.ClusterEndpoint)
	}
	if strings.TrimSpace(c.WalletPath) == "" {
		return errors.New("wallet_path is required")
	}
	if len(c.EntityIDs) == 0 {
		return errors.New("entity_ids must not be empty")
	}
	if c.TickRateHz <= 0 || c.TickRateHz > 100 {
		return fmt.Errorf("tick_rate_hz must be in (0, 100], got %v", c.TickRateHz)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("call_timeout must be > 0")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := logging.ParseFormat(c.LogFormat); err != nil {
		return err
	}
	if !c.DisableDB && strings.TrimSpace(c.DataDir) == "" {
		return errors.New("data_dir is required unless disable_db is set")
	}
	seen := map[string]bool{}
	for _, id := range c.EntityIDs {
		if seen[id] {
			return fmt.Errorf("duplicate entity id: %s", id)
		}
		seen[id] = true
		spec, ok := c.ProfileFor(id)
		if !ok {
			return fmt.Errorf("entity %s has no profile and default_profile %q is not defined", id, c.DefaultProfile)
		}
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("entity %s: %w", id, err)
		}
	}
	return nil
}

// TickInterval is the dispatcher period.
func (c Config) TickInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.TickRateHz)
}

// ProfileFor returns the role spec for an entity: its own profile, else the
// default one.
func (c Config) ProfileFor(entityID string) (RoleSpec, bool) {
	if p, ok := c.Profiles[strings.ToLower(entityID)]; ok {
		return p, true
	}
	p, ok := c.Profiles[c.DefaultProfile]
	return p, ok
}

func (r RoleSpec) Validate() error {
	if v := r.DockThreshold; v != nil && (*v <= 0 || *v > 1) {
		return fmt.Errorf("dock_threshold must be in (0, 1], got %v", *v)
	}
	for name, v := range map[string]*float64{
		"fuel_threshold":   r.FuelThreshold,
		"ammo_threshold":   r.AmmoThreshold,
		"supply_threshold": r.SupplyThreshold,
	} {
		if v != nil && (*v < 0 || *v > 1) {
			return fmt.Errorf("%s must be in [0, 1], got %v", name, *v)
		}
	}
	switch r.Kind {
	case RoleExtraction:
		if strings.TrimSpace(r.SourceID) == "" {
			return errors.New("extraction profile needs source_id")
		}
	case RoleTransport:
		if strings.TrimSpace(r.HomeDockID) == "" {
			return errors.New("transport profile needs home_dock_id")
		}
		if strings.TrimSpace(r.CargoMint) == "" {
			return errors.New("transport profile needs cargo_mint")
		}
		if r.Home == r.Destination {
			return errors.New("transport home and destination must differ")
		}
	default:
		return fmt.Errorf("unknown role kind %q", r.Kind)
	}
	return nil
}

// Role builds the autoplay strategy. Absent thresholds take the role
// defaults.
func (r RoleSpec) Role() (autoplay.Role, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	c := autoplay.Consumables{
		FuelMint:   r.FuelMint,
		AmmoMint:   r.AmmoMint,
		SupplyMint: r.SupplyMint,
	}
	switch r.Kind {
	case RoleTransport:
		role := autoplay.NewTransportRole(r.Home, r.HomeDockID, r.Destination, r.CargoMint, c)
		r.applyThresholds(&role.Consumables)
		if r.DockThreshold != nil {
			role.LoadThreshold = *r.DockThreshold
		}
		return role, nil
	default:
		role := autoplay.NewExtractionRole(r.SourceID, c)
		role.CargoMint = r.CargoMint
		r.applyThresholds(&role.Consumables)
		if r.DockThreshold != nil {
			role.DockThreshold = *r.DockThreshold
		}
		return role, nil
	}
}

// applyThresholds overrides the defaults already in c with every threshold
// set in the profile, zero included.
func (r RoleSpec) applyThresholds(c *autoplay.Consumables) {
	if r.FuelThreshold != nil {
		c.FuelThreshold = *r.FuelThreshold
	}
	if r.AmmoThreshold != nil {
		c.AmmoThreshold = *r.AmmoThreshold
	}
	if r.SupplyThreshold != nil {
		c.SupplyThreshold = *r.SupplyThreshold
	}
}
