// Package config holds the user-facing settings of graph construction and
// reduced exploration and converts them into the options of each stage.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/o2lab/gopor/cfa"
	"github.com/o2lab/gopor/depgraph"
	"github.com/o2lab/gopor/explore"
	"github.com/o2lab/gopor/oracle"
	"github.com/o2lab/gopor/por"
)

const envPrefix = "GOPOR_"

type BlockPair struct {
	Begin string `yaml:"begin" validate:"required"`
	End   string `yaml:"end" validate:"required,nefield=Begin"`
}

type Config struct {
	EntryFunction string `yaml:"entry_function" validate:"required"`
	// AtomicPrefix marks functions that run indivisibly. Empty disables it.
	AtomicPrefix string      `yaml:"atomic_prefix"`
	BlockPairs   []BlockPair `yaml:"block_pairs" validate:"dive"`
	// Intrinsics are extra functions treated as primitive statements.
	Intrinsics       []string `yaml:"intrinsics" validate:"dive,required"`
	ExcludedPackages []string `yaml:"exclude_packages"`

	Conditional   bool `yaml:"conditional"`
	IncludeCloned bool `yaml:"include_cloned"`
	Workers       int  `yaml:"workers" validate:"gte=0,lte=256"`

	Strategy      string        `yaml:"strategy" validate:"required"`
	Sound         bool          `yaml:"sound"`
	MaxSteps      int           `yaml:"max_steps" validate:"gte=0"`
	MaxStates     int           `yaml:"max_states" validate:"gte=0"`
	OracleTimeout time.Duration `yaml:"oracle_timeout" validate:"gte=0"`
}

var validate = validator.New()

func Default() Config {
	g := depgraph.DefaultOptions()
	e := explore.DefaultOptions()
	c := Config{
		EntryFunction: g.EntryFunction,
		AtomicPrefix:  cfa.DefaultOptions().AtomicPrefix,
		Conditional:   g.Conditional,
		IncludeCloned: g.IncludeCloned,
		Workers:       g.Workers,
		Strategy:      e.Strategy.String(),
		MaxSteps:      e.MaxSteps,
		MaxStates:     e.MaxStates,
	}
	for _, p := range g.BlockPairs {
		c.BlockPairs = append(c.BlockPairs, BlockPair{Begin: p.Begin, End: p.End})
	}
	return c
}

// Load starts from the defaults, applies the YAML file at path when path is
// not empty, then the GOPOR_* environment variables, and validates the
// result.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return c, fmt.Errorf("%w: parse %s: %v", depgraph.ErrConfig, path, err)
		}
		log.Debugf("loaded configuration from %s", path)
	}
	if err := c.fromEnv(); err != nil {
		return c, err
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func (c *Config) fromEnv() error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) error {
		v, ok := os.LookupEnv(envPrefix + name)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q: %v", depgraph.ErrConfig, envPrefix, name, v, err)
		}
		*dst = b
		return nil
	}
	integer := func(name string, dst *int) error {
		v, ok := os.LookupEnv(envPrefix + name)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q: %v", depgraph.ErrConfig, envPrefix, name, v, err)
		}
		*dst = n
		return nil
	}

	str("ENTRY", &c.EntryFunction)
	str("ATOMIC_PREFIX", &c.AtomicPrefix)
	str("STRATEGY", &c.Strategy)
	if v, ok := os.LookupEnv(envPrefix + "EXCLUDE"); ok {
		c.ExcludedPackages = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.ExcludedPackages = append(c.ExcludedPackages, p)
			}
		}
	}
	for name, dst := range map[string]*bool{
		"CONDITIONAL":    &c.Conditional,
		"INCLUDE_CLONED": &c.IncludeCloned,
		"SOUND":          &c.Sound,
	} {
		if err := boolean(name, dst); err != nil {
			return err
		}
	}
	for name, dst := range map[string]*int{
		"WORKERS":    &c.Workers,
		"MAX_STEPS":  &c.MaxSteps,
		"MAX_STATES": &c.MaxStates,
	} {
		if err := integer(name, dst); err != nil {
			return err
		}
	}
	if v, ok := os.LookupEnv(envPrefix + "ORACLE_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %sORACLE_TIMEOUT=%q: %v", depgraph.ErrConfig, envPrefix, v, err)
		}
		c.OracleTimeout = d
	}
	return nil
}

// Validate checks field constraints, then the rules that span fields.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", depgraph.ErrConfig, err)
	}
	if _, err := por.ParseKind(c.Strategy); err != nil {
		return fmt.Errorf("%w: %v", depgraph.ErrConfig, err)
	}
	return c.GraphOptions().Validate()
}

func (c Config) CFAOptions() cfa.Options {
	o := cfa.Options{EntryFunction: c.EntryFunction, AtomicPrefix: c.AtomicPrefix}
	for _, p := range c.BlockPairs {
		o.Intrinsics = append(o.Intrinsics, p.Begin, p.End)
	}
	o.Intrinsics = append(o.Intrinsics, "assert")
	o.Intrinsics = append(o.Intrinsics, c.Intrinsics...)
	return o
}

func (c Config) GraphOptions() depgraph.Options {
	o := depgraph.Options{
		EntryFunction: c.EntryFunction,
		Conditional:   c.Conditional,
		IncludeCloned: c.IncludeCloned,
		Workers:       c.Workers,
	}
	for _, p := range c.BlockPairs {
		o.BlockPairs = append(o.BlockPairs, depgraph.BlockPair{Begin: p.Begin, End: p.End})
	}
	return o
}

// ExploreOptions returns the search options; full disables the reduction.
func (c Config) ExploreOptions(full bool) (explore.Options, error) {
	kind, err := por.ParseKind(c.Strategy)
	if err != nil {
		return explore.Options{}, fmt.Errorf("%w: %v", depgraph.ErrConfig, err)
	}
	o := explore.Options{
		Strategy:   kind,
		Full:       full,
		MaxStates:  c.MaxStates,
		MaxSteps:   c.MaxSteps,
		Sound:      c.Sound,
		BlockPairs: c.GraphOptions().BlockPairs,
	}
	if kind == por.SymbolicSleep {
		o.Oracle = oracle.NewSAT(c.OracleTimeout)
	}
	return o, nil
}
