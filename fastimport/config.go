package fastimport

import (
	"dario.cat/mergo"

	"github.com/git/packd/storer"
)

// Config is the subset of Engine tuning knobs a caller can supply
// partially, e.g. from a parsed command-line flag set where only some
// fields were actually given. Zero-value fields are left at their
// built-in defaults by NewEngineFromConfig.
type Config struct {
	MaxPackSize       int64
	MaxActiveBranches int
	DeltaWindow       uint
}

func defaultConfig() Config {
	return Config{
		MaxPackSize:       defaultMaxPackSize,
		MaxActiveBranches: defaultMaxActiveBranches,
		DeltaWindow:       defaultDeltaWindow,
	}
}

// NewEngineFromConfig builds an Engine by overlaying cfg onto the
// built-in defaults — any field cfg leaves at its zero value keeps the
// default instead of being reset to zero.
func NewEngineFromConfig(store storer.ObjectStore, cfg Config) (*Engine, error) {
	merged := defaultConfig()
	if err := mergo.Merge(&merged, cfg, mergo.WithOverride); err != nil {
		return nil, err
	}
	return NewEngine(store,
		WithMaxPackSize(merged.MaxPackSize),
		WithMaxActiveBranches(merged.MaxActiveBranches),
		WithDeltaWindow(merged.DeltaWindow),
	), nil
}
