package distributor

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Names of the files kept in the state directory.
const (
	OffsetFileName      = "byte-pos"
	WorkerStatsFileName = "worker-stats"
	StateLockFileName   = "lock"
)

// Defaults of the Distributor options.
const (
	defCountExhausted    = true
	defWorkerStatsActive = true
)

// ErrInvalidConfig is returned when a configuration value is missing or out of range.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config contains the configuration of a Distributor.
type Config struct {
	// TaskFile is the path of the line-delimited task source. It is opened read-only.
	TaskFile string `validate:"required"`
	// StateDir is the existing directory holding the durable state files.
	StateDir string `validate:"required"`
	// MaxValueSize is the maximum encoded size of a durable value in bytes.
	// Default is DefaultMaxValueSize.
	MaxValueSize int `validate:"gte=0"`
}

func (c Config) withDefaults() Config {
	if c.MaxValueSize == 0 {
		c.MaxValueSize = DefaultMaxValueSize
	}
	return c
}

func (c Config) validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}
