// Copyright 2016 Aleksandr Demakin. All rights reserved.

package prodq

import (
	"log"
	"os"
	"time"

	"github.com/nxgtw/go-prodq/internal/ring"
	"github.com/nxgtw/go-prodq/shm"

	"github.com/pkg/errors"
)

const (
	// OverrideTimeout is the default time after which a lock holder is considered dead.
	OverrideTimeout = 30 * time.Second
	// DefaultAttachPoll is the default ceiling of a blocking attach retry interval.
	DefaultAttachPoll = time.Second
	// MaxLabelLen is the maximum length of a product type label.
	MaxLabelLen = 63
	// MaxTypes is the maximum number of product types in a queue.
	MaxTypes = 256
)

// Logger receives diagnostic messages of the queue.
type Logger interface {
	Printf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...interface{}) {}

// NopLogger discards all messages.
var NopLogger Logger = nopLogger{}

// ProductType describes a static slot partition of one product type.
type ProductType struct {
	// Type is a product type code. It must be unique within a queue.
	Type int
	// Slots is the number of slots reserved for the type.
	Slots int
	// Label is a human readable name.
	Label string
}

// Config holds queue parameters.
// Only the creator needs BufferSize and Types. Attachers read them from the status segment.
type Config struct {
	StatusKey  int
	BufferKey  int
	BufferSize int
	Types      []ProductType
	Backend    shm.Backend
	Perm       os.FileMode
	// OverrideTimeout is the time after which a lock holder is considered dead.
	OverrideTimeout time.Duration
	// AttachPoll is the maximum interval between attempts of a blocking Attach.
	AttachPoll time.Duration
	Logger     Logger
}

// DefaultConfig returns a config for a queue at the given keys with default settings.
func DefaultConfig(statusKey, bufferKey int) Config {
	return Config{
		StatusKey:       statusKey,
		BufferKey:       bufferKey,
		Backend:         shm.SysV,
		Perm:            0666,
		OverrideTimeout: OverrideTimeout,
		AttachPoll:      DefaultAttachPoll,
		Logger:          log.New(os.Stderr, "prodq: ", log.LstdFlags),
	}
}

func (c *Config) withDefaults() Config {
	result := *c
	if result.Perm == 0 {
		result.Perm = 0666
	}
	if result.OverrideTimeout <= 0 {
		result.OverrideTimeout = OverrideTimeout
	}
	if result.AttachPoll <= 0 {
		result.AttachPoll = DefaultAttachPoll
	}
	if result.Logger == nil {
		result.Logger = NopLogger
	}
	return result
}

func (c *Config) validateKeys() error {
	if c.StatusKey <= 0 || c.BufferKey <= 0 {
		return errors.Errorf("invalid queue keys %d, %d", c.StatusKey, c.BufferKey)
	}
	if err := checkInt32("buffer key", c.BufferKey); err != nil {
		return err
	}
	if c.StatusKey == c.BufferKey {
		return errors.Errorf("status and buffer keys must differ, got %d", c.StatusKey)
	}
	return nil
}

// validate checks the parameters, required to create a queue.
func (c *Config) validate() error {
	if err := c.validateKeys(); err != nil {
		return err
	}
	if int64(c.BufferSize) < ring.MinSpan || c.BufferSize%ring.Align != 0 {
		return errors.Errorf("buffer size must be a multiple of %d and not less, than %d, got %d",
			ring.Align, ring.MinSpan, c.BufferSize)
	}
	if len(c.Types) == 0 || len(c.Types) > MaxTypes {
		return errors.Errorf("invalid number of product types %d", len(c.Types))
	}
	seen := make(map[int]struct{}, len(c.Types))
	total := 0
	for _, pt := range c.Types {
		if err := checkInt32("product type", pt.Type); err != nil {
			return err
		}
		if pt.Slots <= 0 {
			return errors.Errorf("product type %d: invalid number of slots %d", pt.Type, pt.Slots)
		}
		if len(pt.Label) > MaxLabelLen {
			return errors.Errorf("product type %d: label is longer, than %d", pt.Type, MaxLabelLen)
		}
		if _, ok := seen[pt.Type]; ok {
			return errors.Errorf("duplicate product type %d", pt.Type)
		}
		seen[pt.Type] = struct{}{}
		total += pt.Slots
	}
	if total > maxSlots {
		return errors.Errorf("too many slots %d", total)
	}
	return nil
}

// checkInt32 returns ErrOutOfRange, if v can't be stored as int32.
func checkInt32(what string, v int) error {
	if int(int32(v)) != v {
		return errors.Wrapf(ErrOutOfRange, "%s %d", what, v)
	}
	return nil
}
