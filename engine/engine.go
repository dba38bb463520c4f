// Package engine contains adapters of embedded key-value engines used as
// diskcached persistent storage.
package engine

import (
	"github.com/facebookgo/stackerr"
	"github.com/pkg/errors"
)

type Kind string

const (
	KindPebble Kind = "pebble"
	KindMemory Kind = "memory"
)

var (
	ErrNotFound    = errors.New("key not found")
	ErrUnknownKind = errors.New("unknown engine kind")
)

// Engine is durable byte key-value storage.
// Implementations must not retain passed slices after call returns,
// and must return values which are not modified by later calls.
type Engine interface {
	// Get returns ErrNotFound if there is no value for key.
	Get(key []byte) (value []byte, err error)
	Put(key, value []byte) error
	// Delete returns ErrNotFound if there was no value for key.
	Delete(key []byte) error
	Close() error
}

// Open opens engine of kind. Dir is ignored by in-memory engine.
func Open(kind Kind, dir string) (Engine, error) {
	switch kind {
	case KindPebble:
		return OpenPebble(dir)
	case KindMemory:
		return NewMemory(), nil
	}
	return nil, stackerr.Newf("%s: %q", ErrUnknownKind, kind)
}
