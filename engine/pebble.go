package engine

import (
	"github.com/cockroachdb/pebble"
	"github.com/facebookgo/stackerr"
)

// Pebble is Engine on top of github.com/cockroachdb/pebble.
// Every write is synced to WAL before return.
type Pebble struct {
	db *pebble.DB
}

var _ Engine = (*Pebble)(nil)

func OpenPebble(dir string) (*Pebble, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	return &Pebble{db: db}, nil
}

func (p *Pebble) Get(key []byte) (value []byte, err error) {
	raw, closer, err := p.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	// raw is valid only until closer is closed.
	value = append([]byte(nil), raw...)
	err = stackerr.Wrap(closer.Close())
	return
}

func (p *Pebble) Put(key, value []byte) error {
	return stackerr.Wrap(p.db.Set(key, value, pebble.Sync))
}

// Delete checks key presence first, because pebble deletes are blind.
func (p *Pebble) Delete(key []byte) error {
	_, closer, err := p.db.Get(key)
	if err == pebble.ErrNotFound {
		return ErrNotFound
	}
	if err != nil {
		return stackerr.Wrap(err)
	}
	closer.Close()
	return stackerr.Wrap(p.db.Delete(key, pebble.Sync))
}

func (p *Pebble) Close() error {
	return stackerr.Wrap(p.db.Close())
}
