// Package store implements cache operations on top of persistent engine.
//
// Every Store operation holds single store lock for its entire duration,
// including all engine reads and writes. That serializes all operations
// in process, so read-modify-write operations (add, append, prepend, incr, decr)
// are atomic and every successful write gets CAS greater than CAS of any
// write completed before it.
package store

import (
	"sync"
	"time"

	"github.com/facebookgo/stackerr"
	"github.com/pkg/errors"

	"github.com/skipor/diskcached/engine"
	"github.com/skipor/diskcached/internal/util"
	"github.com/skipor/diskcached/journal"
	"github.com/skipor/diskcached/log"
)

const DefaultCASBatch = 1 << 10

var (
	// ErrNotFound returned when key is absent or expired.
	ErrNotFound = errors.New("not found")
	// ErrNotStored returned when operation refused by policy.
	ErrNotStored = errors.New("not stored")
	// ErrNotNumeric returned on incr or decr of value that is not decimal unsigned integer.
	ErrNotNumeric = errors.New("cannot increment or decrement non-numeric value")
	// ErrCorruptRecord returned when engine value is too short to hold record header.
	ErrCorruptRecord = errors.New("corrupt record")
	ErrClosed        = errors.New("store is closed")
)

type Config struct {
	// Journal is used to keep CAS monotonic across restarts. Can be nil.
	Journal *journal.Journal
	// CASBatch is number of CAS values reserved in journal at once.
	CASBatch uint64
	// Now is time source. time.Now if nil.
	Now func() time.Time
}

// Item is live record view returned by Get.
type Item struct {
	Key   []byte
	Flags uint32
	CAS   uint64
	Value []byte
}

// Store exclusively owns engine and CAS counter.
type Store struct {
	log      log.Logger
	now      func() time.Time
	casBatch uint64
	journal  *journal.Journal

	// mu protects fields bellow and all engine access.
	mu         sync.Mutex
	engine     engine.Engine
	closed     bool
	cas        uint64
	casCeiling uint64
}

func New(l log.Logger, e engine.Engine, conf Config) *Store {
	s := &Store{
		log:      l,
		now:      conf.Now,
		casBatch: conf.CASBatch,
		journal:  conf.Journal,
		engine:   e,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.casBatch == 0 {
		s.casBatch = DefaultCASBatch
	}
	if s.journal != nil {
		s.cas = s.journal.Last()
		s.casCeiling = s.cas
		s.log.Debugf("CAS counter continues from %v.", s.cas)
	}
	return s
}

// Close closes engine and journal. All operations after Close return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.engine.Close()
	if s.journal != nil {
		if jerr := s.journal.Close(); err == nil {
			err = jerr
		}
	}
	return err
}

// Get returns live items for keys, in keys order. Absent and expired keys are skipped.
func (s *Store) Get(keys ...[]byte) (items []Item, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	now := s.nowUnix()
	for _, key := range keys {
		var r Record
		var found bool
		r, found, err = s.read(key)
		if err != nil {
			return nil, err
		}
		if !found || !r.Live(now) {
			continue
		}
		items = append(items, Item{
			Key:   append([]byte(nil), key...),
			Flags: r.Flags,
			CAS:   r.CAS,
			Value: r.Payload,
		})
	}
	return
}

// Delete removes key. ErrNotFound returned if key is absent or expired.
// Expired record is removed anyway.
func (s *Store) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	r, found, err := s.read(key)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	err = s.engine.Delete(key)
	if err == engine.ErrNotFound {
		return ErrNotFound
	}
	if err != nil {
		return stackerr.Wrap(err)
	}
	if !r.Live(s.nowUnix()) {
		s.log.Debugf("Deleted expired %q.", key)
		return ErrNotFound
	}
	return nil
}

// Set unconditionally writes value with new CAS. Returns assigned CAS.
func (s *Store) Set(key []byte, flags uint32, ttl uint64, value []byte) (cas uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.insert(key, flags, ttl, value)
}

// Add writes value only if there is no live record for key.
// ErrNotStored returned otherwise.
func (s *Store) Add(key []byte, flags uint32, ttl uint64, value []byte) (cas uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		err = ErrClosed
		return
	}
	r, found, err := s.read(key)
	if err != nil {
		return
	}
	if found && r.Live(s.nowUnix()) {
		err = ErrNotStored
		return
	}
	return s.insert(key, flags, ttl, value)
}

// Append adds value after existing live value. ErrNotStored returned if there is no such.
// Deadline and flags are set from arguments.
func (s *Store) Append(key []byte, flags uint32, ttl uint64, value []byte) (cas uint64, err error) {
	return s.combine(key, flags, ttl, value, appendCombiner)
}

// Prepend is like Append, but puts value before existing one.
func (s *Store) Prepend(key []byte, flags uint32, ttl uint64, value []byte) (cas uint64, err error) {
	return s.combine(key, flags, ttl, value, prependCombiner)
}

// Incr adds delta to decimal value. Overflow wraps around.
func (s *Store) Incr(key []byte, delta uint64) (uint64, error) {
	return s.updateNumber(key, delta, incrOp)
}

// Decr subtracts delta from decimal value. Result is never less than zero.
func (s *Store) Decr(key []byte, delta uint64) (uint64, error) {
	return s.updateNumber(key, delta, decrOp)
}

type combiner func(old, new []byte) []byte

func appendCombiner(old, new []byte) []byte {
	res := make([]byte, 0, len(old)+len(new))
	return append(append(res, old...), new...)
}

func prependCombiner(old, new []byte) []byte {
	return appendCombiner(new, old)
}

func (s *Store) combine(key []byte, flags uint32, ttl uint64, value []byte, c combiner) (cas uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		err = ErrClosed
		return
	}
	r, found, err := s.read(key)
	if err != nil {
		return
	}
	if !found || !r.Live(s.nowUnix()) {
		err = ErrNotStored
		return
	}
	return s.insert(key, flags, ttl, c(r.Payload, value))
}

type numberOp func(old, delta uint64) uint64

func incrOp(old, delta uint64) uint64 { return old + delta }

func decrOp(old, delta uint64) uint64 {
	if delta > old {
		return 0
	}
	return old - delta
}

// updateNumber rewrites record with fresh CAS, keeping its deadline and flags.
func (s *Store) updateNumber(key []byte, delta uint64, op numberOp) (value uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		err = ErrClosed
		return
	}
	r, found, err := s.read(key)
	if err != nil {
		return
	}
	if !found {
		err = ErrNotStored
		return
	}
	if !r.Live(s.nowUnix()) {
		err = ErrNotFound
		return
	}
	old, perr := util.ParseUint64(r.Payload)
	if perr != nil {
		err = ErrNotNumeric
		return
	}
	value = op(old, delta)
	r.Payload = util.FormatUint64(value)
	r.CAS, err = s.nextCAS()
	if err != nil {
		return
	}
	err = s.write(key, r)
	return
}

// insert requires lock be acquired.
func (s *Store) insert(key []byte, flags uint32, ttl uint64, value []byte) (cas uint64, err error) {
	r := Record{
		Deadline: deadline(s.nowUnix(), ttl),
		Flags:    flags,
		Payload:  value,
	}
	r.CAS, err = s.nextCAS()
	if err != nil {
		return
	}
	err = s.write(key, r)
	if err != nil {
		return
	}
	cas = r.CAS
	return
}

// nextCAS requires lock be acquired.
func (s *Store) nextCAS() (uint64, error) {
	next := s.cas + 1
	if s.journal != nil && next > s.casCeiling {
		ceiling := next + s.casBatch - 1
		if last := s.journal.Last(); ceiling <= last {
			// Previous reservation failed after ceiling had been written.
			ceiling = last + s.casBatch
		}
		err := s.journal.Reserve(ceiling)
		if err != nil {
			return 0, err
		}
		s.casCeiling = ceiling
	}
	s.cas = next
	return next, nil
}

// read requires lock be acquired.
func (s *Store) read(key []byte) (r Record, found bool, err error) {
	raw, err := s.engine.Get(key)
	if err == engine.ErrNotFound {
		err = nil
		return
	}
	if err != nil {
		err = stackerr.Wrap(err)
		return
	}
	r, err = DecodeRecord(raw)
	if err != nil {
		s.log.Errorf("Key %q: %v", key, err)
		return
	}
	found = true
	return
}

// write requires lock be acquired.
func (s *Store) write(key []byte, r Record) error {
	return stackerr.Wrap(s.engine.Put(key, r.Encode()))
}

func (s *Store) nowUnix() uint64 {
	now := s.now().Unix()
	if now < 0 {
		return 0
	}
	return uint64(now)
}
