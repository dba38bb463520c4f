// Package journal provides append only file of reserved CAS ceilings.
// Store reserves CAS values in batches and appends each new ceiling here
// before handing out values from the batch, so after restart CAS counter
// can continue from the last ceiling and never repeats.
package journal

import (
	"encoding/binary"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/facebookgo/stackerr"
	"github.com/pkg/errors"

	"github.com/skipor/diskcached/log"
)

const (
	Perm       = 0664
	RecordSize = 8
	// DefaultRotateSize is enough for 8k reservations.
	DefaultRotateSize = 64 * (1 << 10)
)

var (
	ErrNotIncreasing = errors.New("reserved ceiling is not greater than previous")
	ErrClosed        = errors.New("CAS journal is closed")
)

type Config struct {
	Name string
	// RotateSize is journal size, after which it will be rewritten
	// to contain only the last ceiling.
	RotateSize int64
	// FixCorrupted allows to truncate journal to valid prefix.
	FixCorrupted bool
}

// Journal is safe for concurrent use.
type Journal struct {
	config Config
	log    log.Logger

	// lock protects fields bellow.
	lock sync.Mutex
	file   *os.File
	size   int64
	last   uint64
	closed bool
}

type CorruptedError struct {
	Err error
}

func (e *CorruptedError) Error() string {
	return fmt.Sprint("CAS journal is corrupted: ", e.Err)
}

// Open reads existing journal, if any, and opens it for append.
// On corruption *CorruptedError is returned, if FixCorrupted is not set.
// Otherwise journal is truncated to valid prefix.
func Open(l log.Logger, conf Config) (j *Journal, err error) {
	if conf.RotateSize <= 0 {
		conf.RotateSize = DefaultRotateSize
	}
	j = &Journal{
		config: conf,
		log:    l,
	}
	err = j.read()
	if err != nil {
		return nil, err
	}
	err = j.openAppend()
	if err != nil {
		return nil, err
	}
	return
}

func (j *Journal) read() error {
	data, err := ioutil.ReadFile(j.config.Name)
	if os.IsNotExist(err) {
		j.log.Info("CAS journal is not exists. New will be created.")
		return nil
	}
	if err != nil {
		return stackerr.Wrap(err)
	}
	var validSize int
	var corruption error
	for ; validSize+RecordSize <= len(data); validSize += RecordSize {
		ceiling := binary.BigEndian.Uint64(data[validSize:])
		if ceiling <= j.last {
			corruption = stackerr.Newf("%s: %v after %v at offset %v", ErrNotIncreasing, ceiling, j.last, validSize)
			break
		}
		j.last = ceiling
	}
	if corruption == nil && validSize != len(data) {
		corruption = stackerr.Newf("%v trailing bytes", len(data)-validSize)
	}
	if corruption == nil {
		j.log.Debugf("CAS journal read. Last ceiling: %v.", j.last)
		return nil
	}
	if !j.config.FixCorrupted {
		return &CorruptedError{corruption}
	}
	j.log.Errorf("CAS journal is corrupted: %v. Truncating.", corruption)
	return stackerr.Wrap(os.Truncate(j.config.Name, int64(validSize)))
}

func (j *Journal) openAppend() (err error) {
	var file *os.File
	file, err = os.OpenFile(j.config.Name, os.O_WRONLY|os.O_APPEND|os.O_CREATE, Perm)
	if err != nil {
		return stackerr.Wrap(err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return stackerr.Wrap(err)
	}
	j.size = stat.Size()
	j.file = file
	return
}

// Last returns the last reserved ceiling. Zero for new journal.
func (j *Journal) Last() uint64 {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.last
}

// Reserve durably appends new ceiling. Ceiling should be greater than Last.
// Once ceiling is written it becomes Last, even if error is returned,
// so retry should reserve greater one.
func (j *Journal) Reserve(ceiling uint64) (err error) {
	j.lock.Lock()
	defer j.lock.Unlock()
	if j.closed {
		return stackerr.Wrap(ErrClosed)
	}
	if ceiling <= j.last {
		return stackerr.Newf("%s: %v <= %v", ErrNotIncreasing, ceiling, j.last)
	}
	if j.file == nil {
		// Previous rotation failed to reopen journal.
		err = j.openAppend()
		if err != nil {
			return
		}
	}
	var rec [RecordSize]byte
	binary.BigEndian.PutUint64(rec[:], ceiling)
	n, err := j.file.Write(rec[:])
	if err != nil {
		if n > 0 {
			// Partial record would be read as corruption.
			j.file.Truncate(j.size)
		}
		return stackerr.Wrap(err)
	}
	j.size += int64(n)
	j.last = ceiling
	err = j.file.Sync()
	if err != nil {
		return stackerr.Wrap(err)
	}
	if j.size > j.config.RotateSize {
		// Ceiling is already durable. Rotation will be retried on next Reserve.
		if rerr := j.rotate(); rerr != nil {
			j.log.Error("CAS journal rotation failed: ", rerr)
		}
	}
	return
}

// rotate atomically replaces journal with one containing only the last ceiling.
// Requires lock be acquired.
func (j *Journal) rotate() error {
	j.log.Debug("CAS journal rotation started.")
	newFile, err := ioutil.TempFile(filepath.Dir(j.config.Name), "rotating_cas_journal_")
	if err != nil {
		return stackerr.Wrap(err)
	}
	newFileName := newFile.Name()
	var rec [RecordSize]byte
	binary.BigEndian.PutUint64(rec[:], j.last)
	_, err = newFile.Write(rec[:])
	if err == nil {
		err = newFile.Chmod(Perm)
	}
	if err == nil {
		err = newFile.Sync()
	}
	if cerr := newFile.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(newFileName)
		return stackerr.Wrap(err)
	}
	j.file.Close()
	j.file = nil
	err = os.Rename(newFileName, j.config.Name) // Atomic. No data corruption on fail.
	if err != nil {
		os.Remove(newFileName)
		j.openAppend()
		return stackerr.Wrap(err)
	}
	err = j.openAppend()
	j.log.Debug("CAS journal rotation finished.")
	return err
}

func (j *Journal) Close() error {
	j.lock.Lock()
	defer j.lock.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return stackerr.Wrap(err)
}
