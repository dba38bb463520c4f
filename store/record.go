package store

import (
	"encoding/binary"

	"github.com/facebookgo/stackerr"
)

// HeaderSize is size of record header: deadline, CAS and flags.
const HeaderSize = 8 + 8 + 4

// Record is unit stored per key.
// Layout: big endian deadline(u64) | cas(u64) | flags(u32) | payload.
type Record struct {
	// Deadline is absolute expiration time in unix seconds.
	Deadline uint64
	CAS      uint64
	Flags    uint32
	Payload  []byte
}

// Live reports whether record is not expired at now.
// Record with deadline equal to now is still live.
func (r Record) Live(now uint64) bool {
	return r.Deadline >= now
}

func (r Record) Encode() []byte {
	b := make([]byte, HeaderSize+len(r.Payload))
	binary.BigEndian.PutUint64(b[0:8], r.Deadline)
	binary.BigEndian.PutUint64(b[8:16], r.CAS)
	binary.BigEndian.PutUint32(b[16:20], r.Flags)
	copy(b[HeaderSize:], r.Payload)
	return b
}

// DecodeRecord returns record which payload points into b.
func DecodeRecord(b []byte) (r Record, err error) {
	if len(b) < HeaderSize {
		err = stackerr.Wrap(ErrCorruptRecord)
		return
	}
	r.Deadline = binary.BigEndian.Uint64(b[0:8])
	r.CAS = binary.BigEndian.Uint64(b[8:16])
	r.Flags = binary.BigEndian.Uint32(b[16:20])
	r.Payload = b[HeaderSize:]
	return
}

func deadline(now, ttl uint64) uint64 {
	d := now + ttl
	if d < now {
		return ^uint64(0)
	}
	return d
}
