package util

import (
	"strconv"

	"github.com/pkg/errors"
)

var ErrNotDecimal = errors.New("not a decimal unsigned integer")

// ParseUint32 parses protocol field as unsigned decimal. Signs, spaces and
// empty input are rejected.
func ParseUint32(p []byte) (uint32, error) {
	v, err := parseUint(p, 32)
	return uint32(v), err
}

func ParseUint64(p []byte) (uint64, error) {
	return parseUint(p, 64)
}

func parseUint(p []byte, bitSize int) (v uint64, err error) {
	if len(p) == 0 || p[0] < '0' || p[0] > '9' {
		err = ErrNotDecimal
		return
	}
	v, err = strconv.ParseUint(string(p), 10, bitSize)
	if err != nil {
		err = ErrNotDecimal
	}
	return
}

// AppendUint64 appends decimal text of v to dst.
func AppendUint64(dst []byte, v uint64) []byte {
	return strconv.AppendUint(dst, v, 10)
}

func FormatUint64(v uint64) []byte {
	return AppendUint64(nil, v)
}
