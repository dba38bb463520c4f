package diskcached

import (
	"bytes"
	"fmt"

	"github.com/facebookgo/stackerr"
	"github.com/pkg/errors"

	"github.com/skipor/diskcached/internal/util"
)

const (
	MaxKeySize         = 250
	MaxItemSize        = 128 * (1 << 20) // 128 MB.
	DefaultMaxItemSize = 1 << 20
	MaxCommandSize     = 1 << 12

	Separator = "\r\n"

	GetCommand     = "get"
	GetsCommand    = "gets"
	DeleteCommand  = "delete"
	SetCommand     = "set"
	AddCommand     = "add"
	AppendCommand  = "append"
	PrependCommand = "prepend"
	IncrCommand    = "incr"
	DecrCommand    = "decr"
	StatsCommand   = "stats"
	QuitCommand    = "quit"

	StoredResponse      = "STORED"
	NotStoredResponse   = "NOT_STORED"
	ValueResponse       = "VALUE"
	EndResponse         = "END"
	DeletedResponse     = "DELETED"
	NotFoundResponse    = "NOT_FOUND"
	ErrorResponse       = "ERROR"
	ClientErrorResponse = "CLIENT_ERROR"
	ServerErrorResponse = "SERVER_ERROR"

	NotImplementedMessage = "not implemented"

	// Implementation specific consts.
	InBufferSize  = 16 * (1 << 10)
	OutBufferSize = 16 * (1 << 10)
)

var _ = func() (_ struct{}) {
	if InBufferSize < MaxCommandSize {
		panic("max command should fit in input buffer")
	}
	return
}()

var (
	ErrTooLargeKey          = errors.New("too large key")
	ErrTooLargeItem         = errors.New("too large item")
	ErrTooManyFields        = errors.New("too many fields")
	ErrMoreFieldsRequired   = errors.New("more fields required")
	ErrTooLargeCommand      = errors.New("command length is too big")
	ErrEmptyCommand         = errors.New("empty command")
	ErrUnknownCommand       = errors.New("unknown command")
	ErrFieldsParseError     = errors.New("fields parse error")
	ErrInvalidLineSeparator = errors.New("invalid line separator")
	ErrInvalidCharInKey     = errors.New("key contains invalid characters")
	ErrNoValue              = errors.New("value block is missing")
	ErrValueSizeMismatch    = errors.New("value block size mismatch")
	ErrTrailingData         = errors.New("unexpected data after command")

	separatorBytes = []byte(Separator)
)

type Verb int

const (
	VerbGet Verb = iota
	VerbGets
	VerbDelete
	VerbSet
	VerbAdd
	VerbAppend
	VerbPrepend
	VerbIncr
	VerbDecr
	VerbStats
	verbsNum
)

var verbNames = [verbsNum]string{
	VerbGet:     GetCommand,
	VerbGets:    GetsCommand,
	VerbDelete:  DeleteCommand,
	VerbSet:     SetCommand,
	VerbAdd:     AddCommand,
	VerbAppend:  AppendCommand,
	VerbPrepend: PrependCommand,
	VerbIncr:    IncrCommand,
	VerbDecr:    DecrCommand,
	VerbStats:   StatsCommand,
}

func (v Verb) String() string {
	if v < 0 || v >= verbsNum {
		return fmt.Sprintf("Verb(%d)", int(v))
	}
	return verbNames[v]
}

func verbFromString(s string) (v Verb, ok bool) {
	switch s { // No allocation on string([]byte) conversion.
	case GetCommand:
		return VerbGet, true
	case GetsCommand:
		return VerbGets, true
	case DeleteCommand:
		return VerbDelete, true
	case SetCommand:
		return VerbSet, true
	case AddCommand:
		return VerbAdd, true
	case AppendCommand:
		return VerbAppend, true
	case PrependCommand:
		return VerbPrepend, true
	case IncrCommand:
		return VerbIncr, true
	case DecrCommand:
		return VerbDecr, true
	case StatsCommand:
		return VerbStats, true
	}
	return
}

func (v Verb) setLike() bool {
	return v == VerbSet || v == VerbAdd || v == VerbAppend || v == VerbPrepend
}

// Command is parsed client request. Fields meaning depends on Verb:
// Keys is set for get and gets; Key for all other verbs except stats;
// Flags, TTL and Value for set, add, append and prepend; Amount for incr and decr.
// WARN: byte slices point into parsed buffer and are invalidated when it is reused.
type Command struct {
	Verb   Verb
	Keys   [][]byte
	Key    []byte
	Flags  uint32
	TTL    uint64
	Value  []byte
	Amount uint64
}

type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprint("parse error: ", util.Unwrap(e.Err))
}

func parseError(err error) error {
	return &ParseError{err}
}

// Parse decodes exactly one command from raw. Raw should contain command line
// and, for set like commands, value block. Both should be terminated with separator.
func Parse(raw []byte) (c Command, err error) {
	defer func() {
		if err != nil {
			err = parseError(err)
		}
	}()
	lineEnd := bytes.Index(raw, separatorBytes)
	if lineEnd < 0 {
		err = stackerr.Wrap(ErrInvalidLineSeparator)
		return
	}
	rest := raw[lineEnd+len(Separator):]
	fields := splitFields(raw[:lineEnd])
	if len(fields) == 0 {
		err = stackerr.Wrap(ErrEmptyCommand)
		return
	}
	var ok bool
	c.Verb, ok = verbFromString(string(fields[0]))
	if !ok {
		err = stackerr.Newf("%s: %q", ErrUnknownCommand, fields[0])
		return
	}
	fields = fields[1:]
	switch {
	case c.Verb == VerbGet || c.Verb == VerbGets:
		err = parseGetFields(&c, fields)
	case c.Verb == VerbDelete:
		err = checkFieldsNum(fields, 1)
		if err == nil {
			c.Key = fields[0]
			err = checkKey(c.Key)
		}
	case c.Verb.setLike():
		rest, err = parseSetLike(&c, fields, rest)
	case c.Verb == VerbIncr || c.Verb == VerbDecr:
		err = parseIncrFields(&c, fields)
	case c.Verb == VerbStats:
		// Arguments are accepted and ignored.
	}
	if err == nil && len(rest) != 0 {
		err = stackerr.Wrap(ErrTrailingData)
	}
	return
}

func parseGetFields(c *Command, fields [][]byte) error {
	if len(fields) == 0 {
		return stackerr.Wrap(ErrMoreFieldsRequired)
	}
	for _, key := range fields {
		if err := checkKey(key); err != nil {
			return err
		}
	}
	c.Keys = fields
	return nil
}

// parseSetLike parses "<key> <flags> <ttl> [<bytes>]" fields and value block.
func parseSetLike(c *Command, fields [][]byte, block []byte) (rest []byte, err error) {
	const required = 3
	if len(fields) < required {
		err = stackerr.Wrap(ErrMoreFieldsRequired)
		return
	}
	if len(fields) > required+1 {
		err = stackerr.Wrap(ErrTooManyFields)
		return
	}
	c.Key = fields[0]
	if err = checkKey(c.Key); err != nil {
		return
	}
	c.Flags, err = util.ParseUint32(fields[1])
	if err != nil {
		err = stackerr.Newf("%s: flags %q", ErrFieldsParseError, fields[1])
		return
	}
	c.TTL, err = util.ParseUint64(fields[2])
	if err != nil {
		err = stackerr.Newf("%s: ttl %q", ErrFieldsParseError, fields[2])
		return
	}
	if len(fields) == required {
		valueEnd := bytes.Index(block, separatorBytes)
		if valueEnd < 0 {
			err = stackerr.Wrap(ErrNoValue)
			return
		}
		c.Value = block[:valueEnd]
		rest = block[valueEnd+len(Separator):]
		return
	}
	var size uint64
	size, err = util.ParseUint64(fields[3])
	if err != nil {
		err = stackerr.Newf("%s: bytes %q", ErrFieldsParseError, fields[3])
		return
	}
	if size > MaxItemSize {
		err = stackerr.Wrap(ErrTooLargeItem)
		return
	}
	n := int(size)
	if len(block) < n+len(Separator) || !bytes.Equal(block[n:n+len(Separator)], separatorBytes) {
		err = stackerr.Wrap(ErrValueSizeMismatch)
		return
	}
	c.Value = block[:n]
	rest = block[n+len(Separator):]
	return
}

func parseIncrFields(c *Command, fields [][]byte) (err error) {
	if err = checkFieldsNum(fields, 2); err != nil {
		return
	}
	c.Key = fields[0]
	if err = checkKey(c.Key); err != nil {
		return
	}
	c.Amount, err = util.ParseUint64(fields[1])
	if err != nil {
		err = stackerr.Newf("%s: amount %q", ErrFieldsParseError, fields[1])
	}
	return
}

func checkFieldsNum(fields [][]byte, n int) error {
	switch {
	case len(fields) < n:
		return stackerr.Wrap(ErrMoreFieldsRequired)
	case len(fields) > n:
		return stackerr.Wrap(ErrTooManyFields)
	}
	return nil
}

// splitFields splits line by spaces. Other bytes, including any whitespace
// besides space, are field content.
func splitFields(line []byte) (fields [][]byte) {
	start := -1
	for i, b := range line {
		if b == ' ' {
			if start >= 0 {
				fields = append(fields, line[start:i:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		fields = append(fields, line[start:len(line):len(line)])
	}
	return
}

func isInvalidFieldChar(b byte) bool {
	return b <= ' ' || b == 127
}

func checkKey(p []byte) error {
	if len(p) > MaxKeySize {
		return stackerr.Wrap(ErrTooLargeKey)
	}
	for _, b := range p {
		if isInvalidFieldChar(b) {
			return stackerr.Wrap(ErrInvalidCharInKey)
		}
	}
	return nil
}

// valueBlock reports whether value block follows command line, and its declared size.
// Size is negative when it is not declared, and block lasts until first separator.
func valueBlock(line []byte) (follows bool, size int) {
	fields := splitFields(bytes.TrimSuffix(line, separatorBytes))
	if len(fields) == 0 {
		return
	}
	verb, ok := verbFromString(string(fields[0]))
	if !ok || !verb.setLike() {
		return
	}
	follows = true
	size = -1
	const bytesField = 4
	if len(fields) == bytesField+1 {
		declared, err := util.ParseUint64(fields[bytesField])
		if err == nil && declared <= MaxItemSize {
			size = int(declared)
		}
	}
	return
}

func isQuit(line []byte) bool {
	fields := splitFields(bytes.TrimSuffix(line, separatorBytes))
	return len(fields) == 1 && string(fields[0]) == QuitCommand
}
