package diskcached

import (
	"fmt"
	"io"
	"strings"

	"github.com/facebookgo/stackerr"

	"github.com/skipor/diskcached/internal/util"
	"github.com/skipor/diskcached/store"
)

type ResponseKind int

const (
	KindValues ResponseKind = iota
	KindStored
	KindNotStored
	KindDeleted
	KindNotFound
	KindNumber
	KindError
	KindClientError
	KindServerError
	KindNotImplemented
	responseKindsNum
)

var responseKindNames = [responseKindsNum]string{
	KindValues:         "values",
	KindStored:         "stored",
	KindNotStored:      "not_stored",
	KindDeleted:        "deleted",
	KindNotFound:       "not_found",
	KindNumber:         "number",
	KindError:          "error",
	KindClientError:    "client_error",
	KindServerError:    "server_error",
	KindNotImplemented: "not_implemented",
}

func (k ResponseKind) String() string {
	if k < 0 || k >= responseKindsNum {
		return fmt.Sprintf("ResponseKind(%d)", int(k))
	}
	return responseKindNames[k]
}

// Response is reply to exactly one command.
type Response struct {
	Kind ResponseKind
	// Items and WithCAS are used by KindValues.
	Items   []store.Item
	WithCAS bool
	// Number is used by KindNumber.
	Number uint64
	// Message is used by KindClientError and KindServerError.
	Message string
}

func Values(items []store.Item, withCAS bool) Response {
	return Response{Kind: KindValues, Items: items, WithCAS: withCAS}
}

func Number(n uint64) Response { return Response{Kind: KindNumber, Number: n} }

func ClientError(msg string) Response {
	return Response{Kind: KindClientError, Message: oneLine(msg)}
}

func ServerError(msg string) Response {
	return Response{Kind: KindServerError, Message: oneLine(msg)}
}

// oneLine replaces line breaks, so message can't be mistaken for next response.
func oneLine(msg string) string {
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return ' '
		}
		return r
	}, msg)
}

var (
	Stored         = Response{Kind: KindStored}
	NotStored      = Response{Kind: KindNotStored}
	Deleted        = Response{Kind: KindDeleted}
	NotFound       = Response{Kind: KindNotFound}
	Error          = Response{Kind: KindError}
	NotImplemented = Response{Kind: KindNotImplemented}
)

// AppendTo appends wire representation of r to dst.
func (r Response) AppendTo(dst []byte) []byte {
	switch r.Kind {
	case KindValues:
		for _, item := range r.Items {
			dst = appendValueHeader(dst, item, r.WithCAS)
			dst = append(dst, item.Value...)
			dst = append(dst, Separator...)
		}
		return appendLine(dst, EndResponse)
	case KindStored:
		return appendLine(dst, StoredResponse)
	case KindNotStored:
		return appendLine(dst, NotStoredResponse)
	case KindDeleted:
		return appendLine(dst, DeletedResponse)
	case KindNotFound:
		return appendLine(dst, NotFoundResponse)
	case KindNumber:
		dst = util.AppendUint64(dst, r.Number)
		return append(dst, Separator...)
	case KindError:
		return appendLine(dst, ErrorResponse)
	case KindClientError:
		return appendMessage(dst, ClientErrorResponse, r.Message)
	case KindServerError:
		return appendMessage(dst, ServerErrorResponse, r.Message)
	case KindNotImplemented:
		return appendMessage(dst, ServerErrorResponse, NotImplementedMessage)
	}
	panic(fmt.Sprintf("unexpected response kind: %v", r.Kind))
}

// WriteTo writes r to w. Values are written directly, without copy into intermediate buffer.
func (r Response) WriteTo(w io.Writer) (n int64, err error) {
	if r.Kind != KindValues {
		var buf [64]byte
		var nn int
		nn, err = w.Write(r.AppendTo(buf[:0]))
		return int64(nn), stackerr.Wrap(err)
	}
	header := make([]byte, 0, 64+MaxKeySize)
	write := func(p []byte) {
		if err != nil {
			return
		}
		var nn int
		nn, err = w.Write(p)
		n += int64(nn)
	}
	for _, item := range r.Items {
		header = appendValueHeader(header[:0], item, r.WithCAS)
		write(header)
		write(item.Value)
		write(separatorBytes)
	}
	write(appendLine(header[:0], EndResponse))
	err = stackerr.Wrap(err)
	return
}

func appendValueHeader(dst []byte, item store.Item, withCAS bool) []byte {
	dst = append(dst, ValueResponse...)
	dst = append(dst, ' ')
	dst = append(dst, item.Key...)
	dst = append(dst, ' ')
	dst = util.AppendUint64(dst, uint64(item.Flags))
	dst = append(dst, ' ')
	dst = util.AppendUint64(dst, uint64(len(item.Value)))
	if withCAS {
		dst = append(dst, ' ')
		dst = util.AppendUint64(dst, item.CAS)
	}
	return append(dst, Separator...)
}

func appendLine(dst []byte, line string) []byte {
	dst = append(dst, line...)
	return append(dst, Separator...)
}

func appendMessage(dst []byte, prefix, msg string) []byte {
	dst = append(dst, prefix...)
	dst = append(dst, ' ')
	dst = append(dst, msg...)
	return append(dst, Separator...)
}
