package diskcached

import (
	"bufio"
	"bytes"
	"io"

	"github.com/facebookgo/stackerr"

	"github.com/skipor/diskcached/internal/util"
	"github.com/skipor/diskcached/log"
)

type conn struct {
	reader
	*bufio.Writer
	closer io.Closer
	*ConnMeta
	log log.Logger
	// buf holds command line and value block of command being handled.
	buf []byte
}

func newConn(l log.Logger, m *ConnMeta, rwc io.ReadWriteCloser) *conn {
	return &conn{
		reader:   newReader(rwc),
		Writer:   bufio.NewWriterSize(rwc, OutBufferSize),
		closer:   rwc,
		ConnMeta: m,
		log:      l,
	}
}

func (c *conn) serve() {
	c.log.Debug("Serve connection.")
	defer func() {
		if r := recover(); r != nil {
			c.serverError(stackerr.Newf("Panic: %s", r))
			panic(r)
		}
		c.Close()
		c.log.Debug("Connection closed.")
	}()

	err := c.loop()
	if err != nil {
		c.serverError(err)
	}
}

func (c *conn) Close() error {
	c.Flush()
	return c.closer.Close()
}

func (c *conn) loop() error {
	for {
		raw, clientErr, err := c.readCommand()
		if err != nil {
			if util.Unwrap(err) == io.EOF {
				// Just client disconnect. Ok.
				return nil
			}
			return err
		}
		if clientErr != nil {
			err = c.sendClientError(clientErr)
		} else if isQuit(raw) {
			c.log.Debug("Quit.")
			return nil
		} else {
			_, err = c.Router.Handle(raw).WriteTo(c.Writer)
		}
		if err != nil {
			return err
		}
		// Pipelined commands are answered in one flush.
		if c.reader.Buffered() == 0 {
			err = c.Flush()
			if err != nil {
				return err
			}
		}
	}
}

// readCommand reads command line and value block, if any.
// WARN: returned raw is valid until next readCommand call.
func (c *conn) readCommand() (raw []byte, clientErr, err error) {
	var line []byte
	line, clientErr, err = c.readLine()
	if err != nil || clientErr != nil {
		return
	}
	c.buf = append(c.buf[:0], line...)
	follows, size := valueBlock(line)
	if !follows {
		raw = c.buf
		return
	}
	if size >= 0 {
		clientErr, err = c.readSizedValue(size)
	} else {
		clientErr, err = c.readDelimitedValue()
	}
	if err != nil || clientErr != nil {
		return
	}
	raw = c.buf
	return
}

func (c *conn) readSizedValue(size int) (clientErr, err error) {
	if size > c.MaxItemSize {
		clientErr = stackerr.Wrap(ErrTooLargeItem)
		_, err = c.Discard(size + len(Separator))
		err = stackerr.Wrap(err)
		return
	}
	start := len(c.buf)
	need := start + size + len(Separator)
	if cap(c.buf) < need {
		c.buf = append(make([]byte, 0, need), c.buf...)
	}
	c.buf = c.buf[:need]
	_, err = io.ReadFull(c.reader, c.buf[start:])
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	err = stackerr.Wrap(err)
	return
}

// readDelimitedValue reads value block until first separator.
func (c *conn) readDelimitedValue() (clientErr, err error) {
	start := len(c.buf)
	for {
		var chunk []byte
		chunk, err = c.ReadSlice('\n')
		if err != nil && err != bufio.ErrBufferFull {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			err = stackerr.Wrap(err)
			return
		}
		err = nil
		c.buf = append(c.buf, chunk...)
		if len(c.buf)-start > c.MaxItemSize+len(Separator) {
			clientErr = stackerr.Wrap(ErrTooLargeItem)
			if !bytes.HasSuffix(c.buf, separatorBytes) {
				err = c.discardCommand()
			}
			return
		}
		if bytes.HasSuffix(c.buf[start:], separatorBytes) {
			return
		}
	}
}

func (c *conn) serverError(err error) {
	c.log.Error("Server error: ", err)
	if util.Unwrap(err) == io.ErrUnexpectedEOF {
		return
	}
	c.sendResponse(ServerError(util.Unwrap(err).Error()))
}

func (c *conn) sendClientError(err error) error {
	c.log.Warn("Client error: ", err)
	return c.sendResponse(ClientError(util.Unwrap(err).Error()))
}

func (c *conn) sendResponse(res Response) error {
	_, err := res.WriteTo(c.Writer)
	if err != nil {
		return err
	}
	return c.Flush()
}

func (c *conn) Flush() error {
	return stackerr.Wrap(c.Writer.Flush())
}

type reader struct {
	*bufio.Reader
}

func newReader(r io.Reader) reader {
	return reader{bufio.NewReaderSize(r, InBufferSize)}
}

// readLine returns command line with separator.
// WARN: retuned byte slice points into read buffer and invalidated after next read.
func (r reader) readLine() (line []byte, clientErr, err error) {
	// We accept only "\r\n" separator, so can't use ReadLine here.
	line, err = r.ReadSlice('\n')
	if err == bufio.ErrBufferFull || err == nil && len(line) > MaxCommandSize {
		line = nil
		clientErr = stackerr.Wrap(ErrTooLargeCommand)
		if err == bufio.ErrBufferFull {
			err = r.discardCommand()
		} else {
			err = nil
		}
		return
	}
	if err == io.EOF {
		if len(line) != 0 {
			err = stackerr.Wrap(io.ErrUnexpectedEOF)
		}
		line = nil
		return
	}
	if err != nil {
		line = nil
		err = stackerr.Wrap(err)
		return
	}
	if !bytes.HasSuffix(line, separatorBytes) {
		line = nil
		clientErr = stackerr.Wrap(ErrInvalidLineSeparator)
	}
	return
}

// discardCommand discard all input until next separator.
func (r reader) discardCommand() error {
	for {
		lineWithSeparator, err := r.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return stackerr.Wrap(err)
		}
		if !bytes.HasSuffix(lineWithSeparator, separatorBytes) {
			continue
		}
		return nil
	}
}
