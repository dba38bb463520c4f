package diskcached

import (
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/skipor/diskcached/log"
)

const DefaultAddr = ":11211"

var (
	ErrServerClosed    = errors.New("diskcached: server closed")
	ErrShutdownTimeout = errors.New("diskcached: shutdown timeout")
)

type Server struct {
	Addr string
	ConnMeta
	Log         log.Logger
	connCounter int64

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	active   map[net.Conn]struct{}
	conns    sync.WaitGroup
}

// ConnMeta is data shared between connections.
type ConnMeta struct {
	Router      *Router
	MaxItemSize int
}

func (s *Server) ListenAndServe() error {
	if s.Addr == "" {
		s.Addr = DefaultAddr
	}
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on l until Close. ErrServerClosed returned after Close.
func (s *Server) Serve(l net.Listener) error {
	s.init()
	if !s.track(l) {
		l.Close()
		return ErrServerClosed
	}
	var tempDelay time.Duration // How long to sleep on accept failure.
	for {
		c, err := l.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			if ne, ok := err.(net.Error); !(ok && ne.Temporary()) {
				return err
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if max := 1 * time.Second; tempDelay > max {
				tempDelay = max
			}
			s.Log.Errorf("diskcached: Accept error: %v; retrying in %v", err, tempDelay)
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0
		conn := s.newConn(c)
		s.conns.Add(1)
		s.activate(c)
		go func() {
			defer s.conns.Done()
			defer s.deactivate(c)
			conn.serve()
		}()
	}
}

// Close stops accepting new connections. Already accepted connections are served
// until clients disconnect. Use Wait to wait for them.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// Wait blocks until all accepted connections are closed.
func (s *Server) Wait() {
	s.conns.Wait()
}

// Shutdown closes server and read side of accepted connections, so commands
// already read are answered before connections close. Connections which are
// still active after timeout are closed, and ErrShutdownTimeout returned.
func (s *Server) Shutdown(timeout time.Duration) error {
	err := s.Close()
	s.mu.Lock()
	for c := range s.active {
		closeRead(c)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-time.After(timeout):
	}
	s.mu.Lock()
	s.Log.Warnf("Closing %v connections after shutdown timeout.", len(s.active))
	for c := range s.active {
		c.Close()
	}
	s.mu.Unlock()
	<-done
	return ErrShutdownTimeout
}

func (s *Server) activate(c net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		s.active = make(map[net.Conn]struct{})
	}
	s.active[c] = struct{}{}
	if s.closed {
		// Accepted concurrently with Shutdown.
		closeRead(c)
	}
}

func (s *Server) deactivate(c net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, c)
}

func closeRead(c net.Conn) {
	if cr, ok := c.(interface {
		CloseRead() error
	}); ok {
		cr.CloseRead()
		return
	}
	c.Close()
}

func (s *Server) track(l net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.listener = l
	return true
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) newConn(c net.Conn) *conn {
	id := atomic.AddInt64(&s.connCounter, 1)
	l := s.Log.WithFields(log.Fields{"conn": id, "remote": c.RemoteAddr().String()})
	return newConn(l, &s.ConnMeta, c)
}

func (s *Server) init() {
	if s.Log == nil {
		s.Log = log.NewLogger(log.ErrorLevel, os.Stderr)
	}
	if s.Router == nil {
		s.Log.Panic("Router is required.")
	}
	s.ConnMeta.init()
}

func (m *ConnMeta) init() {
	if m.MaxItemSize == 0 {
		m.MaxItemSize = DefaultMaxItemSize
	}
}
