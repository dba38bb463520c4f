package engine

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// Memory is not durable Engine. Useful for tests and throwaway instances.
type Memory struct {
	data *xsync.MapOf[string, []byte]
}

var _ Engine = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{data: xsync.NewMapOf[string, []byte]()}
}

func (m *Memory) Get(key []byte) ([]byte, error) {
	v, ok := m.data.Load(string(key))
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Put(key, value []byte) error {
	m.data.Store(string(key), append([]byte(nil), value...))
	return nil
}

func (m *Memory) Delete(key []byte) error {
	if _, ok := m.data.LoadAndDelete(string(key)); !ok {
		return ErrNotFound
	}
	return nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Len() int { return m.data.Size() }
