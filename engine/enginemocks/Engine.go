package enginemocks

import "github.com/stretchr/testify/mock"

// Engine is mock of engine.Engine.
type Engine struct {
	mock.Mock
}

func (m *Engine) Get(key []byte) ([]byte, error) {
	ret := m.Called(key)
	var value []byte
	if v := ret.Get(0); v != nil {
		value = v.([]byte)
	}
	return value, ret.Error(1)
}

func (m *Engine) Put(key, value []byte) error {
	ret := m.Called(key, value)
	return ret.Error(0)
}

func (m *Engine) Delete(key []byte) error {
	ret := m.Called(key)
	return ret.Error(0)
}

func (m *Engine) Close() error {
	ret := m.Called()
	return ret.Error(0)
}
