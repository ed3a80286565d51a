package transport

import (
	"fmt"
	"sync"

	"github.com/mi-e2ee/client/trust"
)

// Dial builds a fresh Stream for params, selecting the implementation
// from params.Mode.
func Dial(params Params, store *trust.Store) (Stream, error) {
	switch params.Mode {
	case ModeTCP:
		return newTCPStream(params)
	case ModeTLS:
		if store == nil {
			return nil, fmt.Errorf("transport: tls mode requires a trust store")
		}
		return newTLSStream(params, store)
	case ModeKCP:
		return newKCPStream(params)
	default:
		return nil, fmt.Errorf("transport: unknown mode %d", params.Mode)
	}
}

// Cache holds one lazily-built Stream, rebuilding it whenever the
// requested Params differ from the ones it was built with (spec.md
// §4.3's caching contract) or after the current stream reports an
// error.
type Cache struct {
	mu     sync.Mutex
	store  *trust.Store
	params Params
	have   bool
	stream Stream
}

// NewCache creates an empty connection cache bound to store (used for
// TLS-pinned connections; may be nil if only TCP/KCP modes are used).
func NewCache(store *trust.Store) *Cache {
	return &Cache{store: store}
}

// Get returns the cached stream for params, building (or rebuilding) one
// if none exists or the parameters changed.
func (c *Cache) Get(params Params) (Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.have && c.params.Equal(params) {
		return c.stream, nil
	}
	if c.have {
		c.stream.Close()
		c.have = false
	}
	stream, err := Dial(params, c.store)
	if err != nil {
		return nil, err
	}
	c.stream = stream
	c.params = params
	c.have = true
	return stream, nil
}

// Drop closes and discards the cached stream, forcing the next Get to
// reconnect — used after a send/recv error per spec.md §4.3.
func (c *Cache) Drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.have {
		c.stream.Close()
		c.have = false
	}
}

// SendAndRecv is the convenience entry point: get the cached (or fresh)
// stream, send the frame, and drop the cache on any I/O error so the
// next call reconnects.
func (c *Cache) SendAndRecv(params Params, frameType byte, payload []byte) (byte, []byte, error) {
	stream, err := c.Get(params)
	if err != nil {
		return 0, nil, err
	}
	respType, respPayload, err := stream.SendAndRecv(frameType, payload)
	if err != nil {
		c.Drop()
		return 0, nil, err
	}
	return respType, respPayload, nil
}
