package server

import (
	"net/http"
	"sync"

	"github.com/deviant-guru/reliw/pkg/types"
)

// DynamicHandler produces the response body for one piece of dynamic
// content. It receives the request and the stored content record and
// returns the body and its MIME type.
type DynamicHandler func(r *http.Request, c *types.Content) ([]byte, string, error)

// DynamicRegistry maps content identities (the stored content's
// digest) to registered handlers. Content carrying the dynamic MIME
// type resolves through this table; the stored bytes are never
// evaluated as code. Dynamic content without a registered handler is
// an internal error.
type DynamicRegistry struct {
	mu       sync.RWMutex
	handlers map[string]DynamicHandler
}

// NewDynamicRegistry creates an empty registry.
func NewDynamicRegistry() *DynamicRegistry {
	return &DynamicRegistry{handlers: make(map[string]DynamicHandler)}
}

// Register binds a handler to a content digest.
func (d *DynamicRegistry) Register(digest string, h DynamicHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[digest] = h
}

// Lookup returns the handler for a content digest.
func (d *DynamicRegistry) Lookup(digest string) (DynamicHandler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[digest]
	return h, ok
}
