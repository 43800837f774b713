package client

import (
	"sync"
	"time"

	"github.com/basket/agentlink/internal/protocol"
)

// sessionHolder stores the server-issued session context for the current
// connection. Cleared on disconnect; a fresh context arrives with every
// successful (re)connect and the old one must never leak across.
type sessionHolder struct {
	mu      sync.RWMutex
	current *protocol.SessionContext
}

func (h *sessionHolder) set(ctx protocol.SessionContext) {
	h.mu.Lock()
	h.current = &ctx
	h.mu.Unlock()
}

func (h *sessionHolder) clear() {
	h.mu.Lock()
	h.current = nil
	h.mu.Unlock()
}

// get returns a copy of the current session context, if any.
func (h *sessionHolder) get() (protocol.SessionContext, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.current == nil {
		return protocol.SessionContext{}, false
	}
	return *h.current, true
}

// valid reports whether a session is present and not past its expiry.
func (h *sessionHolder) valid(now time.Time) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current != nil && !h.current.Expired(now)
}
