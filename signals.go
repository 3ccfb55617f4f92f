package ringside

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// SignalHub fans app-lifecycle and connectivity signals out to the
// components that react to them: resources refetch on focus and reconnect,
// and the replica read path consults Online before trying the network.
// The host app feeds it from whatever lifecycle hooks the platform offers.
type SignalHub struct {
	logger *slog.Logger

	mu        sync.Mutex
	online    bool
	nextID    atomic.Int64
	onFocus   map[int64]func()
	onOnline  map[int64]func()
	onOffline map[int64]func()
}

// NewSignalHub creates a hub that assumes connectivity until told otherwise.
func NewSignalHub(logger *slog.Logger) *SignalHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalHub{
		logger:    logger,
		online:    true,
		onFocus:   make(map[int64]func()),
		onOnline:  make(map[int64]func()),
		onOffline: make(map[int64]func()),
	}
}

// Online reports the last known connectivity state.
func (h *SignalHub) Online() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.online
}

// NotifyOnline records a connectivity gain. Callbacks fire only on an actual
// offline-to-online transition so repeated notifications cannot cause
// refetch storms.
func (h *SignalHub) NotifyOnline() {
	h.mu.Lock()
	if h.online {
		h.mu.Unlock()
		return
	}
	h.online = true
	fns := collectFns(h.onOnline)
	h.mu.Unlock()

	h.logger.Debug("connectivity gained", "subscribers", len(fns))
	for _, fn := range fns {
		fn()
	}
}

// NotifyOffline records a connectivity loss.
func (h *SignalHub) NotifyOffline() {
	h.mu.Lock()
	if !h.online {
		h.mu.Unlock()
		return
	}
	h.online = false
	fns := collectFns(h.onOffline)
	h.mu.Unlock()

	h.logger.Debug("connectivity lost", "subscribers", len(fns))
	for _, fn := range fns {
		fn()
	}
}

// NotifyFocus records the app returning to the foreground.
func (h *SignalHub) NotifyFocus() {
	h.mu.Lock()
	fns := collectFns(h.onFocus)
	h.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// OnFocus registers fn to run on each focus signal.
func (h *SignalHub) OnFocus(fn func()) (cancel func()) {
	return h.register(h.onFocus, fn)
}

// OnOnline registers fn to run on each offline-to-online transition.
func (h *SignalHub) OnOnline(fn func()) (cancel func()) {
	return h.register(h.onOnline, fn)
}

// OnOffline registers fn to run on each online-to-offline transition.
func (h *SignalHub) OnOffline(fn func()) (cancel func()) {
	return h.register(h.onOffline, fn)
}

func (h *SignalHub) register(m map[int64]func(), fn func()) (cancel func()) {
	id := h.nextID.Add(1)
	h.mu.Lock()
	m[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(m, id)
		h.mu.Unlock()
	}
}

func collectFns(m map[int64]func()) []func() {
	if len(m) == 0 {
		return nil
	}
	fns := make([]func(), 0, len(m))
	for _, fn := range m {
		fns = append(fns, fn)
	}
	return fns
}
