package halcmd

import (
	"log/slog"
	"sync"
)

// Handler receives inbound messages routed by the dispatcher.
//
// Returning ErrStopDispatch stops the fan-out of this message to further
// subscriptions. Any other error is logged and the fan-out continues. The
// dispatcher never unsubscribes a handler on its behalf.
type Handler interface {
	HandleMessage(msg *Message) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(msg *Message) error

// HandleMessage calls f(msg).
func (f HandlerFunc) HandleMessage(msg *Message) error {
	return f(msg)
}

// SubscriptionID identifies a listener registered with AddListener.
type SubscriptionID uint64

// Subscription is one matched entry handed to the dispatcher. Owner, when
// set, is reference counted around the handler invocation.
type Subscription struct {
	ID       SubscriptionID
	Key      DispatchKey
	Handler  Handler
	Owner    *Command
	Listener bool
}

// SubscriptionTable maps dispatch keys to handlers. It is independent of the
// CommandRegistry and guarded by its own mutex; handlers are never invoked
// while that mutex is held.
type SubscriptionTable struct {
	mu       sync.Mutex
	entries  []*Subscription // registration order is dispatch order
	nextID   SubscriptionID
	capacity int
	logger   *slog.Logger
}

// NewSubscriptionTable creates an empty table. capacity bounds the number of
// entries; 0 means unbounded.
func NewSubscriptionTable(capacity int, logger *slog.Logger) *SubscriptionTable {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionTable{capacity: capacity, logger: logger}
}

// RegisterHandler installs the exclusive handler for a non-vendor kind.
// Vendor handlers must go through RegisterVendorHandler.
func (t *SubscriptionTable) RegisterHandler(kind MessageKind, h Handler, owner *Command) error {
	if kind == KindVendor {
		return newError(ErrorTypeInvalidOperation, "register handler",
			"vendor handlers must be registered with RegisterVendorHandler")
	}
	_, err := t.add(CommandKey(kind), h, owner, false)
	return err
}

// RegisterVendorHandler installs the exclusive handler for (vendorID, subcmd).
func (t *SubscriptionTable) RegisterVendorHandler(vendorID, subcmd uint32, h Handler, owner *Command) error {
	_, err := t.add(VendorKey(vendorID, subcmd), h, owner, false)
	return err
}

// RegisterKey installs the exclusive handler for any key.
func (t *SubscriptionTable) RegisterKey(key DispatchKey, h Handler, owner *Command) error {
	_, err := t.add(key, h, owner, false)
	return err
}

// ReplaceHandler installs h as the exclusive handler for key, replacing any
// existing exclusive handler in place.
func (t *SubscriptionTable) ReplaceHandler(key DispatchKey, h Handler, owner *Command) error {
	if h == nil {
		return newError(ErrorTypeInvalidOperation, "replace handler", "nil handler for %s", key)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if !e.Listener && e.Key == key {
			e.Handler = h
			e.Owner = owner
			t.logger.Debug("replaced handler", "key", key)
			return nil
		}
	}
	_, err := t.addLocked(key, h, owner, false)
	return err
}

// AddListener subscribes h to a broadcast key. Several listeners may share a
// key; each is removed with RemoveListener.
func (t *SubscriptionTable) AddListener(key DispatchKey, h Handler) (SubscriptionID, error) {
	return t.add(key, h, nil, true)
}

func (t *SubscriptionTable) add(key DispatchKey, h Handler, owner *Command, listener bool) (SubscriptionID, error) {
	if h == nil {
		return 0, newError(ErrorTypeInvalidOperation, "register handler", "nil handler for %s", key)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addLocked(key, h, owner, listener)
}

func (t *SubscriptionTable) addLocked(key DispatchKey, h Handler, owner *Command, listener bool) (SubscriptionID, error) {
	if !listener {
		for _, e := range t.entries {
			if !e.Listener && e.Key == key {
				return 0, newError(ErrorTypeAlreadyRegistered, "register handler", "%s", key)
			}
		}
	}
	if t.capacity > 0 && len(t.entries) >= t.capacity {
		return 0, newError(ErrorTypeOutOfSlots, "register handler", "%d subscriptions", t.capacity)
	}

	t.nextID++
	t.entries = append(t.entries, &Subscription{
		ID:       t.nextID,
		Key:      key,
		Handler:  h,
		Owner:    owner,
		Listener: listener,
	})
	t.logger.Debug("added handler", "key", key, "listener", listener)
	return t.nextID, nil
}

// UnregisterHandler removes the exclusive handler for a non-vendor kind. It
// is not an error if none is registered. Vendor handlers are rejected with
// ErrInvalidOperation; use UnregisterVendorHandler.
func (t *SubscriptionTable) UnregisterHandler(kind MessageKind) error {
	if kind == KindVendor {
		return newError(ErrorTypeInvalidOperation, "unregister handler",
			"vendor handlers must be removed with UnregisterVendorHandler")
	}
	t.remove(CommandKey(kind))
	return nil
}

// UnregisterVendorHandler removes the exclusive handler for (vendorID,
// subcmd), if any.
func (t *SubscriptionTable) UnregisterVendorHandler(vendorID, subcmd uint32) {
	t.remove(VendorKey(vendorID, subcmd))
}

// UnregisterKey removes the exclusive handler for key, if any.
func (t *SubscriptionTable) UnregisterKey(key DispatchKey) {
	t.remove(key)
}

func (t *SubscriptionTable) remove(key DispatchKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.entries {
		if !e.Listener && e.Key == key {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			t.logger.Debug("removed handler", "key", key)
			return true
		}
	}
	return false
}

// UnregisterOwned removes the exclusive handler for key only if owner
// installed it.
func (t *SubscriptionTable) UnregisterOwned(key DispatchKey, owner *Command) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.entries {
		if !e.Listener && e.Key == key && e.Owner == owner {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			t.logger.Debug("removed handler", "key", key)
			return true
		}
	}
	return false
}

// Remove removes the entry with the given id, exclusive or listener.
func (t *SubscriptionTable) Remove(id SubscriptionID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.entries {
		if e.ID == id {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveListener removes a listener added with AddListener.
func (t *SubscriptionTable) RemoveListener(id SubscriptionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.entries {
		if e.Listener && e.ID == id {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

// RemoveOwner removes every entry owned by cmd and returns how many were
// removed.
func (t *SubscriptionTable) RemoveOwner(cmd *Command) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.entries[:0]
	removed := 0
	for _, e := range t.entries {
		if e.Owner == cmd {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(t.entries); i++ {
		t.entries[i] = nil
	}
	t.entries = kept
	return removed
}

// MatchAll returns a snapshot of every subscription matching the message
// routing fields. Vendor messages match only on exact (vendorID, subcmd).
func (t *SubscriptionTable) MatchAll(kind MessageKind, vendorID, subcmd uint32) []Subscription {
	key := CommandKey(kind)
	if kind == KindVendor {
		key = VendorKey(vendorID, subcmd)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Subscription
	for _, e := range t.entries {
		if e.Key == key {
			out = append(out, *e)
		}
	}
	return out
}

// Has reports whether an exclusive handler is registered for key.
func (t *SubscriptionTable) Has(key DispatchKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if !e.Listener && e.Key == key {
			return true
		}
	}
	return false
}

// Len returns the number of entries.
func (t *SubscriptionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Clear removes every entry.
func (t *SubscriptionTable) Clear() {
	t.Drain()
}

// Drain removes every entry and returns what was removed.
func (t *SubscriptionTable) Drain() []Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Subscription, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	t.entries = nil
	return out
}
