package halcmd

import (
	"log/slog"
	"sync"

	"github.com/machinefabric/halcmd-go/metrics"
)

// CommandRegistry maps request ids to the in-flight commands that issued
// them. All operations run under one mutex and never block on I/O.
type CommandRegistry struct {
	mu       sync.Mutex
	commands map[RequestID]*Command
	capacity int // 0 = unbounded
	logger   *slog.Logger
	metrics  *metrics.Collector
}

// NewCommandRegistry creates an empty registry. capacity bounds the number of
// registered commands; 0 means unbounded.
func NewCommandRegistry(capacity int, logger *slog.Logger, m *metrics.Collector) *CommandRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandRegistry{
		commands: make(map[RequestID]*Command),
		capacity: capacity,
		logger:   logger,
		metrics:  m,
	}
}

// Register adds cmd under id. It fails with ErrAlreadyRegistered when id is
// already in flight and with ErrOutOfSlots when the registry is full.
func (r *CommandRegistry) Register(id RequestID, cmd *Command) error {
	_, err := r.register(id, cmd, false)
	return err
}

// register adds cmd under id. With reentrant set, id already held by cmd
// itself is not an error and reports added false.
func (r *CommandRegistry) register(id RequestID, cmd *Command, reentrant bool) (added bool, err error) {
	r.mu.Lock()
	if cur, exists := r.commands[id]; exists {
		r.mu.Unlock()
		if reentrant && cur == cmd {
			return false, nil
		}
		return false, newError(ErrorTypeAlreadyRegistered, "register", "request id %d", id)
	}
	if r.capacity > 0 && len(r.commands) >= r.capacity {
		r.mu.Unlock()
		return false, newError(ErrorTypeOutOfSlots, "register", "%d commands in flight", r.capacity)
	}
	r.commands[id] = cmd
	n := len(r.commands)
	r.mu.Unlock()

	r.metrics.SetCommandsInFlight(n)
	r.logger.Debug("registered command", "request_id", id)
	return true, nil
}

// Unregister removes and returns the command registered under id. It is
// idempotent: a second call returns (nil, false).
func (r *CommandRegistry) Unregister(id RequestID) (*Command, bool) {
	r.mu.Lock()
	cmd, ok := r.commands[id]
	if ok {
		delete(r.commands, id)
	}
	n := len(r.commands)
	r.mu.Unlock()

	if ok {
		r.metrics.SetCommandsInFlight(n)
		r.logger.Debug("unregistered command", "request_id", id)
	}
	return cmd, ok
}

// unregisterIf removes id only while it still maps to cmd.
func (r *CommandRegistry) unregisterIf(id RequestID, cmd *Command) bool {
	r.mu.Lock()
	cur, ok := r.commands[id]
	if !ok || cur != cmd {
		r.mu.Unlock()
		return false
	}
	delete(r.commands, id)
	n := len(r.commands)
	r.mu.Unlock()

	r.metrics.SetCommandsInFlight(n)
	r.logger.Debug("unregistered command", "request_id", id)
	return true
}

// take removes the command registered under id and returns it with an
// extra reference the caller must release. A command whose last reference
// is already gone is removed but not returned.
func (r *CommandRegistry) take(id RequestID) (*Command, bool) {
	r.mu.Lock()
	cmd, ok := r.commands[id]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.commands, id)
	n := len(r.commands)
	alive := cmd.tryAddRef()
	r.mu.Unlock()

	r.metrics.SetCommandsInFlight(n)
	if !alive {
		return nil, false
	}
	return cmd, true
}

// UnregisterCommand removes cmd wherever it is registered. It reports whether
// an entry was removed.
func (r *CommandRegistry) UnregisterCommand(cmd *Command) bool {
	r.mu.Lock()
	var removed bool
	for id, c := range r.commands {
		if c == cmd {
			delete(r.commands, id)
			removed = true
			break
		}
	}
	n := len(r.commands)
	r.mu.Unlock()

	if removed {
		r.metrics.SetCommandsInFlight(n)
	}
	return removed
}

// Lookup returns the command registered under id. The returned pointer is a
// borrowed reference; callers that keep it beyond the current call must
// AddRef it.
func (r *CommandRegistry) Lookup(id RequestID) (*Command, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.commands[id]
	return cmd, ok
}

// Len returns the number of registered commands.
func (r *CommandRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commands)
}

// Drain removes every entry and returns the removed commands.
func (r *CommandRegistry) Drain() []*Command {
	r.mu.Lock()
	out := make([]*Command, 0, len(r.commands))
	for _, c := range r.commands {
		out = append(out, c)
	}
	r.commands = make(map[RequestID]*Command)
	r.mu.Unlock()

	r.metrics.SetCommandsInFlight(0)
	return out
}
