// Package notify implements the client-side change fan-out.
//
// After a chat turn, the client inspects the returned tool-call records
// and, if any invoked tool mutates task state, notifies every
// subscribed view so it can refresh. Because the backend write and the
// client's follow-up read can race, a single immediate notification may
// refresh before the write is visible. Instead of a push channel, the
// notifier fires twice at staggered delays; the second pass acts as a
// self-healing retry. This is a documented compromise, not a
// consistency guarantee.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"taskbot/internal/agent"
	"taskbot/internal/tools"
)

// Default delays between receiving a turn response and the two
// notification passes.
const (
	DefaultFirstDelay  = 600 * time.Millisecond
	DefaultSecondDelay = 2500 * time.Millisecond
)

// Listener reacts to "task state changed" events. Implementations are
// typically view refresh callbacks.
type Listener func()

// mutating is the predeclared set of tools whose invocation implies
// task state changed.
var mutating = map[string]bool{
	tools.ToolAddTask:      true,
	tools.ToolUpdateTask:   true,
	tools.ToolCompleteTask: true,
	tools.ToolDeleteTask:   true,
}

// Mutating reports whether the named tool belongs to the mutating set.
func Mutating(tool string) bool {
	return mutating[tool]
}

// Notifier fans task-change events out to subscribed listeners.
type Notifier struct {
	logger      *slog.Logger
	firstDelay  time.Duration
	secondDelay time.Duration

	mu        sync.Mutex
	listeners map[string]Listener
	timers    []*time.Timer
}

// NewNotifier creates a notifier with the default delays.
func NewNotifier(logger *slog.Logger) *Notifier {
	return NewNotifierWithDelays(logger, DefaultFirstDelay, DefaultSecondDelay)
}

// NewNotifierWithDelays allows tests (and impatient clients) to tune
// the two pass delays.
func NewNotifierWithDelays(logger *slog.Logger, first, second time.Duration) *Notifier {
	return &Notifier{
		logger:      logger,
		firstDelay:  first,
		secondDelay: second,
		listeners:   make(map[string]Listener),
	}
}

// Subscribe registers a listener under id, replacing any previous
// listener with the same id.
func (n *Notifier) Subscribe(id string, fn Listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners[id] = fn
}

// Unsubscribe removes the listener registered under id, if any.
func (n *Notifier) Unsubscribe(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.listeners, id)
}

// ObserveTurn inspects a turn's tool-call records and, if any mutating
// tool ran, schedules the two notification passes. Returns true when a
// refresh was scheduled.
func (n *Notifier) ObserveTurn(records []agent.ToolCallRecord) bool {
	changed := false
	for _, rec := range records {
		if Mutating(rec.Tool) {
			changed = true
			break
		}
	}
	if !changed {
		return false
	}

	n.mu.Lock()
	n.timers = append(n.timers,
		time.AfterFunc(n.firstDelay, n.notifyAll),
		time.AfterFunc(n.secondDelay, n.notifyAll),
	)
	n.mu.Unlock()

	n.logger.Debug("task change observed, refresh scheduled",
		"first_delay", n.firstDelay,
		"second_delay", n.secondDelay,
	)
	return true
}

// Stop cancels any pending notification passes. Listeners stay
// subscribed.
func (n *Notifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, t := range n.timers {
		t.Stop()
	}
	n.timers = nil
}

// notifyAll invokes every current listener. A snapshot is taken under
// the lock so listeners can subscribe or unsubscribe from inside their
// callback without deadlocking. Panics are contained per listener: one
// broken view must not starve the rest.
func (n *Notifier) notifyAll() {
	n.mu.Lock()
	snapshot := make(map[string]Listener, len(n.listeners))
	for id, fn := range n.listeners {
		snapshot[id] = fn
	}
	n.mu.Unlock()

	for id, fn := range snapshot {
		n.invoke(id, fn)
	}
}

func (n *Notifier) invoke(id string, fn Listener) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("listener panicked", "listener", id, "panic", r)
		}
	}()
	fn()
}
