package broadcast

import (
	"log/slog"
)

// Engine delivers published events to the members of a room.
type Engine struct {
	registry *Registry
	logger   *slog.Logger
}

// NewEngine creates a fan-out engine over registry. A nil logger uses
// slog.Default().
func NewEngine(registry *Registry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry: registry,
		logger:   logger.With("component", "fanout"),
	}
}

// Registry returns the registry the engine publishes through.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Publish sends payload tagged with kind to every channel joined to code and
// returns how many accepted it. It never blocks on a channel; rejected or
// failing sends are logged and dropped.
func (e *Engine) Publish(code string, kind EventKind, payload any) int {
	members := e.registry.MembersOf(code)
	if len(members) == 0 {
		return 0
	}

	ev := Event{Code: code, Kind: kind, Payload: payload}
	delivered := 0
	for _, ch := range members {
		if e.deliver(ch, ev) {
			delivered++
			continue
		}
		e.logger.Debug("event dropped",
			"code", code, "kind", string(kind), "channel", ch.ID())
	}
	return delivered
}

func (e *Engine) deliver(ch Channel, ev Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("channel send panicked",
				"code", ev.Code, "channel", ch.ID(), "panic", r)
			ok = false
		}
	}()
	return ch.Send(ev)
}
