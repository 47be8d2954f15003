package model

import (
	"sync"
	"time"

	"github.com/diiisco/diiisco/internal/protocol"
)

// Accumulator collects model announcements arriving from many peers and
// compiles them into one deduplicated list. Each AddModels call restarts the
// debounce timer; the compiled list is delivered once announcements go quiet
// for the configured window.
type Accumulator struct {
	mu         sync.Mutex
	wait       time.Duration
	timer      *time.Timer
	models     map[string]protocol.ModelInfo
	order      []string
	onCompiled func([]protocol.ModelInfo)
	closed     bool
}

// NewAccumulator builds an accumulator that emits through onCompiled. The
// callback runs on the timer goroutine.
func NewAccumulator(wait time.Duration, onCompiled func([]protocol.ModelInfo)) *Accumulator {
	return &Accumulator{
		wait:       wait,
		models:     make(map[string]protocol.ModelInfo),
		onCompiled: onCompiled,
	}
}

// AddModels merges a peer's model list. Duplicate ids keep the first
// announcement seen.
func (a *Accumulator) AddModels(models []protocol.ModelInfo) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	for _, m := range models {
		if _, seen := a.models[m.ID]; seen {
			continue
		}
		a.models[m.ID] = m
		a.order = append(a.order, m.ID)
	}

	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.wait, a.compile)
}

func (a *Accumulator) compile() {
	a.mu.Lock()
	if a.closed || len(a.order) == 0 {
		a.mu.Unlock()
		return
	}
	compiled := make([]protocol.ModelInfo, 0, len(a.order))
	for _, id := range a.order {
		compiled = append(compiled, a.models[id])
	}
	a.models = make(map[string]protocol.ModelInfo)
	a.order = nil
	cb := a.onCompiled
	a.mu.Unlock()

	if cb != nil {
		cb(compiled)
	}
}

// Close stops the pending timer. No emission happens after Close returns.
func (a *Accumulator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	if a.timer != nil {
		a.timer.Stop()
	}
}
