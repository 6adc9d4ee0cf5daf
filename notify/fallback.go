package notify

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/warp/benefit-pool/insurance"
)

// Fallback logs events when no broker is configured.
type Fallback struct {
	log *zap.Logger
}

func NewFallback(log *zap.Logger) *Fallback {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fallback{log: log.Named("notify.fallback")}
}

func (f *Fallback) Notify(_ context.Context, e insurance.Event) error {
	f.log.Info("event",
		zap.String("id", e.ID),
		zap.String("type", string(e.Type)),
		zap.String("employer", string(e.EmployerID)),
		zap.String("employee", string(e.EmployeeID)),
		zap.Stringer("amount", e.Amount),
		zap.Time("at", e.At),
	)
	return nil
}

// Recorder keeps every event it receives.
type Recorder struct {
	mu     sync.Mutex
	events []insurance.Event
}

func (r *Recorder) Notify(_ context.Context, e insurance.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Events() []insurance.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []insurance.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]insurance.EventType, len(r.events))
	for i, e := range r.events {
		types[i] = e.Type
	}
	return types
}
