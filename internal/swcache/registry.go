package swcache

import (
	"context"
	"log"
	"sync"

	"github.com/cockroachdb/errors"
)

// Registry routes requests to the active Manager and hands over to a newly
// installed one. A waiting manager takes over as soon as the active one has
// no request in flight, or right away once promoted.
type Registry struct {
	metrics *Metrics

	mu      sync.Mutex
	active  *Manager
	waiting *Manager

	handoffMu sync.Mutex
	wg        sync.WaitGroup
}

func NewRegistry(metrics *Metrics) *Registry {
	return &Registry{metrics: metrics}
}

func (r *Registry) Active() *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Registry) Waiting() *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// Deploy installs m and queues it behind the active manager.
func (r *Registry) Deploy(ctx context.Context, m *Manager) (InstallReport, error) {
	report, err := m.Install(ctx)
	if err != nil {
		return report, err
	}

	// The waiting slot only changes under handoffMu.
	r.handoffMu.Lock()
	r.mu.Lock()
	if r.waiting != nil && r.waiting != m {
		log.Printf("deploy: %s replaces waiting %s", m.Version(), r.waiting.Version())
		r.waiting.Supersede()
	}
	r.waiting = m
	now := r.active == nil || m.Promoted() || r.active.InFlight() == 0
	r.mu.Unlock()
	r.handoffMu.Unlock()

	if now {
		return report, r.handoff(ctx)
	}
	log.Printf("deploy: %s waiting for %s to drain", m.Version(), r.Active().Version())
	return report, nil
}

// handoff activates the waiting manager. The active one stops writing before
// the successor deletes its generation, and keeps serving until the successor
// is active. When activation fails both stay where they were and the next
// trigger retries.
func (r *Registry) handoff(ctx context.Context) error {
	r.handoffMu.Lock()
	defer r.handoffMu.Unlock()

	r.mu.Lock()
	next, prev := r.waiting, r.active
	r.mu.Unlock()
	if next == nil {
		return nil
	}
	if prev == next {
		prev = nil
	}

	if prev != nil {
		prev.Supersede()
	}
	if _, err := next.Activate(ctx); err != nil {
		if prev != nil {
			prev.resume()
		}
		return errors.Wrapf(err, "activate %s", next.Version())
	}

	// Claim: new requests reach next from here on.
	r.mu.Lock()
	r.active = next
	r.waiting = nil
	r.mu.Unlock()

	prevVersion := ""
	if prev != nil {
		prevVersion = prev.Version()
	}
	r.metrics.setActive(prevVersion, next.Version())
	return nil
}

// Resolve hands the request to the active manager.
func (r *Registry) Resolve(ctx context.Context, req Request) (Result, error) {
	r.mu.Lock()
	m := r.active
	r.mu.Unlock()
	if m == nil {
		return Result{}, errors.Mark(errors.New("no active cache manager"), ErrInvalidState)
	}

	res, err := m.Resolve(ctx, req)

	if m.InFlight() == 0 && r.Waiting() != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.handoff(context.Background()); err != nil {
				log.Printf("handoff: %v", err)
			}
		}()
	}
	return res, err
}

// Control applies an out-of-band message.
func (r *Registry) Control(ctx context.Context, msg ControlMessage) (ControlResult, error) {
	out := ControlResult{Type: msg.Type}
	switch msg.Type {
	case ControlPromoteNow, ControlSkipWaiting:
		if w := r.Waiting(); w != nil {
			w.NotifyAndPromote()
			out.Promoted = w.Version()
			if err := r.handoff(ctx); err != nil {
				return out, err
			}
		}
	case ControlCleanup:
		m := r.Active()
		if m == nil {
			return out, errors.Mark(errors.New("no active cache manager"), ErrInvalidState)
		}
		spare := []string{m.Version()}
		if w := r.Waiting(); w != nil {
			spare = append(spare, w.Version())
		}
		rep, err := m.cleanup(ctx, msg.Version, spare...)
		out.Deleted = rep.Deleted
		if err != nil {
			return out, err
		}
	default:
		return out, errors.Mark(errors.Newf("control message type %q", msg.Type), ErrUnknownControlMessage)
	}
	if m := r.Active(); m != nil {
		out.Active = m.Version()
	}
	return out, nil
}

// Wait blocks until background handoffs finish.
func (r *Registry) Wait() { r.wg.Wait() }
