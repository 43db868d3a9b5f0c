package preload

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/go-logr/logr"
	"github.com/sourcegraph/conc/pool"

	"github.com/HsiangNianian/bidimapper/internal/cdp"
)

type Registry struct {
	log logr.Logger

	mu       sync.RWMutex
	scripts  map[string]*Script
	order    []string
	byTarget map[target.ID]map[string]*Script

	// activating counts in-flight activations per target and session. A
	// session removed while one is in flight lands in gone until the last of
	// them finishes, so a late result is released instead of bound. A
	// target id attached again on a new session is not affected.
	activating map[target.ID]map[target.SessionID]int
	gone       map[target.SessionID]struct{}
}

func NewRegistry(log logr.Logger) *Registry {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Registry{
		log:      log,
		scripts:  make(map[string]*Script),
		byTarget:   make(map[target.ID]map[string]*Script),
		activating: make(map[target.ID]map[target.SessionID]int),
		gone:       make(map[target.SessionID]struct{}),
	}
}

func (r *Registry) Add(s *Script) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.scripts[s.id]; ok {
		return
	}
	r.scripts[s.id] = s
	r.order = append(r.order, s.id)
}

func (r *Registry) Get(id string) (*Script, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scripts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, id)
	}
	return s, nil
}

// Find returns the registered scripts accepted by filter, in the order they
// were added. A nil filter accepts every script.
func (r *Registry) Find(filter func(*Script) bool) []*Script {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Script
	for _, id := range r.order {
		s := r.scripts[id]
		if filter == nil || filter(s) {
			out = append(out, s)
		}
	}
	return out
}

// ScriptsForTarget returns the scripts bound in the given target, in the
// order they were added.
func (r *Registry) ScriptsForTarget(id target.ID) []*Script {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bound := r.byTarget[id]
	out := make([]*Script, 0, len(bound))
	for _, sid := range r.order {
		if s, ok := bound[sid]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Activate registers s in every target concurrently. A failure in one target
// does not stop the others; all failures are returned joined.
func (r *Registry) Activate(ctx context.Context, s *Script, targets []*cdp.Target) error {
	if s.isRemoved() {
		return fmt.Errorf("%w: %s", ErrScriptRemoved, s.id)
	}

	p := pool.New().WithErrors()
	for _, t := range targets {
		t := t
		p.Go(func() error {
			return r.activateIn(ctx, s, t)
		})
	}
	return p.Wait()
}

func (r *Registry) activateIn(ctx context.Context, s *Script, t *cdp.Target) error {
	if s.hasTarget(t.ID) || !r.beginActivation(t) {
		return nil
	}
	defer r.endActivation(t)

	var res page.AddScriptToEvaluateOnNewDocumentReturns
	params := page.AddScriptToEvaluateOnNewDocument(s.EvaluateString())
	if err := t.Client.SendCommand(ctx, page.CommandAddScriptToEvaluateOnNewDocument, params, &res); err != nil {
		return fmt.Errorf("add preload script %s to target %s: %w", s.id, t.ID, err)
	}

	r.mu.Lock()
	_, targetGone := r.gone[t.SessionID]
	bound := !targetGone && s.bind(t, res.Identifier)
	if bound {
		scripts, ok := r.byTarget[t.ID]
		if !ok {
			scripts = make(map[string]*Script)
			r.byTarget[t.ID] = scripts
		}
		scripts[s.id] = s
	}
	r.mu.Unlock()

	if bound {
		r.log.V(1).Info("Preload script bound", "script", s.id, "target", t.ID, "nativeId", res.Identifier)
		return nil
	}

	// The target or the script went away while the command was in flight.
	r.release(ctx, s, Binding{Target: t, NativeID: res.Identifier})
	if s.isRemoved() {
		return fmt.Errorf("%w: %s", ErrScriptRemoved, s.id)
	}
	return nil
}

// EvaluateNow runs s in t right away without waiting for the outcome. It is
// meant for targets just resumed from their initial pause, whose first
// document was created before the script was registered.
func (r *Registry) EvaluateNow(ctx context.Context, s *Script, t *cdp.Target) error {
	if s.isRemoved() {
		return fmt.Errorf("%w: %s", ErrScriptRemoved, s.id)
	}

	expression := s.EvaluateString()
	go func() {
		err := t.Client.SendCommand(ctx, runtime.CommandEvaluate, runtime.Evaluate(expression), nil)
		switch {
		case err == nil:
		case t.Client.IsCloseError(err) || ctx.Err() != nil:
			r.log.V(1).Info("Target gone before preload script ran", "script", s.id, "target", t.ID)
		default:
			r.log.Error(err, "Failed to run preload script", "script", s.id, "target", t.ID)
		}
	}()
	return nil
}

// Deactivate removes s from the registry and releases its native
// registrations concurrently. The script is removed even when releasing
// fails; failures other than close races are returned joined.
func (r *Registry) Deactivate(ctx context.Context, s *Script) error {
	r.mu.Lock()
	bindings, ok := s.markRemoved()
	if _, registered := r.scripts[s.id]; registered {
		delete(r.scripts, s.id)
		for i, id := range r.order {
			if id == s.id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	for _, b := range bindings {
		r.unindex(b.Target.ID, s.id)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrScriptRemoved, s.id)
	}

	p := pool.New().WithErrors()
	for _, b := range bindings {
		b := b
		p.Go(func() error {
			return r.remove(ctx, s, b)
		})
	}
	return p.Wait()
}

func (r *Registry) remove(ctx context.Context, s *Script, b Binding) error {
	params := page.RemoveScriptToEvaluateOnNewDocument(b.NativeID)
	err := b.Target.Client.SendCommand(ctx, page.CommandRemoveScriptToEvaluateOnNewDocument, params, nil)
	if err == nil {
		return nil
	}
	if b.Target.Client.IsCloseError(err) {
		r.log.V(1).Info("Target gone before preload script was removed", "script", s.id, "target", b.Target.ID)
		return nil
	}
	return fmt.Errorf("remove preload script %s from target %s: %w", s.id, b.Target.ID, err)
}

func (r *Registry) release(ctx context.Context, s *Script, b Binding) {
	if err := r.remove(ctx, s, b); err != nil {
		r.log.Error(err, "Failed to release stale preload script")
	}
}

// TargetRemoved drops every binding in the given target. Calling it again,
// or for a target nothing was bound in, does nothing. The same target id may
// be activated again once it attaches on a new session.
func (r *Registry) TargetRemoved(id target.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sessionID := range r.activating[id] {
		r.gone[sessionID] = struct{}{}
	}
	for _, s := range r.byTarget[id] {
		s.targetRemoved(id)
	}
	delete(r.byTarget, id)
}

// beginActivation reports false when t's session was already removed.
func (r *Registry) beginActivation(t *cdp.Target) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, gone := r.gone[t.SessionID]; gone {
		return false
	}
	sessions, ok := r.activating[t.ID]
	if !ok {
		sessions = make(map[target.SessionID]int)
		r.activating[t.ID] = sessions
	}
	sessions[t.SessionID]++
	return true
}

func (r *Registry) endActivation(t *cdp.Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := r.activating[t.ID]
	sessions[t.SessionID]--
	if sessions[t.SessionID] > 0 {
		return
	}
	delete(sessions, t.SessionID)
	delete(r.gone, t.SessionID)
	if len(sessions) == 0 {
		delete(r.activating, t.ID)
	}
}

func (r *Registry) unindex(id target.ID, scriptID string) {
	scripts, ok := r.byTarget[id]
	if !ok {
		return
	}
	delete(scripts, scriptID)
	if len(scripts) == 0 {
		delete(r.byTarget, id)
	}
}
