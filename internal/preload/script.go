// Package preload replicates client preload scripts across CDP targets.
//
// One client-visible script maps to one native registration per target it
// is active in. The Registry keeps both directions of that mapping: each
// Script knows its bindings, and a reverse index from target id to script
// ids lets target teardown touch only the scripts bound to that target.
package preload

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/google/uuid"

	"github.com/HsiangNianian/bidimapper/internal/cdp"
	"github.com/HsiangNianian/bidimapper/internal/channel"
	"github.com/HsiangNianian/bidimapper/internal/protocol"
)

var (
	ErrSandboxUnsupported = errors.New("preload: sandbox is not supported")
	ErrInvalidArgument    = errors.New("preload: invalid argument")
	ErrScriptRemoved      = errors.New("preload: script was removed")
	ErrScriptNotFound     = errors.New("preload: no such script")
)

type State int

const (
	// StateCreated means the script has no native registration.
	StateCreated State = iota
	StateActive
	// StateRemoved is terminal.
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateRemoved:
		return "removed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Binding is the native registration of a script in one target.
type Binding struct {
	Target   *cdp.Target
	NativeID page.ScriptIdentifier
}

type Script struct {
	id                  string
	functionDeclaration string
	contextID           string
	channels            []*channel.Proxy

	mu        sync.Mutex
	targetIDs map[target.ID]struct{}
	bindings  []Binding
	removed   bool
}

// New validates params and builds an unregistered script. Nothing is sent to
// any target until the script is activated.
func New(params protocol.AddPreloadScriptParameters) (*Script, error) {
	if params.Sandbox != nil {
		return nil, fmt.Errorf("%w: %q", ErrSandboxUnsupported, *params.Sandbox)
	}
	if strings.TrimSpace(params.FunctionDeclaration) == "" {
		return nil, fmt.Errorf("%w: functionDeclaration must not be empty", ErrInvalidArgument)
	}

	channels := make([]*channel.Proxy, 0, len(params.Arguments))
	for i, arg := range params.Arguments {
		if arg.Type != protocol.ValueTypeChannel {
			return nil, fmt.Errorf("%w: argument %d has type %q, expected %q", ErrInvalidArgument, i, arg.Type, protocol.ValueTypeChannel)
		}
		if arg.Value.Channel == "" {
			return nil, fmt.Errorf("%w: argument %d has an empty channel", ErrInvalidArgument, i)
		}
		channels = append(channels, channel.NewProxy(arg))
	}

	s := &Script{
		id:                  uuid.NewString(),
		functionDeclaration: params.FunctionDeclaration,
		channels:            channels,
		targetIDs:           make(map[target.ID]struct{}),
	}
	if params.Context != nil {
		s.contextID = *params.Context
	}
	return s, nil
}

func (s *Script) ID() string {
	return s.id
}

func (s *Script) FunctionDeclaration() string {
	return s.functionDeclaration
}

// ContextID is the top-level browsing context the script is limited to, or
// empty for a global script.
func (s *Script) ContextID() string {
	return s.contextID
}

// AppliesTo reports whether the script runs in the given top-level context.
func (s *Script) AppliesTo(contextID string) bool {
	return s.contextID == "" || s.contextID == contextID
}

func (s *Script) Channels() []*channel.Proxy {
	return s.channels
}

// EvaluateString wraps the function declaration in an immediately invoked
// arrow function that passes every channel's send function positionally.
func (s *Script) EvaluateString() string {
	exprs := make([]string, 0, len(s.channels))
	for _, ch := range s.channels {
		exprs = append(exprs, ch.EvalInWindowString())
	}
	return evaluateString(s.functionDeclaration, exprs)
}

func evaluateString(functionDeclaration string, channelExprs []string) string {
	return fmt.Sprintf("(()=>{(%s)(...[%s])})()", functionDeclaration, strings.Join(channelExprs, ", "))
}

func (s *Script) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.removed:
		return StateRemoved
	case len(s.bindings) > 0:
		return StateActive
	default:
		return StateCreated
	}
}

// TargetIDs returns the targets the script is bound in, sorted.
func (s *Script) TargetIDs() []target.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]target.ID, 0, len(s.targetIDs))
	for id := range s.targetIDs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Script) Bindings() []Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Binding(nil), s.bindings...)
}

func (s *Script) hasTarget(id target.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.targetIDs[id]
	return ok
}

func (s *Script) isRemoved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removed
}

// bind records a native registration. It refuses once the script is
// removed or when the target already has a binding.
func (s *Script) bind(t *cdp.Target, nativeID page.ScriptIdentifier) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return false
	}
	if _, ok := s.targetIDs[t.ID]; ok {
		return false
	}
	s.bindings = append(s.bindings, Binding{Target: t, NativeID: nativeID})
	s.targetIDs[t.ID] = struct{}{}
	return true
}

// targetRemoved forgets every binding in the given target. It reports
// whether anything was dropped; repeating the call is a no-op. Callers go
// through Registry.TargetRemoved so the reverse index stays in step.
func (s *Script) targetRemoved(id target.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targetIDs[id]; !ok {
		return false
	}
	delete(s.targetIDs, id)
	kept := s.bindings[:0]
	for _, b := range s.bindings {
		if b.Target.ID != id {
			kept = append(kept, b)
		}
	}
	for i := len(kept); i < len(s.bindings); i++ {
		s.bindings[i] = Binding{}
	}
	s.bindings = kept
	return true
}

// markRemoved moves the script to its terminal state and hands back the
// bindings that still need releasing.
func (s *Script) markRemoved() ([]Binding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return nil, false
	}
	s.removed = true
	bindings := s.bindings
	s.bindings = nil
	s.targetIDs = make(map[target.ID]struct{})
	return bindings, true
}
