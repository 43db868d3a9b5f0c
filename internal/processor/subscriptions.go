package processor

import (
	"strings"
	"sync"

	"github.com/HsiangNianian/bidimapper/internal/protocol"
)

var knownModules = map[string]struct{}{
	"browsingContext": {},
	"log":             {},
	"network":         {},
	"script":          {},
}

// subscriptions records which events the client asked for. An entry is
// either a module name, matching every event of that module, or a full
// event name. The empty context key holds global subscriptions.
type subscriptions struct {
	mu      sync.RWMutex
	entries map[string]map[string]struct{}
}

func newSubscriptions() *subscriptions {
	return &subscriptions{entries: make(map[string]map[string]struct{})}
}

func validateEventName(name string) *protocol.Error {
	module, _, _ := strings.Cut(name, ".")
	if _, ok := knownModules[module]; !ok {
		return protocol.NewError(protocol.ErrorCodeInvalidArgument, "Unknown event or module '%s'", name)
	}
	return nil
}

func (s *subscriptions) Subscribe(events, contextIDs []string) error {
	if len(events) == 0 {
		return protocol.NewError(protocol.ErrorCodeInvalidArgument, "At least one event is required")
	}
	for _, ev := range events {
		if err := validateEventName(ev); err != nil {
			return err
		}
	}
	if len(contextIDs) == 0 {
		contextIDs = []string{""}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range contextIDs {
		set, ok := s.entries[c]
		if !ok {
			set = make(map[string]struct{})
			s.entries[c] = set
		}
		for _, ev := range events {
			set[ev] = struct{}{}
		}
	}
	return nil
}

// Unsubscribe removes exactly the given entries. Nothing is removed unless
// every entry exists.
func (s *subscriptions) Unsubscribe(events, contextIDs []string) error {
	if len(contextIDs) == 0 {
		contextIDs = []string{""}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range contextIDs {
		for _, ev := range events {
			if _, ok := s.entries[c][ev]; !ok {
				return protocol.NewError(protocol.ErrorCodeInvalidArgument, "No subscription to '%s' found", ev)
			}
		}
	}
	for _, c := range contextIDs {
		for _, ev := range events {
			delete(s.entries[c], ev)
		}
		if len(s.entries[c]) == 0 {
			delete(s.entries, c)
		}
	}
	return nil
}

// IsSubscribed reports whether event should be sent for the given top-level
// context. Global subscriptions match every context.
func (s *subscriptions) IsSubscribed(event, contextID string) bool {
	module, _, _ := strings.Cut(event, ".")

	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := []string{""}
	if contextID != "" {
		keys = append(keys, contextID)
	}
	for _, k := range keys {
		set := s.entries[k]
		if _, ok := set[event]; ok {
			return true
		}
		if _, ok := set[module]; ok {
			return true
		}
	}
	return false
}
