// Package contexts tracks the browsing contexts known to the bridge.
package contexts

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/HsiangNianian/bidimapper/internal/cdp"
	"github.com/HsiangNianian/bidimapper/internal/protocol"
)

var ErrNoSuchContext = errors.New("contexts: no such browsing context")

// Context is one browsing context. Top-level contexts share their id with
// the CDP target backing them.
type Context struct {
	id       string
	parentID string
	target   *cdp.Target

	mu  sync.RWMutex
	url string

	loadedOnce sync.Once
	loaded     chan struct{}
}

func NewContext(id, parentID string, t *cdp.Target) *Context {
	c := &Context{
		id:       id,
		parentID: parentID,
		target:   t,
		loaded:   make(chan struct{}),
	}
	if t != nil {
		c.url = t.URL
	}
	return c
}

func (c *Context) ID() string {
	return c.id
}

// ParentID is empty for top-level contexts.
func (c *Context) ParentID() string {
	return c.parentID
}

func (c *Context) IsTopLevel() bool {
	return c.parentID == ""
}

func (c *Context) Target() *cdp.Target {
	return c.target
}

func (c *Context) URL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.url
}

func (c *Context) SetURL(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.url = url
}

// MarkLoaded releases everyone waiting in AwaitLoaded. Extra calls are
// ignored.
func (c *Context) MarkLoaded() {
	c.loadedOnce.Do(func() { close(c.loaded) })
}

func (c *Context) isLoaded() bool {
	select {
	case <-c.loaded:
		return true
	default:
		return false
	}
}

func (c *Context) AwaitLoaded(ctx context.Context) error {
	select {
	case <-c.loaded:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for browsing context %s to load: %w", c.id, ctx.Err())
	}
}

type Storage struct {
	mu       sync.RWMutex
	contexts map[string]*Context
	order    []string
}

func NewStorage() *Storage {
	return &Storage{contexts: make(map[string]*Context)}
}

// Add stores c, replacing a context with the same id.
func (s *Storage) Add(c *Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contexts[c.id]; !ok {
		s.order = append(s.order, c.id)
	}
	s.contexts[c.id] = c
}

func (s *Storage) Get(id string) (*Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contexts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchContext, id)
	}
	return c, nil
}

// FindByTarget returns the context backed by the given target, if any.
func (s *Storage) FindByTarget(id string) (*Context, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cid := range s.order {
		c := s.contexts[cid]
		if c.target != nil && string(c.target.ID) == id {
			return c, true
		}
	}
	return nil, false
}

// Delete removes the context and all of its descendants and returns them,
// children before parents.
func (s *Storage) Delete(id string) []*Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contexts[id]; !ok {
		return nil
	}

	var removed []*Context
	var walk func(id string)
	walk = func(id string) {
		for _, child := range s.childrenLocked(id) {
			walk(child.id)
		}
		removed = append(removed, s.contexts[id])
		delete(s.contexts, id)
	}
	walk(id)

	kept := s.order[:0]
	for _, cid := range s.order {
		if _, ok := s.contexts[cid]; ok {
			kept = append(kept, cid)
		}
	}
	s.order = kept
	return removed
}

func (s *Storage) TopLevelContexts() []*Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Context
	for _, id := range s.order {
		if c := s.contexts[id]; c.IsTopLevel() {
			out = append(out, c)
		}
	}
	return out
}

// TopLevelOf walks up from id to its top-level ancestor.
func (s *Storage) TopLevelOf(id string) (*Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contexts[id]
	for ok && !c.IsTopLevel() {
		c, ok = s.contexts[c.parentID]
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchContext, id)
	}
	return c, nil
}

func (s *Storage) childrenLocked(id string) []*Context {
	var out []*Context
	for _, cid := range s.order {
		if c, ok := s.contexts[cid]; ok && c.parentID == id {
			out = append(out, c)
		}
	}
	return out
}

// Tree describes the context tree. With an empty root every top-level
// context is listed. A nil maxDepth means unlimited; children past the limit
// are reported as null.
func (s *Storage) Tree(maxDepth *int, root string) ([]protocol.BrowsingContextInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var roots []*Context
	if root != "" {
		c, ok := s.contexts[root]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchContext, root)
		}
		roots = []*Context{c}
	} else {
		for _, id := range s.order {
			if c := s.contexts[id]; c.IsTopLevel() {
				roots = append(roots, c)
			}
		}
	}

	out := make([]protocol.BrowsingContextInfo, 0, len(roots))
	for _, c := range roots {
		out = append(out, s.infoLocked(c, maxDepth, 0))
	}
	return out, nil
}

func (s *Storage) infoLocked(c *Context, maxDepth *int, depth int) protocol.BrowsingContextInfo {
	info := protocol.BrowsingContextInfo{
		Context: c.id,
		URL:     c.URL(),
	}
	if c.parentID != "" {
		parent := c.parentID
		info.Parent = &parent
	}
	if maxDepth != nil && depth >= *maxDepth {
		return info
	}
	info.Children = []protocol.BrowsingContextInfo{}
	for _, child := range s.childrenLocked(c.id) {
		info.Children = append(info.Children, s.infoLocked(child, maxDepth, depth+1))
	}
	return info
}
