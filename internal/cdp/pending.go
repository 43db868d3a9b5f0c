package cdp

import (
	"encoding/json"
	"sync"

	"github.com/chromedp/cdproto/target"

	"github.com/HsiangNianian/bidimapper/internal/future"
)

// pendingCall is a command awaiting its response.
type pendingCall struct {
	sessionID target.SessionID
	method    string
	result    *future.Future[json.RawMessage]
}

// pendingCallMap tracks in-flight commands by message id.
type pendingCallMap struct {
	mu    sync.Mutex
	calls map[int64]*pendingCall
}

func newPendingCallMap() *pendingCallMap {
	return &pendingCallMap{calls: make(map[int64]*pendingCall)}
}

func (m *pendingCallMap) Add(id int64, call *pendingCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[id] = call
}

// Take removes and returns the call registered under id, or nil.
func (m *pendingCallMap) Take(id int64) *pendingCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	call, ok := m.calls[id]
	if !ok {
		return nil
	}
	delete(m.calls, id)
	return call
}

func (m *pendingCallMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// FailSession rejects every call issued on sessionID.
func (m *pendingCallMap) FailSession(sessionID target.SessionID, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, call := range m.calls {
		if call.sessionID == sessionID {
			call.result.Reject(err)
			delete(m.calls, id)
		}
	}
}

// DrainWithError rejects all calls and clears the map.
func (m *pendingCallMap) DrainWithError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, call := range m.calls {
		call.result.Reject(err)
	}
	m.calls = make(map[int64]*pendingCall)
}

// sequenceCounter generates message ids.
type sequenceCounter struct {
	mu  sync.Mutex
	seq int64
}

func (c *sequenceCounter) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}
