package cdp

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSessionNotFound is returned when no attached session has the requested id.
	ErrSessionNotFound = errors.New("cdp: session not found")

	// ErrSessionClosed is returned for commands whose session detached before they completed.
	ErrSessionClosed = errors.New("cdp: session closed")

	// ErrConnectionClosed is returned once the browser connection is gone.
	ErrConnectionClosed = errors.New("cdp: connection closed")
)

// Error code the browser uses when a session id is unknown.
const codeSessionNotFound = -32001

// ProtocolError is an error reported by the browser for one command.
type ProtocolError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *ProtocolError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("cdp: %s (%d): %s", e.Message, e.Code, e.Data)
	}
	return fmt.Sprintf("cdp: %s (%d)", e.Message, e.Code)
}

// Messages the browser uses when the session or its target is gone.
var sessionGoneMessages = []string{
	"Target closed",
	"Session closed",
	"Session with given id not found",
	"No target with given id found",
}

// Messages the browser uses when the document a command ran in was replaced
// while the target itself lives on.
var navigatedMessages = []string{
	"Inspected target navigated or closed",
	"Cannot find context with specified id",
	"Execution context was destroyed",
}

// IsCloseError reports whether err was caused by a session, target or
// document going away concurrently with the command that produced it.
func IsCloseError(err error) bool {
	if IsSessionGone(err) {
		return true
	}
	var protoErr *ProtocolError
	return errors.As(err, &protoErr) && containsAny(protoErr.Message, navigatedMessages)
}

// IsSessionGone reports whether err means the session can no longer be used
// at all. It is narrower than IsCloseError: a navigation destroys execution
// contexts but keeps the session.
func IsSessionGone(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrSessionNotFound) {
		return true
	}

	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		return false
	}
	return protoErr.Code == codeSessionNotFound || containsAny(protoErr.Message, sessionGoneMessages)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
