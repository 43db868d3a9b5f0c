package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/sjson"
)

// Command is a client request as read from the transport.
type Command struct {
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Channel string          `json:"channel,omitempty"`
}

// OutgoingMessage is anything the bridge sends back to the client.
type OutgoingMessage interface {
	outgoing()
}

type CommandResponse struct {
	ID     int64 `json:"id"`
	Result any   `json:"result"`
}

type Event struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

func (*CommandResponse) outgoing() {}
func (*Event) outgoing()           {}
func (*Error) outgoing()           {}

// EmptyResult is the result of commands that return nothing.
type EmptyResult struct{}

type rawCommand struct {
	ID      *int64          `json:"id"`
	Method  *string         `json:"method"`
	Params  json.RawMessage `json:"params"`
	Channel *string         `json:"channel"`
}

// ParseCommand decodes one incoming message. Failures are returned as *Error
// carrying the command id whenever it could be read.
func ParseCommand(raw []byte) (Command, *Error) {
	var rc rawCommand
	if err := json.Unmarshal(raw, &rc); err != nil {
		return Command{}, NewError(ErrorCodeInvalidArgument, "Cannot parse data as JSON: %v", err)
	}
	if rc.ID == nil {
		return Command{}, NewError(ErrorCodeInvalidArgument, "Expected unsigned integer but got undefined")
	}
	if *rc.ID < 0 {
		return Command{}, NewError(ErrorCodeInvalidArgument, "Expected unsigned integer but got %d", *rc.ID)
	}
	if rc.Method == nil || *rc.Method == "" {
		return Command{}, NewError(ErrorCodeInvalidArgument, "Expected method to be a non-empty string").WithID(*rc.ID)
	}

	cmd := Command{
		ID:     *rc.ID,
		Method: *rc.Method,
		Params: rc.Params,
	}
	if len(bytes.TrimSpace(cmd.Params)) == 0 || bytes.Equal(bytes.TrimSpace(cmd.Params), []byte("null")) {
		cmd.Params = json.RawMessage("{}")
	}
	if rc.Channel != nil {
		cmd.Channel = *rc.Channel
	}
	return cmd, nil
}

// DecodeParams unmarshals command params into v, reporting failures as
// invalid argument errors for the command.
func (c Command) DecodeParams(v any) *Error {
	if err := json.Unmarshal(c.Params, v); err != nil {
		return NewError(ErrorCodeInvalidArgument, "Invalid params for %s: %v", c.Method, err).WithID(c.ID)
	}
	return nil
}

// Encode marshals msg and merges the channel tag into the top-level object
// when one is present.
func Encode(msg OutgoingMessage, channel string) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("protocol: nil outgoing message")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal outgoing message: %w", err)
	}
	if channel == "" {
		return payload, nil
	}
	payload, err = sjson.SetBytes(payload, "channel", channel)
	if err != nil {
		return nil, fmt.Errorf("protocol: set channel: %w", err)
	}
	return payload, nil
}
