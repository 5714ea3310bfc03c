package broker

import (
	"encoding/json"
	"errors"
)

var (
	// ErrPickupTimeout is reported when no consumer polled the command in time.
	ErrPickupTimeout = errors.New("pickup timeout")
	// ErrExecutionTimeout is reported when the consumer picked the command up but never posted a result.
	ErrExecutionTimeout = errors.New("execution timeout")
	// ErrDisconnected is reported when the waiter was abandoned without a value.
	ErrDisconnected = errors.New("disconnected before responding")
	// ErrUnknownCorrelation is returned by Resolve for ids that are not (or no longer) registered.
	ErrUnknownCorrelation = errors.New("request not found")
	// ErrEmptyCommand rejects submissions without a command name.
	ErrEmptyCommand = errors.New("command is required")
)

// Command is what a caller submits.
type Command struct {
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// PendingCommand is a submitted command waiting to be picked up by a consumer.
// This is what gets returned from the poll endpoint.
type PendingCommand struct {
	ID      string          `json:"request_id"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is the outcome reported back to the submitter. Timeouts and
// disconnects are reported here rather than as transport errors.
type Response struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ResultRequest is sent to the result endpoint by the consumer.
type ResultRequest struct {
	ID     string          `json:"request_id"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Stats is a point-in-time view of both tables.
type Stats struct {
	Queued  int `json:"queued"`
	Pending int `json:"pending"`
}

func failure(err error) Response {
	return Response{Success: false, Error: err.Error()}
}

func success(result json.RawMessage) Response {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return Response{Success: true, Result: result}
}
