package bus

import (
	"errors"
	"fmt"
)

// ErrRequestTimeout rejects a pending request whose window elapsed with no
// responder. Distinct from HandlerError so callers can branch on errors.Is.
var ErrRequestTimeout = errors.New("request timed out")

// ErrBusClosed rejects operations against a closed bus, including pending
// requests drained at shutdown.
var ErrBusClosed = errors.New("bus closed")

// HandlerError wraps an error a responder's handler returned while
// processing a request message. It propagates to the requester.
type HandlerError struct {
	Subscriber string
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s: %v", e.Subscriber, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// SubscriberError records one isolated subscriber failure during dispatch.
// It is logged and re-published as an EventError event; it never aborts
// dispatch to sibling subscribers.
type SubscriberError struct {
	MessageID  string
	Type       string
	Subscriber string
	Err        error
}

func (e *SubscriberError) Error() string {
	return fmt.Sprintf("subscriber %s failed on %s message %s: %v",
		e.Subscriber, e.Type, e.MessageID, e.Err)
}

func (e *SubscriberError) Unwrap() error {
	return e.Err
}
