package command

import (
	"github.com/meridianpay/meridian/internal/eventlog"
	"github.com/meridianpay/meridian/internal/messaging"
	apperrors "github.com/meridianpay/meridian/internal/platform/errors"
)

// Decision represents the pure outcome of handling a command: either new
// events plus outgoing messages, or a rejection that produced neither.
type Decision struct {
	Events    []eventlog.Event
	Messages  []messaging.Message
	Rejection *Rejection
}

// Rejection captures a domain-level reason a command was declined.
type Rejection struct {
	Code    apperrors.Code
	Message string
}

// Err converts the rejection into a typed error.
func (r *Rejection) Err() error {
	if r == nil {
		return nil
	}
	return apperrors.New(r.Code, r.Message)
}

// Accept returns a decision that emits the provided events and messages.
func Accept(events []eventlog.Event, messages []messaging.Message) Decision {
	return Decision{
		Events:   append([]eventlog.Event(nil), events...),
		Messages: append([]messaging.Message(nil), messages...),
	}
}

// Reject returns a decision carrying a rejection.
func Reject(code apperrors.Code, message string) Decision {
	return Decision{Rejection: &Rejection{Code: code, Message: message}}
}

// Rejected reports whether the decision declined the command.
func (d Decision) Rejected() bool {
	return d.Rejection != nil
}
