package gateway

import (
	"context"
	"fmt"
	"sync"
)

// Card tokens the stub recognizes. Anything else authorizes successfully.
const (
	TokenDeclined = "tok-declined"
	TokenTimeout  = "tok-timeout"
)

// Stub is a deterministic in-process gateway keyed by card token, used by
// tests and the demo wiring.
type Stub struct {
	mu  sync.Mutex
	seq int
	// TimeoutsBeforeSuccess makes TokenTimeout succeed after N retriable
	// failures, simulating a transient outage that clears.
	TimeoutsBeforeSuccess int
	timeouts              int

	// FailCapture and FailRefund force the corresponding operation to fail.
	FailCapture *Result
	FailRefund  *Result
}

func (s *Stub) nextRef(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%06d", prefix, s.seq)
}

// Authorize classifies by card token.
func (s *Stub) Authorize(_ context.Context, req AuthorizeRequest) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch req.CardToken {
	case TokenDeclined:
		return Fail("card declined", false), nil
	case TokenTimeout:
		if s.TimeoutsBeforeSuccess > 0 && s.timeouts >= s.TimeoutsBeforeSuccess {
			return Succeed(s.nextRef("auth")), nil
		}
		s.timeouts++
		return Fail("gateway timeout", true), nil
	default:
		return Succeed(s.nextRef("auth")), nil
	}
}

// Capture succeeds unless FailCapture is set.
func (s *Stub) Capture(_ context.Context, _ CaptureRequest) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailCapture != nil {
		return *s.FailCapture, nil
	}
	return Succeed(s.nextRef("cap")), nil
}

// Refund succeeds unless FailRefund is set.
func (s *Stub) Refund(_ context.Context, _ RefundRequest) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailRefund != nil {
		return *s.FailRefund, nil
	}
	return Succeed(s.nextRef("ref")), nil
}
