package eventlog

import (
	"context"
	"testing"
)

type fakeLoader struct {
	events []Event
}

func (l *fakeLoader) Load(_ context.Context, streamID string, afterVersion uint64, limit int) ([]Event, error) {
	var page []Event
	for _, evt := range l.events {
		if evt.StreamID != streamID || evt.Version <= afterVersion {
			continue
		}
		page = append(page, evt)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

type counterState struct {
	applied []Type
}

func countingApply(s counterState, evt Event) (counterState, error) {
	s.applied = append(s.applied, evt.Type)
	return s, nil
}

func streamEvents(streamID string, types ...Type) []Event {
	events := make([]Event, 0, len(types))
	for i, t := range types {
		events = append(events, Event{StreamID: streamID, Version: uint64(i + 1), Type: t})
	}
	return events
}

func TestProjectFoldsInOrder(t *testing.T) {
	loader := &fakeLoader{events: streamEvents("pay-1", "payment.initiated", "payment.authorized", "payment.captured")}

	result, err := Project(context.Background(), loader, "pay-1", counterState{}, countingApply)
	if err != nil {
		t.Fatalf("Project returned error: %v", err)
	}
	if result.LastVersion != 3 {
		t.Fatalf("LastVersion = %d, want 3", result.LastVersion)
	}
	if result.Applied != 3 {
		t.Fatalf("Applied = %d, want 3", result.Applied)
	}
	want := []Type{"payment.initiated", "payment.authorized", "payment.captured"}
	for i, typ := range want {
		if result.State.applied[i] != typ {
			t.Fatalf("applied[%d] = %q, want %q", i, result.State.applied[i], typ)
		}
	}
}

func TestProjectBatchingEquivalence(t *testing.T) {
	loader := &fakeLoader{events: streamEvents("pay-1",
		"payment.initiated", "payment.authorized", "payment.captured", "payment.refunded", "payment.refunded")}

	full, err := ProjectPaged(context.Background(), loader, "pay-1", counterState{}, countingApply, 100)
	if err != nil {
		t.Fatalf("ProjectPaged(100) returned error: %v", err)
	}
	single, err := ProjectPaged(context.Background(), loader, "pay-1", counterState{}, countingApply, 1)
	if err != nil {
		t.Fatalf("ProjectPaged(1) returned error: %v", err)
	}
	paired, err := ProjectPaged(context.Background(), loader, "pay-1", counterState{}, countingApply, 2)
	if err != nil {
		t.Fatalf("ProjectPaged(2) returned error: %v", err)
	}

	for _, result := range []Projection[counterState]{single, paired} {
		if result.LastVersion != full.LastVersion {
			t.Fatalf("LastVersion = %d, want %d", result.LastVersion, full.LastVersion)
		}
		if len(result.State.applied) != len(full.State.applied) {
			t.Fatalf("applied count = %d, want %d", len(result.State.applied), len(full.State.applied))
		}
		for i := range full.State.applied {
			if result.State.applied[i] != full.State.applied[i] {
				t.Fatalf("applied[%d] = %q, want %q", i, result.State.applied[i], full.State.applied[i])
			}
		}
	}
}

func TestProjectDetectsVersionGap(t *testing.T) {
	loader := &fakeLoader{events: []Event{
		{StreamID: "pay-1", Version: 1, Type: "payment.initiated"},
		{StreamID: "pay-1", Version: 3, Type: "payment.captured"},
	}}

	_, err := Project(context.Background(), loader, "pay-1", counterState{}, countingApply)
	if err == nil {
		t.Fatal("expected error for version gap")
	}
}

func TestProjectEmptyStream(t *testing.T) {
	loader := &fakeLoader{}
	result, err := Project(context.Background(), loader, "pay-9", counterState{}, countingApply)
	if err != nil {
		t.Fatalf("Project returned error: %v", err)
	}
	if result.Applied != 0 || result.LastVersion != 0 {
		t.Fatalf("Applied = %d LastVersion = %d, want 0 and 0", result.Applied, result.LastVersion)
	}
}

func TestProjectRequiresStreamID(t *testing.T) {
	_, err := Project(context.Background(), &fakeLoader{}, "  ", counterState{}, countingApply)
	if err != ErrStreamIDRequired {
		t.Fatalf("err = %v, want ErrStreamIDRequired", err)
	}
}

func TestEventTypeDomain(t *testing.T) {
	if got := Type("payment.authorized").Domain(); got != "payment" {
		t.Fatalf("Domain() = %q, want %q", got, "payment")
	}
	if got := Type("reservation").Domain(); got != "reservation" {
		t.Fatalf("Domain() = %q, want %q", got, "reservation")
	}
	if Type("  ").IsValid() {
		t.Fatal("expected blank type to be invalid")
	}
}
