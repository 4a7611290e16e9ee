package eventlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const defaultPageSize = 200

var (
	// ErrLoaderRequired indicates a missing event loader.
	ErrLoaderRequired = errors.New("event loader is required")
	// ErrApplyRequired indicates a missing apply function.
	ErrApplyRequired = errors.New("apply function is required")
	// ErrStreamIDRequired indicates a missing stream id.
	ErrStreamIDRequired = errors.New("stream id is required")
)

// Loader lists stream events for projection.
type Loader interface {
	Load(ctx context.Context, streamID string, afterVersion uint64, limit int) ([]Event, error)
}

// Projection captures a fold outcome.
type Projection[S any] struct {
	State       S
	LastVersion uint64
	Applied     int
}

// Project folds a stream through apply in strict version order, starting from
// seed. Any equivalent page size yields an identical final state; version
// gaps abort the fold.
func Project[S any](ctx context.Context, loader Loader, streamID string, seed S, apply func(S, Event) (S, error)) (Projection[S], error) {
	return ProjectPaged(ctx, loader, streamID, seed, apply, defaultPageSize)
}

// ProjectPaged is Project with an explicit page size for loads.
func ProjectPaged[S any](ctx context.Context, loader Loader, streamID string, seed S, apply func(S, Event) (S, error), pageSize int) (Projection[S], error) {
	result := Projection[S]{State: seed}
	if loader == nil {
		return result, ErrLoaderRequired
	}
	if apply == nil {
		return result, ErrApplyRequired
	}
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return result, ErrStreamIDRequired
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	for {
		events, err := loader.Load(ctx, streamID, result.LastVersion, pageSize)
		if err != nil {
			return result, err
		}
		if len(events) == 0 {
			return result, nil
		}
		for _, evt := range events {
			expected := result.LastVersion + 1
			if evt.Version != expected {
				return result, fmt.Errorf("event version gap: expected %d got %d", expected, evt.Version)
			}
			next, err := apply(result.State, evt)
			if err != nil {
				return result, err
			}
			result.State = next
			result.LastVersion = evt.Version
			result.Applied++
		}
	}
}
