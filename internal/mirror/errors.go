package mirror

import (
	"errors"
	"fmt"
)

// Stage names the step of a cycle that failed.
type Stage string

const (
	StageFetch   Stage = "fetch"
	StageStore   Stage = "store"
	StagePublish Stage = "publish"
)

// Sentinels matched with errors.Is against a *CycleError.
var (
	ErrFetch   = errors.New("fetch failed")
	ErrStore   = errors.New("store failed")
	ErrPublish = errors.New("publish failed")
)

// CycleError is the error that aborted a cycle.
type CycleError struct {
	Stage   Stage
	EventID string // empty for fetch failures
	Err     error
}

func (e *CycleError) Error() string {
	if e.EventID == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s event %s: %v", e.Stage, e.EventID, e.Err)
}

// Unwrap exposes both the stage sentinel and the cause.
func (e *CycleError) Unwrap() []error {
	return []error{e.sentinel(), e.Err}
}

func (e *CycleError) sentinel() error {
	switch e.Stage {
	case StageFetch:
		return ErrFetch
	case StageStore:
		return ErrStore
	default:
		return ErrPublish
	}
}
