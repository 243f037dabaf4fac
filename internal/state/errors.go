package state

import (
	"errors"
	"fmt"
)

// ErrDataGap marks required window inputs as missing or late.
var ErrDataGap = errors.New("data gap")

// DataGapError names the detector, window and missing inputs.
type DataGapError struct {
	DetectorID string
	WindowID   int64
	Missing    []string
}

func (e *DataGapError) Error() string {
	return fmt.Sprintf("data gap: detector %s window %d missing %v", e.DetectorID, e.WindowID, e.Missing)
}

// Unwrap lets errors.Is match ErrDataGap.
func (e *DataGapError) Unwrap() error {
	return ErrDataGap
}

// Validate checks that a window carries the inputs every scorer needs.
func (w EvaluationWindow) Validate() error {
	var missing []string
	if len(w.Signal) == 0 {
		missing = append(missing, "signal")
	}
	if len(w.Returns) == 0 {
		missing = append(missing, "returns")
	}
	if len(w.PnL) == 0 {
		missing = append(missing, "pnl")
	}
	if len(missing) > 0 {
		return &DataGapError{DetectorID: w.DetectorID, WindowID: w.WindowID, Missing: missing}
	}
	return nil
}
