package model

import (
	"fmt"

	"CloudVault/internal/apperr"
)

// FileStatus is the processing lifecycle of a FileRecord.
type FileStatus string

const (
	StatusPending    FileStatus = "pending"
	StatusScanning   FileStatus = "scanning"
	StatusProcessing FileStatus = "processing"
	StatusReady      FileStatus = "ready"
	StatusError      FileStatus = "error"
	StatusInfected   FileStatus = "infected"
	StatusTrashed    FileStatus = "trashed"
)

// validTransitions is the transition matrix: current status -> allowed targets.
// Trash and restore are side-channel edges driven by the owner or an administrator;
// restore (trashed -> previous status) is checked separately by CanRestore.
var validTransitions = map[FileStatus]map[FileStatus]bool{
	StatusPending:    {StatusScanning: true, StatusError: true, StatusTrashed: true},
	StatusScanning:   {StatusInfected: true, StatusProcessing: true, StatusReady: true, StatusError: true, StatusTrashed: true},
	StatusProcessing: {StatusReady: true, StatusError: true, StatusTrashed: true},
	StatusReady:      {StatusTrashed: true},
	StatusError:      {StatusTrashed: true},
	StatusInfected:   {StatusTrashed: true},
	StatusTrashed:    {},
}

// Valid reports whether s is a known status.
func (s FileStatus) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

func (s FileStatus) String() string {
	return string(s)
}

// IsTerminal reports whether the worker is done with s for this pass.
func (s FileStatus) IsTerminal() bool {
	return s == StatusReady || s == StatusError || s == StatusInfected
}

// InFlight reports whether a processing job may still own the record.
func (s FileStatus) InFlight() bool {
	return s == StatusPending || s == StatusScanning || s == StatusProcessing
}

// Downloadable reports whether the file bytes may be served.
func (s FileStatus) Downloadable() bool {
	return s == StatusReady
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to FileStatus) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// CanRestore reports whether a trashed record may go back to previous.
func CanRestore(previous FileStatus) bool {
	return previous.Valid() && previous != StatusTrashed
}

// RestoreTarget is the status a trashed record returns to. Records trashed while a
// job owned them re-enter pending, since that job has already been dropped.
func RestoreTarget(previous FileStatus) FileStatus {
	if previous.InFlight() {
		return StatusPending
	}
	return previous
}

// CheckChange validates moving a record from `from` to `to`. previous is the
// record's PreviousStatus and only matters when restoring from trash. A worker
// re-claim of scanning or processing keeps the status and is allowed here; the
// caller is responsible for checking that the lease expired.
func CheckChange(from, previous, to FileStatus) error {
	switch {
	case from == StatusTrashed:
		if CanRestore(previous) && to == RestoreTarget(previous) {
			return nil
		}
	case from == to:
		if from == StatusScanning || from == StatusProcessing {
			return nil
		}
	case CanTransition(from, to):
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", apperr.ErrInvalidTransition, from, to)
}
