package recorder

import (
	"time"
)

// State is one phase of the recording state machine.
type State int

const (
	// StateIdle means no job occupies the slot.
	StateIdle State = iota
	// StateStarting means the encoder session is being opened.
	StateStarting
	// StateRecording means frames are being written to the encoder.
	StateRecording
	// StateFinalizing means the encoder is flushing and the file is
	// being moved into place.
	StateFinalizing
	// StateCompleted means the file was captured locally. Terminal.
	StateCompleted
	// StateFailed means the job did not produce a file. Terminal.
	StateFailed
)

// String returns a human-readable string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRecording:
		return "recording"
	case StateFinalizing:
		return "finalizing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state machine is done with a job.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job is one recording request. At most one Job is non-terminal at any
// instant; the Recorder enforces this through its single current-job slot.
type Job struct {
	// ID is the unique job identifier.
	ID string
	// StartedAt is when the request was accepted.
	StartedAt time.Time
	// Duration is the requested recording length (wall clock).
	Duration time.Duration
	// Filename is the final output name inside the recordings directory.
	Filename string
	// Status is the current state.
	Status State
	// Err holds the failure cause for StateFailed jobs.
	Err error
}

// Metadata describes one completed recording, handed to the uploader.
type Metadata struct {
	// Filename is the name inside the recordings directory.
	Filename string
	// Path is the absolute or relative path of the final file.
	Path string
	// CreatedAt is when the recording started.
	CreatedAt time.Time
	// SizeBytes is the finalized file size.
	SizeBytes int64
}
