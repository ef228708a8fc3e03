package model

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// Kind identifies which runtime executes a job.
type Kind string

// Job kinds. The kind is encoded in the job ID prefix.
const (
	KindSingleRun   Kind = "run"
	KindComposition Kind = "composition"
	KindUnknown     Kind = "unknown"
)

// NewID generates a new ULID string for use as an entity identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewCompositionID returns a job ID of the form composition-<ULID>.
func NewCompositionID() string {
	return string(KindComposition) + "-" + NewID()
}

// NewRunID returns a job ID of the form run-<simulator>-<ULID>.
func NewRunID(simulator string) string {
	return string(KindSingleRun) + "-" + simulator + "-" + NewID()
}

// Classify inspects only the structural prefix of a job ID.
func Classify(jobID string) Kind {
	switch {
	case strings.HasPrefix(jobID, string(KindComposition)+"-"):
		return KindComposition
	case strings.HasPrefix(jobID, string(KindSingleRun)+"-"):
		return KindSingleRun
	default:
		return KindUnknown
	}
}

// SimulatorFromID extracts the simulator segment of a run-<simulator>-<ULID> ID.
func SimulatorFromID(jobID string) (string, bool) {
	rest, ok := strings.CutPrefix(jobID, string(KindSingleRun)+"-")
	if !ok {
		return "", false
	}
	i := strings.LastIndex(rest, "-")
	if i <= 0 {
		return "", false
	}
	return rest[:i], true
}
