// Package exitcode defines the process exit codes used to distinguish
// stop reasons so wrapper scripts can branch on them.
package exitcode

import "errors"

const (
	OK                = 0
	GenericFailure    = 1
	BudgetStop        = 10
	APIThrottle       = 11
	CheckpointInvalid = 12
	LegacyCoreDrift   = 13
	PublishRegression = 14
	GateFailure       = 15
	BudgetKill        = 16
	PartialPublish    = 17
	MissingSecrets    = 18
	NeedsDecision     = 19
	SingleIngestor    = 20
	LicenseLeak       = 21
	LawCoverage       = 22
	UISafety          = 23
)

// StopError carries an exit code up through the pipeline.
type StopError struct {
	Code   int
	Reason string
}

func (e *StopError) Error() string { return e.Reason }

// Stop builds a StopError.
func Stop(code int, reason string) *StopError {
	return &StopError{Code: code, Reason: reason}
}

// CodeOf extracts the exit code from err, defaulting to GenericFailure
// for non-stop errors and OK for nil.
func CodeOf(err error) int {
	if err == nil {
		return OK
	}
	var se *StopError
	if errors.As(err, &se) {
		return se.Code
	}
	return GenericFailure
}
