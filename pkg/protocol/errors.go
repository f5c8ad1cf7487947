package protocol

import "fmt"

// RegistrationError means the background agent could not be reached at all.
// An instance that gets one runs without update checking for its lifetime.
type RegistrationError struct {
	SocketPath string
	Err        error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("register with agent at %s: %v", e.SocketPath, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// CheckError is a transient failure of an update check. The next scheduled
// check is the retry.
type CheckError struct {
	Err error
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("update check: %v", e.Err)
}

func (e *CheckError) Unwrap() error { return e.Err }

// ActivationRaceError means activation was requested but no build was
// waiting any more, so the instruction was dropped.
type ActivationRaceError struct {
	Build string // build that was waiting when the prompt was shown
}

func (e *ActivationRaceError) Error() string {
	return fmt.Sprintf("activation of %s dropped: no build is waiting", e.Build)
}

// BusUnavailableError means the cross-instance bus could not be set up; the
// bus then behaves as a no-op.
type BusUnavailableError struct {
	Dir string
	Err error
}

func (e *BusUnavailableError) Error() string {
	return fmt.Sprintf("bus unavailable at %s: %v", e.Dir, e.Err)
}

func (e *BusUnavailableError) Unwrap() error { return e.Err }
