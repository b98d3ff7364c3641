package sandbox

import "fmt"

// FaultKind distinguishes the two bot-attributable error classes the Rating
// Processor applies different penalty multipliers to.
type FaultKind string

const (
	FaultRuntime FaultKind = "critical_player_ERROR"
	FaultReturn  FaultKind = "player_return_ERROR"
)

// PlayerFault is a bot-attributable error: a deadline breach, a panic inside
// the sandboxed code, a missing entry point, or a return value that doesn't
// match the expected shape. The Referee logs it to the event stream verbatim
// and returns it to the worker, which classifies the battle as error.
type PlayerFault struct {
	Kind    FaultKind
	Player  int
	Method  string
	Message string
	Trace   string
}

func (f *PlayerFault) Error() string {
	return fmt.Sprintf("player %d: %s: %s", f.Player, f.Method, f.Message)
}

// SetupError is a non-attributable failure preparing a battle: a missing
// bot source file, a sandbox directory that couldn't be created, a module
// that failed to parse. The battle still goes to error, but no player is
// penalized for it.
type SetupError struct {
	Cause error
}

func (e *SetupError) Error() string { return fmt.Sprintf("setup error: %v", e.Cause) }
func (e *SetupError) Unwrap() error { return e.Cause }
