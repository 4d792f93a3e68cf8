package types

import "fmt"

// ExecState is the execution state of a task.
type ExecState int

const (
	ExecStateNone              ExecState = 0
	ExecStateInProgress        ExecState = 1
	ExecStateError             ExecState = 2
	ExecStateOK                ExecState = 3
	ExecStateNotUsedAnymore    ExecState = 4
	ExecStateSkipped           ExecState = 5
	ExecStateCheckCache        ExecState = 6
	ExecStateInit              ExecState = 7
	ExecStatePreInit           ExecState = 8
	ExecStateErrorWithRecovery ExecState = 9
)

var execStateNames = map[ExecState]string{
	ExecStateNone:              "NONE",
	ExecStateInProgress:        "IN_PROGRESS",
	ExecStateError:             "ERROR",
	ExecStateOK:                "OK",
	ExecStateNotUsedAnymore:    "NOT_USED_ANYMORE",
	ExecStateSkipped:           "SKIPPED",
	ExecStateCheckCache:        "CHECK_CACHE",
	ExecStateInit:              "INIT",
	ExecStatePreInit:           "PRE_INIT",
	ExecStateErrorWithRecovery: "ERROR_WITH_RECOVERY",
}

// String returns the canonical name of the state.
func (s ExecState) String() string {
	if name, ok := execStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ExecState(%d)", int(s))
}

// ParseExecState parses a canonical state name.
func ParseExecState(name string) (ExecState, error) {
	for s, n := range execStateNames {
		if n == name {
			return s, nil
		}
	}
	return ExecStateNone, fmt.Errorf("unknown exec state: %s", name)
}

// IsFinished reports whether the state is terminal.
func (s ExecState) IsFinished() bool {
	switch s {
	case ExecStateOK, ExecStateError, ExecStateErrorWithRecovery, ExecStateSkipped:
		return true
	default:
		return false
	}
}

// IsError reports whether the state is one of the error states.
func (s ExecState) IsError() bool {
	return s == ExecStateError || s == ExecStateErrorWithRecovery
}

// MarshalText implements encoding.TextMarshaler.
func (s ExecState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ExecState) UnmarshalText(text []byte) error {
	v, err := ParseExecState(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ExecContextState is the state of an execution context.
type ExecContextState string

const (
	ExecContextStateUnknown   ExecContextState = "UNKNOWN"
	ExecContextStateProducing ExecContextState = "PRODUCING"
	ExecContextStateProduced  ExecContextState = "PRODUCED"
	ExecContextStateStarted   ExecContextState = "STARTED"
	ExecContextStateStopped   ExecContextState = "STOPPED"
	ExecContextStateFinished  ExecContextState = "FINISHED"
	ExecContextStateError     ExecContextState = "ERROR"
	ExecContextStateExported  ExecContextState = "EXPORTED"
)

// FunctionExecContext tells where a function is executed.
type FunctionExecContext string

const (
	// FunctionExecContextExternal functions run on remote workers.
	FunctionExecContextExternal FunctionExecContext = "external"
	// FunctionExecContextInternal functions run inside the dispatcher.
	FunctionExecContextInternal FunctionExecContext = "internal"
)

// OS identifies an operating system family.
type OS string

const (
	OSAny     OS = "any"
	OSLinux   OS = "linux"
	OSWindows OS = "windows"
	OSMacOS   OS = "macos"
	OSUnknown OS = "unknown"
)

// GitStatus is the git installation status reported by a worker.
type GitStatus string

const (
	GitStatusUnknown   GitStatus = "unknown"
	GitStatusInstalled GitStatus = "installed"
	GitStatusNotFound  GitStatus = "not_found"
	GitStatusError     GitStatus = "error"
)

// SubProcessLogic defines how sub-processes of a process are chained.
type SubProcessLogic string

const (
	SubProcessLogicSequential SubProcessLogic = "sequential"
	SubProcessLogicAnd        SubProcessLogic = "and"
	SubProcessLogicOr         SubProcessLogic = "or"
)
