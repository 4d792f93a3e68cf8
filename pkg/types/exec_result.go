package types

import "github.com/bytedance/sonic"

// SystemExecResult is the outcome of one function execution.
type SystemExecResult struct {
	FunctionCode string `json:"functionCode"`
	IsOK         bool   `json:"isOk"`
	ExitCode     int    `json:"exitCode"`
	Console      string `json:"console,omitempty"`
}

// FunctionExec aggregates the execution results of a task's functions.
type FunctionExec struct {
	Exec      *SystemExecResult  `json:"exec,omitempty"`
	PreExecs  []SystemExecResult `json:"preExecs,omitempty"`
	PostExecs []SystemExecResult `json:"postExecs,omitempty"`
	Generals  []SystemExecResult `json:"generals,omitempty"`
}

// NewSystemFunctionExec builds a FunctionExec with a single synthetic result.
func NewSystemFunctionExec(functionCode string, ok bool, exitCode int, console string) *FunctionExec {
	return &FunctionExec{
		Exec: &SystemExecResult{
			FunctionCode: functionCode,
			IsOK:         ok,
			ExitCode:     exitCode,
			Console:      console,
		},
	}
}

// MarshalFunctionExec renders an exec result for storage on the task.
func MarshalFunctionExec(fe *FunctionExec) (string, error) {
	return sonic.MarshalString(fe)
}

// UnmarshalFunctionExec parses a stored exec result.
func UnmarshalFunctionExec(s string) (*FunctionExec, error) {
	var fe FunctionExec
	if err := sonic.UnmarshalString(s, &fe); err != nil {
		return nil, err
	}
	return &fe, nil
}
