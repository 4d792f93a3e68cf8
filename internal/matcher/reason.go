package matcher

// Reason explains why a candidate was not assigned.
type Reason string

const (
	ReasonWorkerBanned          Reason = "worker_banned"
	ReasonInternalTask          Reason = "internal_task"
	ReasonExecContextNotFound   Reason = "exec_context_not_found"
	ReasonExecContextFinished   Reason = "exec_context_stopped_or_finished"
	ReasonExecContextNotStarted Reason = "exec_context_not_started"
	ReasonParamsNil             Reason = "task_params_are_nil"
	ReasonTaskNotFound          Reason = "task_not_found"
	ReasonTaskFinished          Reason = "task_finished"
	ReasonTaskInProgress        Reason = "task_in_progress"
	ReasonCheckCache            Reason = "task_in_check_cache"
	ReasonGitRequired           Reason = "git_required"
	ReasonTagMismatch           Reason = "tag_mismatch"
	ReasonEnvNotDefined         Reason = "env_not_defined"
	ReasonOSIncompatible        Reason = "os_incompatible"
	ReasonNotSigned             Reason = "function_not_signed"
	ReasonFunctionNotReady      Reason = "function_not_ready"
	ReasonQuotaExceeded         Reason = "quota_exceeded"
	ReasonDowngradeNotSupported Reason = "params_downgrade_not_supported"
	ReasonNotInNoneState        Reason = "task_isnt_in_none_state"
	ReasonAssignedConcurrently  Reason = "assigned_concurrently"
)

// bans reports whether a rejection for r puts the worker on cool-down.
func (r Reason) bans() bool {
	switch r {
	case ReasonEnvNotDefined, ReasonOSIncompatible, ReasonDowngradeNotSupported:
		return true
	default:
		return false
	}
}

// Rejection records one rejected candidate.
type Rejection struct {
	TaskID int64
	Reason Reason
}
