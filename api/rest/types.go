package rest

import (
	"yqhp/dispatcher/internal/queue"
	"yqhp/dispatcher/pkg/types"
)

// WorkerRequest describes the calling core. It is the body of the assign and
// heartbeat endpoints.
type WorkerRequest struct {
	CoreID            int64             `json:"coreId"`
	WorkerID          int64             `json:"workerId"`
	OS                string            `json:"os"`
	GitStatus         string            `json:"gitStatus"`
	Tags              []string          `json:"tags,omitempty"`
	Envs              map[string]string `json:"envs,omitempty"`
	Quotas            types.QuotaTable  `json:"quotas"`
	TaskParamsVersion int               `json:"taskParamsVersion"`
	LiveTaskIDs       []int64           `json:"liveTaskIds,omitempty"`
}

func (r *WorkerRequest) capabilities() types.WorkerCapabilities {
	caps := types.WorkerCapabilities{
		CoreID:            r.CoreID,
		WorkerID:          r.WorkerID,
		OS:                types.OS(r.OS),
		GitStatus:         types.GitStatus(r.GitStatus),
		Tags:              r.Tags,
		Envs:              r.Envs,
		Quotas:            r.Quotas,
		TaskParamsVersion: r.TaskParamsVersion,
	}
	if caps.OS == "" {
		caps.OS = types.OSUnknown
	}
	if caps.GitStatus == "" {
		caps.GitStatus = types.GitStatusUnknown
	}
	return caps
}

// AssignResponse is a task handed to a core.
type AssignResponse struct {
	TaskID        int64  `json:"taskId"`
	ExecContextID int64  `json:"execContextId"`
	Tag           string `json:"tag,omitempty"`
	Quota         int    `json:"quota"`
	Params        string `json:"params"`
}

func toAssignResponse(a *types.AssignedTask) *AssignResponse {
	return &AssignResponse{
		TaskID:        a.Task.ID,
		ExecContextID: a.Task.ExecContextID,
		Tag:           a.Tag,
		Quota:         a.Quota,
		Params:        string(a.Params),
	}
}

// OutputRequest is one uploaded output variable.
type OutputRequest struct {
	Name string `json:"name"`
	Data []byte `json:"data,omitempty"`
	Null bool   `json:"null,omitempty"`
}

// ResultRequest is the body of POST /tasks/:id/result.
type ResultRequest struct {
	CoreID              int64           `json:"coreId"`
	State               string          `json:"state"`
	FunctionExecResults string          `json:"functionExecResults,omitempty"`
	Console             string          `json:"console,omitempty"`
	Outputs             []OutputRequest `json:"outputs,omitempty"`
}

// StateRequest is the body of PUT /exec-contexts/:id/tasks/:taskId/state.
type StateRequest struct {
	State string `json:"state"`
}

// TaskResponse is the public view of a task.
type TaskResponse struct {
	ID            int64  `json:"id"`
	ExecContextID int64  `json:"execContextId"`
	State         string `json:"state"`
	ProcessCode   string `json:"processCode,omitempty"`
	TaskContextID string `json:"taskContextId,omitempty"`
	CoreID        int64  `json:"coreId,omitempty"`
	Completed     bool   `json:"completed"`
}

func toTaskResponse(t *types.Task) TaskResponse {
	r := TaskResponse{
		ID:            t.ID,
		ExecContextID: t.ExecContextID,
		State:         t.ExecState.String(),
		CoreID:        t.CoreID,
		Completed:     t.Completed,
	}
	if t.Params != nil {
		r.ProcessCode = t.Params.ProcessCode
		r.TaskContextID = t.Params.TaskContextID
	}
	return r
}

// ExecContextResponse is the public view of an exec context.
type ExecContextResponse struct {
	ID         int64            `json:"id"`
	State      string           `json:"state"`
	TaskStates map[int64]string `json:"taskStates,omitempty"`
}

func toExecContextResponse(ec *types.ExecContext) ExecContextResponse {
	r := ExecContextResponse{ID: ec.ID, State: string(ec.State)}
	if len(ec.TaskStates) > 0 {
		r.TaskStates = make(map[int64]string, len(ec.TaskStates))
		for id, s := range ec.TaskStates {
			r.TaskStates[id] = s.String()
		}
	}
	return r
}

// GroupResponse is a task group handed out for transferring.
type GroupResponse struct {
	ExecContextID int64          `json:"execContextId"`
	Priority      int            `json:"priority"`
	Tasks         []GroupTaskDTO `json:"tasks"`
}

// GroupTaskDTO is one slot of a transferred group.
type GroupTaskDTO struct {
	TaskID   int64  `json:"taskId"`
	State    string `json:"state"`
	Assigned bool   `json:"assigned"`
}

func toGroupResponse(g queue.GroupSnapshot) GroupResponse {
	r := GroupResponse{ExecContextID: g.ExecContextID, Priority: g.Priority, Tasks: []GroupTaskDTO{}}
	for _, t := range g.Tasks {
		r.Tasks = append(r.Tasks, GroupTaskDTO{
			TaskID:   t.QueuedTask.TaskID,
			State:    t.State.String(),
			Assigned: t.Assigned,
		})
	}
	return r
}
