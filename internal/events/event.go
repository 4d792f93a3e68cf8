// Package events carries dispatcher events between components over bounded
// per-kind channels.
package events

import (
	"github.com/google/uuid"

	"yqhp/dispatcher/pkg/types"
)

// Kind identifies an event type.
type Kind string

const (
	KindTaskFinishedWithError       Kind = "task_finished_with_error"
	KindRegisterTaskForCheckCaching Kind = "register_task_for_check_caching"
	KindStartTaskProcessing         Kind = "start_task_processing"
	KindUnassignTask                Kind = "unassign_task"
	KindResetTask                   Kind = "reset_task"
	KindUpdateTaskExecStatesInGraph Kind = "update_task_exec_states_in_graph"
	KindInitVariables               Kind = "init_variables"
	KindActivateChildren            Kind = "activate_children"
	KindFindUnassignedTasks         Kind = "find_unassigned_tasks"
	KindSyncQueueState              Kind = "sync_queue_state"
	KindTaskAssigned                Kind = "task_assigned"
)

// Delivery is the guarantee a kind gets from the bus.
type Delivery int

const (
	// Reliable events are never dropped; a full channel spills them into an
	// ordered overflow queue.
	Reliable Delivery = iota
	// BestEffort publishes drop the event when the channel is full.
	BestEffort
)

var deliveries = map[Kind]Delivery{
	KindTaskFinishedWithError:       Reliable,
	KindRegisterTaskForCheckCaching: Reliable,
	KindResetTask:                   Reliable,
	KindUpdateTaskExecStatesInGraph: Reliable,
	KindInitVariables:               Reliable,
	KindActivateChildren:            Reliable,
	KindSyncQueueState:              Reliable,
	KindStartTaskProcessing:         BestEffort,
	KindUnassignTask:                BestEffort,
	KindFindUnassignedTasks:         BestEffort,
	KindTaskAssigned:                BestEffort,
}

// Kinds returns every known kind.
func Kinds() []Kind {
	out := make([]Kind, 0, len(deliveries))
	for k := range deliveries {
		out = append(out, k)
	}
	return out
}

// DeliveryOf returns the delivery policy of a kind.
func DeliveryOf(k Kind) Delivery {
	if d, ok := deliveries[k]; ok {
		return d
	}
	return BestEffort
}

// Event is a dispatcher event. Fields irrelevant to a kind are zero.
type Event struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	ExecContextID int64           `json:"execContextId,omitempty"`
	TaskID        int64           `json:"taskId,omitempty"`
	CoreID        int64           `json:"coreId,omitempty"`
	State         types.ExecState `json:"state,omitempty"`
	Console       string          `json:"console,omitempty"`
	At            int64           `json:"at"`
}

func newEvent(kind Kind, execContextID, taskID int64) Event {
	return Event{
		ID:            uuid.NewString(),
		Kind:          kind,
		ExecContextID: execContextID,
		TaskID:        taskID,
		At:            types.NowMillis(),
	}
}

func TaskFinishedWithError(execContextID, taskID int64, console string) Event {
	e := newEvent(KindTaskFinishedWithError, execContextID, taskID)
	e.Console = console
	return e
}

func RegisterTaskForCheckCaching(execContextID, taskID int64) Event {
	return newEvent(KindRegisterTaskForCheckCaching, execContextID, taskID)
}

func StartTaskProcessing(execContextID, taskID, coreID int64) Event {
	e := newEvent(KindStartTaskProcessing, execContextID, taskID)
	e.CoreID = coreID
	return e
}

func UnassignTask(execContextID, taskID, coreID int64) Event {
	e := newEvent(KindUnassignTask, execContextID, taskID)
	e.CoreID = coreID
	return e
}

func ResetTask(execContextID, taskID int64) Event {
	return newEvent(KindResetTask, execContextID, taskID)
}

func UpdateTaskExecStatesInGraph(execContextID, taskID int64) Event {
	return newEvent(KindUpdateTaskExecStatesInGraph, execContextID, taskID)
}

func InitVariables(execContextID, taskID int64) Event {
	return newEvent(KindInitVariables, execContextID, taskID)
}

func ActivateChildren(execContextID, taskID int64) Event {
	return newEvent(KindActivateChildren, execContextID, taskID)
}

func FindUnassignedTasks() Event {
	return newEvent(KindFindUnassignedTasks, 0, 0)
}

func SyncQueueState(execContextID, taskID int64, state types.ExecState) Event {
	e := newEvent(KindSyncQueueState, execContextID, taskID)
	e.State = state
	return e
}

func TaskAssigned(execContextID, taskID, coreID int64) Event {
	e := newEvent(KindTaskAssigned, execContextID, taskID)
	e.CoreID = coreID
	return e
}
