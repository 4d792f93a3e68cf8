package rest

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"yqhp/dispatcher/internal/dispatcher"
	"yqhp/dispatcher/pkg/types"
)

func (s *Server) healthCheck(c *fiber.Ctx) error {
	return Success(c, fiber.Map{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func paramID(c *fiber.Ctx, name string) (int64, error) {
	id, err := c.ParamsInt(name)
	if err != nil || id <= 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid "+name)
	}
	return int64(id), nil
}

// createExecContext handles POST /api/v1/exec-contexts
func (s *Server) createExecContext(c *fiber.Ctx) error {
	var params types.ExecContextParams
	if err := c.BodyParser(&params); err != nil {
		return BadRequest(c, "failed to parse request body: "+err.Error())
	}
	if len(params.Processes) == 0 {
		return BadRequest(c, "at least one process is required")
	}
	ec, err := s.svc.CreateExecContext(c.UserContext(), &params)
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(Response{Code: CodeSuccess, Message: MsgSuccess, Data: toExecContextResponse(ec)})
}

// getExecContext handles GET /api/v1/exec-contexts/:id
func (s *Server) getExecContext(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	ec, err := s.svc.Store().LoadExecContext(c.UserContext(), id)
	if err != nil {
		return s.fail(c, err)
	}
	return Success(c, toExecContextResponse(ec))
}

// produce handles POST /api/v1/exec-contexts/:id/produce
func (s *Server) produce(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	tasks, err := s.svc.ProduceAll(c.UserContext(), id)
	if err != nil {
		return s.fail(c, err)
	}
	list := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		list = append(list, toTaskResponse(t))
	}
	return Success(c, list)
}

// transferGroup handles GET /api/v1/exec-contexts/:id/transfer
func (s *Server) transferGroup(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	g, ok := s.svc.GetTaskGroupForTransferring(c.UserContext(), id)
	if !ok {
		return NotFound(c, "no finished group")
	}
	return Success(c, toGroupResponse(g))
}

// setTaskState handles PUT /api/v1/exec-contexts/:id/tasks/:taskId/state
func (s *Server) setTaskState(c *fiber.Ctx) error {
	ecID, err := paramID(c, "id")
	if err != nil {
		return err
	}
	taskID, err := paramID(c, "taskId")
	if err != nil {
		return err
	}
	var req StateRequest
	if err := c.BodyParser(&req); err != nil {
		return BadRequest(c, "failed to parse request body: "+err.Error())
	}
	state, err := types.ParseExecState(strings.ToUpper(req.State))
	if err != nil {
		return BadRequest(c, err.Error())
	}
	task, err := s.svc.SetTaskExecState(c.UserContext(), ecID, taskID, state)
	if err != nil {
		return s.fail(c, err)
	}
	return Success(c, toTaskResponse(task))
}

// checkCache handles POST /api/v1/exec-contexts/:id/tasks/:taskId/check-cache
func (s *Server) checkCache(c *fiber.Ctx) error {
	ecID, err := paramID(c, "id")
	if err != nil {
		return err
	}
	taskID, err := paramID(c, "taskId")
	if err != nil {
		return err
	}
	status, err := s.svc.CheckCaching(c.UserContext(), ecID, taskID)
	if err != nil {
		return s.fail(c, err)
	}
	return Success(c, fiber.Map{"status": status})
}

// assignTask handles POST /api/v1/tasks/assign
func (s *Server) assignTask(c *fiber.Ctx) error {
	var req WorkerRequest
	if err := c.BodyParser(&req); err != nil {
		return BadRequest(c, "failed to parse request body: "+err.Error())
	}
	if req.CoreID <= 0 {
		return BadRequest(c, "coreId is required")
	}
	assigned, err := s.svc.FindUnassignedTaskAndAssign(c.UserContext(), req.capabilities(), nil, req.LiveTaskIDs)
	if err != nil {
		return s.fail(c, err)
	}
	if assigned == nil {
		return Success(c, nil)
	}
	return Success(c, toAssignResponse(assigned))
}

// getTask handles GET /api/v1/tasks/:id
func (s *Server) getTask(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	task, err := s.svc.Store().LoadTask(c.UserContext(), id)
	if err != nil {
		return s.fail(c, err)
	}
	return Success(c, toTaskResponse(task))
}

// reportResult handles POST /api/v1/tasks/:id/result
func (s *Server) reportResult(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var req ResultRequest
	if err := c.BodyParser(&req); err != nil {
		return BadRequest(c, "failed to parse request body: "+err.Error())
	}
	state, err := types.ParseExecState(strings.ToUpper(req.State))
	if err != nil {
		return BadRequest(c, err.Error())
	}
	r := dispatcher.TaskResult{
		TaskID:              id,
		CoreID:              req.CoreID,
		State:               state,
		FunctionExecResults: req.FunctionExecResults,
		Console:             req.Console,
	}
	for _, o := range req.Outputs {
		r.Outputs = append(r.Outputs, dispatcher.OutputData{Name: o.Name, Data: o.Data, Null: o.Null})
	}
	task, err := s.svc.ReportTaskResult(c.UserContext(), r)
	if err != nil {
		return s.fail(c, err)
	}
	return Success(c, toTaskResponse(task))
}

// resetTask handles POST /api/v1/tasks/:id/reset
func (s *Server) resetTask(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	reset, err := s.svc.ResetTask(c.UserContext(), id)
	if err != nil {
		return s.fail(c, err)
	}
	return Success(c, fiber.Map{"reset": reset})
}

// heartbeat handles POST /api/v1/workers/:coreId/heartbeat
func (s *Server) heartbeat(c *fiber.Ctx) error {
	coreID, err := paramID(c, "coreId")
	if err != nil {
		return err
	}
	var req WorkerRequest
	if err := c.BodyParser(&req); err != nil {
		return BadRequest(c, "failed to parse request body: "+err.Error())
	}
	req.CoreID = coreID
	if err := s.svc.Heartbeat(c.UserContext(), req.capabilities(), req.LiveTaskIDs); err != nil {
		return s.fail(c, err)
	}
	return Success(c, nil)
}

// queueEmpty handles GET /api/v1/queue/empty
func (s *Server) queueEmpty(c *fiber.Ctx) error {
	return Success(c, fiber.Map{"empty": s.svc.IsQueueEmpty(c.UserContext())})
}
