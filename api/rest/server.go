// Package rest exposes the dispatcher to workers and controllers over HTTP.
package rest

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"

	"yqhp/dispatcher/internal/cache"
	"yqhp/dispatcher/internal/config"
	"yqhp/dispatcher/internal/dispatcher"
	"yqhp/dispatcher/internal/metrics"
	"yqhp/dispatcher/internal/producer"
	"yqhp/dispatcher/internal/queue"
	"yqhp/dispatcher/internal/quota"
	"yqhp/dispatcher/internal/store"
	"yqhp/dispatcher/pkg/types"
)

// Service is the part of the dispatcher served over HTTP.
type Service interface {
	CreateExecContext(ctx context.Context, params *types.ExecContextParams) (*types.ExecContext, error)
	ProduceAll(ctx context.Context, execContextID int64) ([]*types.Task, error)
	FindUnassignedTaskAndAssign(ctx context.Context, caps types.WorkerCapabilities,
		allocs *quota.Allocations, liveTaskIDs []int64) (*types.AssignedTask, error)
	ReportTaskResult(ctx context.Context, r dispatcher.TaskResult) (*types.Task, error)
	SetTaskExecState(ctx context.Context, execContextID, taskID int64, state types.ExecState) (*types.Task, error)
	CheckCaching(ctx context.Context, execContextID, taskID int64) (cache.Status, error)
	ResetTask(ctx context.Context, taskID int64) (bool, error)
	Heartbeat(ctx context.Context, caps types.WorkerCapabilities, liveTaskIDs []int64) error
	IsQueueEmpty(ctx context.Context) bool
	GetTaskGroupForTransferring(ctx context.Context, execContextID int64) (queue.GroupSnapshot, bool)
	Store() store.Store
	Metrics() *metrics.Metrics
}

// Server is the HTTP API server.
type Server struct {
	app     *fiber.App
	svc     Service
	cfg     config.ServerConfig
	metrics config.MetricsConfig
	log     *zap.Logger
}

// NewServer builds the fiber app and its routes.
func NewServer(svc Service, cfg config.ServerConfig, mcfg config.MetricsConfig, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		ErrorHandler:          errorHandler,
		AppName:               "Task Dispatcher API",
		DisableStartupMessage: true,
	})

	s := &Server{app: app, svc: svc, cfg: cfg, metrics: mcfg, log: log}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.app.Use(fiberrecover.New(fiberrecover.Config{
		EnableStackTrace: true,
	}))
	s.app.Use(requestid.New())
	s.app.Use(s.accessLog())
}

// accessLog 请求日志
func (s *Server) accessLog() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		s.log.Debug("http request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("latency", time.Since(start)),
			zap.Any("requestId", c.Locals(requestid.ConfigDefault.ContextKey)),
		)
		return err
	}
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", s.healthCheck)

	if s.metrics.Enabled {
		path := s.metrics.Path
		if path == "" {
			path = "/metrics"
		}
		s.app.Get(path, adaptor.HTTPHandler(s.svc.Metrics().Handler()))
	}

	api := s.app.Group("/api/v1")

	// 执行上下文
	api.Post("/exec-contexts", s.createExecContext)
	api.Get("/exec-contexts/:id", s.getExecContext)
	api.Post("/exec-contexts/:id/produce", s.produce)
	api.Get("/exec-contexts/:id/transfer", s.transferGroup)
	api.Put("/exec-contexts/:id/tasks/:taskId/state", s.setTaskState)
	api.Post("/exec-contexts/:id/tasks/:taskId/check-cache", s.checkCache)

	// 任务
	api.Post("/tasks/assign", s.assignTask)
	api.Get("/tasks/:id", s.getTask)
	api.Post("/tasks/:id/result", s.reportResult)
	api.Post("/tasks/:id/reset", s.resetTask)

	// 工作节点
	api.Post("/workers/:coreId/heartbeat", s.heartbeat)

	api.Get("/queue/empty", s.queueEmpty)
}

// Start starts listening and returns when ctx is done or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listen(s.cfg.Address)
	}()

	select {
	case <-ctx.Done():
		return s.app.ShutdownWithTimeout(10 * time.Second)
	case err := <-errCh:
		return err
	}
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

func errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return Fail(c, fe.Code, fe.Message)
	}
	return ServerError(c, err.Error())
}

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, store.ErrVersionConflict):
		return fiber.StatusConflict
	case errors.Is(err, dispatcher.ErrTaskNotAssigned),
		errors.Is(err, dispatcher.ErrExecContextMismatch),
		errors.Is(err, dispatcher.ErrUnsupportedResultState),
		errors.Is(err, producer.ErrAlreadyProduced):
		return fiber.StatusConflict
	case errors.Is(err, producer.ErrFunctionNotFound),
		errors.Is(err, producer.ErrProcessNotFound),
		errors.Is(err, producer.ErrUnsupportedLogic):
		return fiber.StatusBadRequest
	}
	var inv *cache.InvalidateError
	if errors.As(err, &inv) {
		return fiber.StatusConflict
	}
	return fiber.StatusInternalServerError
}

func (s *Server) fail(c *fiber.Ctx, err error) error {
	status := statusOf(err)
	if status == fiber.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return Fail(c, status, err.Error())
}
