// Package gormstore persists dispatcher entities and cache entries in a SQL
// database through gorm.
package gormstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/jinzhu/copier"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/plugin/dbresolver"

	"yqhp/dispatcher/internal/config"
	"yqhp/dispatcher/internal/params"
	"yqhp/dispatcher/internal/store"
	"yqhp/dispatcher/pkg/graph"
	"yqhp/dispatcher/pkg/logger"
	"yqhp/dispatcher/pkg/types"
)

// Store implements store.Store and cache.Store on gorm.
type Store struct {
	db *gorm.DB
}

// Open 打开数据库连接并迁移表结构
func Open(cfg config.DatabaseConfig) (*Store, error) {
	dialector, err := Dialector(cfg)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.NewGormLogger(cfg.SlowThreshold),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if len(cfg.Replicas) > 0 {
		if err := db.Use(resolver(cfg)); err != nil {
			return nil, fmt.Errorf("register replicas: %w", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// 设置连接池参数
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	s := New(db)
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dialector 根据配置选择数据库驱动
func Dialector(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
			cfg.Username,
			cfg.Password,
			cfg.Host,
			cfg.Port,
			cfg.Database,
			cfg.Charset,
		)
		return mysql.Open(dsn), nil
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			cfg.Host,
			cfg.Port,
			cfg.Username,
			cfg.Password,
			cfg.Database,
		)
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// resolver 读写分离，查询走只读副本
func resolver(cfg config.DatabaseConfig) *dbresolver.DBResolver {
	replicas := make([]gorm.Dialector, 0, len(cfg.Replicas))
	for _, host := range cfg.Replicas {
		rc := cfg
		rc.Host = host
		d, err := Dialector(rc)
		if err != nil {
			continue
		}
		replicas = append(replicas, d)
	}
	return dbresolver.Register(dbresolver.Config{
		Replicas: replicas,
		Policy:   dbresolver.RandomPolicy{},
	}).
		SetMaxIdleConns(cfg.MaxIdleConns).
		SetMaxOpenConns(cfg.MaxOpenConns).
		SetConnMaxLifetime(cfg.ConnMaxLifetime)
}

// New wraps an open connection.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the tables.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(Models()...)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error, what string, id int64) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s #%d: %w", what, id, store.ErrNotFound)
	}
	return fmt.Errorf("load %s #%d: %w", what, id, err)
}

// ---- tasks ----

func (s *Store) LoadTask(ctx context.Context, id int64) (*types.Task, error) {
	var m TaskModel
	if err := s.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, notFound(err, "task", id)
	}
	return taskFromModel(&m)
}

// SaveTask inserts a new task or updates an existing one when its version
// matches the stored one.
func (s *Store) SaveTask(ctx context.Context, t *types.Task) (*types.Task, error) {
	m, err := taskToModel(t)
	if err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	if m.ID == 0 {
		m.Version = 0
		if err := db.Create(m).Error; err != nil {
			return nil, fmt.Errorf("create task: %w", err)
		}
		return taskFromModel(m)
	}

	prev := m.Version
	m.Version++
	res := db.Model(&TaskModel{}).
		Where("id = ? AND version = ?", m.ID, prev).
		Select("*").
		Updates(m)
	if res.Error != nil {
		return nil, fmt.Errorf("update task #%d: %w", m.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("task #%d version %d: %w", m.ID, prev, store.ErrVersionConflict)
	}
	return taskFromModel(m)
}

func (s *Store) findTasks(ctx context.Context, query string, args ...any) ([]*types.Task, error) {
	var ms []TaskModel
	if err := s.db.WithContext(ctx).Where(query, args...).Order("id ASC").Find(&ms).Error; err != nil {
		return nil, err
	}
	out := make([]*types.Task, 0, len(ms))
	for i := range ms {
		t, err := taskFromModel(&ms[i])
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) FindTasksByExecContext(ctx context.Context, execContextID int64) ([]*types.Task, error) {
	return s.findTasks(ctx, "exec_context_id = ?", execContextID)
}

func (s *Store) FindTasksByCoreAndState(ctx context.Context, coreID int64, state types.ExecState) ([]*types.Task, error) {
	return s.findTasks(ctx, "core_id = ? AND exec_state = ?", coreID, int(state))
}

func (s *Store) FindTasksByState(ctx context.Context, state types.ExecState) ([]*types.Task, error) {
	return s.findTasks(ctx, "exec_state = ?", int(state))
}

func taskToModel(t *types.Task) (*TaskModel, error) {
	m := &TaskModel{
		ID:                  t.ID,
		ExecContextID:       t.ExecContextID,
		ExecState:           int(t.ExecState),
		CoreID:              t.CoreID,
		AssignedOn:          t.AssignedOn,
		Completed:           t.Completed,
		CompletedOn:         t.CompletedOn,
		ResultReceived:      t.ResultReceived,
		FunctionExecResults: t.FunctionExecResults,
		AccessByWorkerOn:    t.AccessByWorkerOn,
		Version:             t.Version,
	}
	if t.Params != nil {
		data, err := params.Encode(t.Params, params.CurrentVersion)
		if err != nil {
			return nil, fmt.Errorf("encode params of task #%d: %w", t.ID, err)
		}
		m.Params = string(data)
	}
	return m, nil
}

func taskFromModel(m *TaskModel) (*types.Task, error) {
	t := &types.Task{
		ID:                  m.ID,
		ExecContextID:       m.ExecContextID,
		ExecState:           types.ExecState(m.ExecState),
		CoreID:              m.CoreID,
		AssignedOn:          m.AssignedOn,
		Completed:           m.Completed,
		CompletedOn:         m.CompletedOn,
		ResultReceived:      m.ResultReceived,
		FunctionExecResults: m.FunctionExecResults,
		AccessByWorkerOn:    m.AccessByWorkerOn,
		Version:             m.Version,
	}
	if m.Params != "" {
		tp, err := params.Decode([]byte(m.Params))
		if err != nil {
			return nil, fmt.Errorf("decode params of task #%d: %w", m.ID, err)
		}
		t.Params = tp
	}
	return t, nil
}

// ---- exec contexts ----

func (s *Store) LoadExecContext(ctx context.Context, id int64) (*types.ExecContext, error) {
	var m ExecContextModel
	if err := s.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, notFound(err, "exec context", id)
	}
	return execContextFromModel(&m)
}

func (s *Store) SaveExecContext(ctx context.Context, ec *types.ExecContext) (*types.ExecContext, error) {
	m, err := execContextToModel(ec)
	if err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	if m.ID == 0 {
		m.Version = 0
		if err := db.Create(m).Error; err != nil {
			return nil, fmt.Errorf("create exec context: %w", err)
		}
		return execContextFromModel(m)
	}
	prev := m.Version
	m.Version++
	res := db.Model(&ExecContextModel{}).
		Where("id = ? AND version = ?", m.ID, prev).
		Select("*").
		Updates(m)
	if res.Error != nil {
		return nil, fmt.Errorf("update exec context #%d: %w", m.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("exec context #%d version %d: %w", m.ID, prev, store.ErrVersionConflict)
	}
	return execContextFromModel(m)
}

func execContextToModel(ec *types.ExecContext) (*ExecContextModel, error) {
	m := &ExecContextModel{
		ID:          ec.ID,
		State:       string(ec.State),
		CreatedOn:   ec.CreatedOn,
		CompletedOn: ec.CompletedOn,
		Version:     ec.Version,
	}
	var err error
	if m.Params, err = sonic.ConfigStd.MarshalToString(ec.Params); err != nil {
		return nil, fmt.Errorf("encode exec context params: %w", err)
	}
	g := ec.Graph
	if g == nil {
		g = graph.New()
	}
	data, err := g.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode exec context graph: %w", err)
	}
	m.Graph = string(data)
	if m.TaskStates, err = sonic.ConfigStd.MarshalToString(ec.TaskStates); err != nil {
		return nil, fmt.Errorf("encode task states: %w", err)
	}
	return m, nil
}

func execContextFromModel(m *ExecContextModel) (*types.ExecContext, error) {
	ec := &types.ExecContext{
		ID:          m.ID,
		State:       types.ExecContextState(m.State),
		CreatedOn:   m.CreatedOn,
		CompletedOn: m.CompletedOn,
		Version:     m.Version,
		Graph:       graph.New(),
		TaskStates:  make(map[int64]types.ExecState),
	}
	if m.Params != "" && m.Params != "null" {
		ec.Params = &types.ExecContextParams{}
		if err := sonic.ConfigStd.UnmarshalFromString(m.Params, ec.Params); err != nil {
			return nil, fmt.Errorf("decode params of exec context #%d: %w", m.ID, err)
		}
	}
	if m.Graph != "" {
		if err := ec.Graph.UnmarshalJSON([]byte(m.Graph)); err != nil {
			return nil, fmt.Errorf("decode graph of exec context #%d: %w", m.ID, err)
		}
	}
	if m.TaskStates != "" && m.TaskStates != "null" {
		if err := sonic.ConfigStd.UnmarshalFromString(m.TaskStates, &ec.TaskStates); err != nil {
			return nil, fmt.Errorf("decode task states of exec context #%d: %w", m.ID, err)
		}
	}
	return ec, nil
}

// ---- variables ----

func (s *Store) LoadVariable(ctx context.Context, id int64) (*types.Variable, error) {
	var m VariableModel
	if err := s.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, notFound(err, "variable", id)
	}
	return variableFromModel(&m)
}

func (s *Store) SaveVariable(ctx context.Context, v *types.Variable) (*types.Variable, error) {
	m := &VariableModel{}
	if err := copier.Copy(m, v); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Save(m).Error; err != nil {
		return nil, fmt.Errorf("save variable %q: %w", v.Name, err)
	}
	return variableFromModel(m)
}

func (s *Store) FindVariable(ctx context.Context, execContextID int64, name, taskContextID string) (*types.Variable, error) {
	var m VariableModel
	err := s.db.WithContext(ctx).
		Where("exec_context_id = ? AND name = ? AND task_context_id = ?", execContextID, name, taskContextID).
		Order("id ASC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("variable %q in context %s: %w", name, taskContextID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return variableFromModel(&m)
}

func (s *Store) FindVariablesByExecContext(ctx context.Context, execContextID int64) ([]*types.Variable, error) {
	var ms []VariableModel
	if err := s.db.WithContext(ctx).Where("exec_context_id = ?", execContextID).Order("id ASC").Find(&ms).Error; err != nil {
		return nil, err
	}
	out := make([]*types.Variable, 0, len(ms))
	for i := range ms {
		v, err := variableFromModel(&ms[i])
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func variableFromModel(m *VariableModel) (*types.Variable, error) {
	v := &types.Variable{}
	if err := copier.CopyWithOption(v, m, copier.Option{DeepCopy: true}); err != nil {
		return nil, fmt.Errorf("decode variable: %w", err)
	}
	return v, nil
}

var _ store.Store = (*Store)(nil)
