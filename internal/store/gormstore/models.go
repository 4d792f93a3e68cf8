package gormstore

// TaskModel 任务表
type TaskModel struct {
	ID                  int64  `gorm:"primarykey"`
	ExecContextID       int64  `gorm:"index"`
	Params              string `gorm:"type:text"`
	ExecState           int    `gorm:"index"`
	CoreID              int64  `gorm:"index"`
	AssignedOn          int64
	Completed           bool
	CompletedOn         int64
	ResultReceived      bool
	FunctionExecResults string `gorm:"type:text"`
	AccessByWorkerOn    int64
	Version             int
}

// TableName 表名
func (TaskModel) TableName() string {
	return "dsp_task"
}

// ExecContextModel 执行上下文表
type ExecContextModel struct {
	ID          int64  `gorm:"primarykey"`
	State       string `gorm:"size:32;index"`
	Params      string `gorm:"type:text"`
	Graph       string `gorm:"type:text"`
	TaskStates  string `gorm:"type:text"`
	CreatedOn   int64
	CompletedOn int64
	Version     int
}

// TableName 表名
func (ExecContextModel) TableName() string {
	return "dsp_exec_context"
}

// VariableModel 变量表
type VariableModel struct {
	ID            int64  `gorm:"primarykey"`
	ExecContextID int64  `gorm:"index:idx_variable_lookup"`
	TaskContextID string `gorm:"size:250;index:idx_variable_lookup"`
	Name          string `gorm:"size:250;index:idx_variable_lookup"`
	Inited        bool
	Nullified     bool
	Data          []byte
	UploadedOn    int64
}

// TableName 表名
func (VariableModel) TableName() string {
	return "dsp_variable"
}

// CacheProcessModel 缓存进程表
type CacheProcessModel struct {
	ID        int64  `gorm:"primarykey"`
	KeySHA256 string `gorm:"size:100;uniqueIndex"`
	KeyValue  string `gorm:"size:512"`
	CreatedOn int64
}

// TableName 表名
func (CacheProcessModel) TableName() string {
	return "dsp_cache_process"
}

// CacheVariableModel 缓存变量表
type CacheVariableModel struct {
	ID             int64  `gorm:"primarykey"`
	CacheProcessID int64  `gorm:"index"`
	VariableName   string `gorm:"size:250"`
	Nullified      bool
	Data           []byte
	CreatedOn      int64
}

// TableName 表名
func (CacheVariableModel) TableName() string {
	return "dsp_cache_variable"
}

// Models lists every table managed by the store.
func Models() []any {
	return []any{
		&TaskModel{},
		&ExecContextModel{},
		&VariableModel{},
		&CacheProcessModel{},
		&CacheVariableModel{},
	}
}
