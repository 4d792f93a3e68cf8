package types

// WorkerCapabilities is the read-only capability snapshot a worker core
// supplies with every matching request.
type WorkerCapabilities struct {
	CoreID   int64
	WorkerID int64

	OS        OS
	GitStatus GitStatus
	Tags      []string

	// Envs maps an environment code to the interpreter command defined on the worker.
	Envs   map[string]string
	Quotas QuotaTable

	// TaskParamsVersion is the highest task params version the worker understands.
	TaskParamsVersion int
}

// QuotaTable is the per-worker quota configuration.
type QuotaTable struct {
	Disabled bool           `yaml:"disabled" json:"disabled"`
	Limit    int            `yaml:"limit" json:"limit"`
	Default  int            `yaml:"default" json:"default"`
	Values   map[string]int `yaml:"values,omitempty" json:"values,omitempty"`
}
