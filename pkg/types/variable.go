package types

// Variable is a named data slot produced or consumed by tasks.
type Variable struct {
	ID            int64
	ExecContextID int64
	TaskContextID string
	Name          string
	Inited        bool
	Nullified     bool
	Data          []byte
	UploadedOn    int64
}

// Clone returns a deep copy.
func (v *Variable) Clone() *Variable {
	if v == nil {
		return nil
	}
	c := *v
	if v.Data != nil {
		c.Data = append([]byte(nil), v.Data...)
	}
	return &c
}

// CacheProcess is a stored cache entry keyed by a simple cache key.
type CacheProcess struct {
	ID        int64
	KeySHA256 string
	// KeyValue is a truncated human-readable rendering of the full key.
	KeyValue  string
	CreatedOn int64
}

// CacheVariable is one stored output of a cache entry.
type CacheVariable struct {
	ID             int64
	CacheProcessID int64
	VariableName   string
	Nullified      bool
	Data           []byte
	CreatedOn      int64
}
