// Package params serializes task parameters at the storage and transport
// boundary. Two format versions exist; version 1 predates pre/post
// functions, caching and inline values.
package params

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"yqhp/dispatcher/pkg/types"
)

const (
	MinVersion     = 1
	CurrentVersion = 2
)

var (
	ErrDowngradeNotSupported = errors.New("params: downgrade not supported")
	ErrUnsupportedVersion    = errors.New("params: unsupported version")
)

type paramsV1 struct {
	Version         int                    `yaml:"version"`
	ProcessCode     string                 `yaml:"processCode"`
	TaskContextID   string                 `yaml:"taskContextId"`
	Context         string                 `yaml:"context"`
	Function        functionV1             `yaml:"function"`
	Inputs          []types.InputVariable  `yaml:"inputs,omitempty"`
	Outputs         []types.OutputVariable `yaml:"outputs,omitempty"`
	Tag             string                 `yaml:"tag,omitempty"`
	Priority        int                    `yaml:"priority,omitempty"`
	TriesAfterError int                    `yaml:"triesAfterError,omitempty"`
	Timeout         int64                  `yaml:"timeout,omitempty"`
}

type functionV1 struct {
	Code      string            `yaml:"code"`
	Type      string            `yaml:"type,omitempty"`
	Params    string            `yaml:"params,omitempty"`
	Env       string            `yaml:"env,omitempty"`
	Metas     map[string]string `yaml:"metas,omitempty"`
	Context   string            `yaml:"context"`
	Checksums []types.Checksum  `yaml:"checksums,omitempty"`
}

type versionHeader struct {
	Version int `yaml:"version"`
}

// CanDowngrade reports whether tp can be expressed in the given version.
func CanDowngrade(tp *types.TaskParams, version int) bool {
	return downgradeBlocker(tp, version) == nil
}

func downgradeBlocker(tp *types.TaskParams, version int) error {
	if version < MinVersion || version > CurrentVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	if version >= CurrentVersion {
		return nil
	}
	switch {
	case len(tp.PreFunctions) > 0 || len(tp.PostFunctions) > 0:
		return fmt.Errorf("%w: pre/post functions need version %d", ErrDowngradeNotSupported, CurrentVersion)
	case tp.Cache != nil:
		return fmt.Errorf("%w: cache config needs version %d", ErrDowngradeNotSupported, CurrentVersion)
	case len(tp.Inline) > 0:
		return fmt.Errorf("%w: inline values need version %d", ErrDowngradeNotSupported, CurrentVersion)
	case tp.Function.Git != nil:
		return fmt.Errorf("%w: git functions need version %d", ErrDowngradeNotSupported, CurrentVersion)
	}
	return nil
}

// Encode renders tp in the requested version.
func Encode(tp *types.TaskParams, version int) ([]byte, error) {
	if tp == nil {
		return nil, errors.New("params: nil task params")
	}
	if err := downgradeBlocker(tp, version); err != nil {
		return nil, err
	}
	if version == CurrentVersion {
		c := tp.Clone()
		c.Version = CurrentVersion
		return yaml.Marshal(c)
	}
	f := tp.Function
	v1 := paramsV1{
		Version:       1,
		ProcessCode:   tp.ProcessCode,
		TaskContextID: tp.TaskContextID,
		Context:       string(tp.Context),
		Function: functionV1{
			Code:      f.Code,
			Type:      f.Type,
			Params:    f.Params,
			Env:       f.Env,
			Metas:     f.Metas,
			Context:   string(f.Context),
			Checksums: f.Checksums,
		},
		Inputs:          tp.Inputs,
		Outputs:         tp.Outputs,
		Tag:             tp.Tag,
		Priority:        tp.Priority,
		TriesAfterError: tp.TriesAfterError,
		Timeout:         tp.Timeout,
	}
	return yaml.Marshal(&v1)
}

// Decode parses params of any supported version and upgrades them to the
// current one.
func Decode(data []byte) (*types.TaskParams, error) {
	var header versionHeader
	if err := yaml.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("params: read version: %w", err)
	}
	switch header.Version {
	case CurrentVersion:
		var tp types.TaskParams
		if err := yaml.Unmarshal(data, &tp); err != nil {
			return nil, fmt.Errorf("params: decode v%d: %w", CurrentVersion, err)
		}
		return &tp, nil
	case 1:
		var v1 paramsV1
		if err := yaml.Unmarshal(data, &v1); err != nil {
			return nil, fmt.Errorf("params: decode v1: %w", err)
		}
		return upgradeV1(&v1), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, header.Version)
	}
}

func upgradeV1(v1 *paramsV1) *types.TaskParams {
	return &types.TaskParams{
		Version:       CurrentVersion,
		ProcessCode:   v1.ProcessCode,
		TaskContextID: v1.TaskContextID,
		Context:       types.FunctionExecContext(v1.Context),
		Function: types.FunctionConfig{
			Code:      v1.Function.Code,
			Type:      v1.Function.Type,
			Params:    v1.Function.Params,
			Env:       v1.Function.Env,
			Metas:     v1.Function.Metas,
			Context:   types.FunctionExecContext(v1.Function.Context),
			Checksums: v1.Function.Checksums,
		},
		Inputs:          v1.Inputs,
		Outputs:         v1.Outputs,
		Tag:             v1.Tag,
		Priority:        v1.Priority,
		TriesAfterError: v1.TriesAfterError,
		Timeout:         v1.Timeout,
	}
}
