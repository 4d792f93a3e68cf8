package matcher

import (
	"strings"

	"github.com/duke-git/lancet/v2/slice"

	"yqhp/dispatcher/internal/params"
	"yqhp/dispatcher/internal/quota"
	"yqhp/dispatcher/pkg/types"
)

// ReadinessOracle tells whether a function artifact is available on a worker.
type ReadinessOracle interface {
	IsReady(functionCode string, workerID int64) bool
}

// AlwaysReady treats every function as available.
type AlwaysReady struct{}

func (AlwaysReady) IsReady(string, int64) bool { return true }

func checkGit(tp *types.TaskParams, w types.WorkerCapabilities) (Reason, bool) {
	for _, f := range tp.AllFunctions() {
		if f.Git != nil && w.GitStatus != types.GitStatusInstalled {
			return ReasonGitRequired, false
		}
	}
	return "", true
}

func checkTag(tp *types.TaskParams, w types.WorkerCapabilities) (Reason, bool) {
	if tp.Tag == "" || slice.Contain(w.Tags, tp.Tag) {
		return "", true
	}
	return ReasonTagMismatch, false
}

func checkEnv(tp *types.TaskParams, w types.WorkerCapabilities) (Reason, bool) {
	for _, f := range tp.AllFunctions() {
		if f.Context == types.FunctionExecContextInternal || f.Env == "" {
			continue
		}
		if _, ok := w.Envs[f.Env]; !ok {
			return ReasonEnvNotDefined, false
		}
	}
	return "", true
}

// supportsOS reports whether the comma separated meta value allows os.
func supportsOS(meta string, os types.OS) bool {
	for _, v := range strings.Split(meta, ",") {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == string(types.OSAny) || v == string(os) {
			return true
		}
	}
	return false
}

func checkOS(tp *types.TaskParams, w types.WorkerCapabilities) (Reason, bool) {
	for _, f := range tp.AllFunctions() {
		meta, ok := f.Metas[types.MetaSupportedOS]
		if !ok || strings.TrimSpace(meta) == "" {
			continue
		}
		if !supportsOS(meta, w.OS) {
			return ReasonOSIncompatible, false
		}
	}
	return "", true
}

func checkSigned(tp *types.TaskParams, acceptOnlySigned bool) (Reason, bool) {
	if !acceptOnlySigned {
		return "", true
	}
	for _, f := range tp.AllFunctions() {
		if f.Context != types.FunctionExecContextInternal && !f.IsSigned() {
			return ReasonNotSigned, false
		}
	}
	return "", true
}

func checkReady(tp *types.TaskParams, w types.WorkerCapabilities, oracle ReadinessOracle) (Reason, bool) {
	for _, f := range tp.AllFunctions() {
		if f.Context != types.FunctionExecContextInternal && !oracle.IsReady(f.Code, w.WorkerID) {
			return ReasonFunctionNotReady, false
		}
	}
	return "", true
}

func checkQuota(tp *types.TaskParams, w types.WorkerCapabilities, allocs *quota.Allocations) (int, Reason, bool) {
	amount := quota.Amount(w.Quotas, tp.Tag)
	if !quota.IsEnough(w.Quotas, allocs.Sum(), amount) {
		return amount, ReasonQuotaExceeded, false
	}
	return amount, "", true
}

// workerVersion returns the params version to send to the worker.
func workerVersion(w types.WorkerCapabilities) int {
	v := w.TaskParamsVersion
	if v <= 0 || v > params.CurrentVersion {
		return params.CurrentVersion
	}
	return v
}

func checkDowngrade(tp *types.TaskParams, w types.WorkerCapabilities) (Reason, bool) {
	v := workerVersion(w)
	if v == params.CurrentVersion || params.CanDowngrade(tp, v) {
		return "", true
	}
	return ReasonDowngradeNotSupported, false
}
