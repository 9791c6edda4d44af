package aqlsched

import (
	"testing"

	"github.com/behrlich/aqlsched/issue"
)

func TestDefaultParams(t *testing.T) {
	params := DefaultParams()

	if params.ExecQueueSize != DefaultExecQueueSize {
		t.Errorf("ExecQueueSize = %d, want %d", params.ExecQueueSize, DefaultExecQueueSize)
	}
	if params.WakePoolCapacity != DefaultWakePoolCapacity {
		t.Errorf("WakePoolCapacity = %d, want %d", params.WakePoolCapacity, DefaultWakePoolCapacity)
	}
	if params.SignalPoolCapacity != DefaultSignalPoolCapacity {
		t.Errorf("SignalPoolCapacity = %d, want %d", params.SignalPoolCapacity, DefaultSignalPoolCapacity)
	}
	if params.KernargCapacity != DefaultKernargCapacity {
		t.Errorf("KernargCapacity = %d, want %d", params.KernargCapacity, DefaultKernargCapacity)
	}
	if params.SchedulerID != AutoAssignSchedulerID {
		t.Errorf("SchedulerID = %d, want %d", params.SchedulerID, AutoAssignSchedulerID)
	}
	if params.TraceMode != issue.TraceNone {
		t.Errorf("TraceMode = %v, want TraceNone", params.TraceMode)
	}
	if params.TraceCapacity != 0 {
		t.Errorf("TraceCapacity = %d, want 0 (tracing disabled by default)", params.TraceCapacity)
	}
}

func TestBuildFeaturesTraceLevels(t *testing.T) {
	params := DefaultParams()

	params.TraceMode = issue.TraceNone
	if f := BuildFeatures(params, false); f&FeatureDispatchTrace != 0 || f&FeatureControlTrace != 0 {
		t.Errorf("TraceNone should not set any trace feature bits, got %v", f)
	}

	params.TraceMode = issue.TraceControl
	f := BuildFeatures(params, false)
	if f&FeatureControlTrace == 0 {
		t.Error("TraceControl should set FeatureControlTrace")
	}
	if f&FeatureDispatchTrace != 0 {
		t.Error("TraceControl should not set FeatureDispatchTrace")
	}

	params.TraceMode = issue.TraceDispatch
	f = BuildFeatures(params, false)
	if f&FeatureDispatchTrace == 0 || f&FeatureControlTrace == 0 {
		t.Errorf("TraceDispatch implies control tracing too, got %v", f)
	}
}

func TestBuildFeaturesCrossSchedulerWake(t *testing.T) {
	params := DefaultParams()

	if f := BuildFeatures(params, false); f&FeatureCrossSchedulerWake != 0 {
		t.Error("FeatureCrossSchedulerWake should not be set without a registry")
	}
	if f := BuildFeatures(params, true); f&FeatureCrossSchedulerWake == 0 {
		t.Error("FeatureCrossSchedulerWake should be set when a registry is supplied")
	}
}

func TestToSchedulerConfig(t *testing.T) {
	params := DefaultParams()
	params.EntryCapacity = 42
	params.TraceCapacity = 4096

	cfg := params.ToSchedulerConfig(true)
	if cfg.EntryCapacity != 42 {
		t.Errorf("EntryCapacity = %d, want 42", cfg.EntryCapacity)
	}
	if cfg.TraceCapacity != 4096 {
		t.Errorf("TraceCapacity = %d, want 4096", cfg.TraceCapacity)
	}
	if cfg.ExecQueueSize != params.ExecQueueSize {
		t.Errorf("ExecQueueSize = %d, want %d", cfg.ExecQueueSize, params.ExecQueueSize)
	}
	if cfg.Features&FeatureCrossSchedulerWake == 0 {
		t.Error("Features should carry FeatureCrossSchedulerWake when hasRegistry is true")
	}
}
