package aqlsched

import (
	"errors"
	"syscall"
	"testing"

	"github.com/behrlich/aqlsched/hostchannel"
)

func TestStructuredError(t *testing.T) {
	err := NewError("EXECUTE", hostchannel.HostErrorMalformed, "unknown command type")

	if err.Op != "EXECUTE" {
		t.Errorf("Expected Op=EXECUTE, got %s", err.Op)
	}

	if err.Code != hostchannel.HostErrorMalformed {
		t.Errorf("Expected Code=HostErrorMalformed, got %v", err.Code)
	}

	expected := "aqlsched: unknown command type (op=EXECUTE)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestSchedulerError(t *testing.T) {
	err := NewSchedulerError("ALLOCA", 3, hostchannel.HostErrorExhausted, "pool exhausted")

	if err.SchedulerID != 3 {
		t.Errorf("Expected SchedulerID=3, got %d", err.SchedulerID)
	}

	expected := "aqlsched: pool exhausted (op=ALLOCA)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestBlockError(t *testing.T) {
	err := NewBlockError("ISSUE_BLOCK", 42, 2, hostchannel.HostErrorMalformed, "command slot out of range")

	if err.SchedulerID != 42 {
		t.Errorf("Expected SchedulerID=42, got %d", err.SchedulerID)
	}

	if err.BlockOrdinal != 2 {
		t.Errorf("Expected BlockOrdinal=2, got %d", err.BlockOrdinal)
	}
}

func TestWrapError(t *testing.T) {
	inner := syscall.ENOMEM
	err := WrapError("DEALLOCA", inner)

	if err.Code != hostchannel.HostErrorExhausted {
		t.Errorf("Expected Code=HostErrorExhausted, got %v", err.Code)
	}

	if err.Errno != syscall.ENOMEM {
		t.Errorf("Expected Errno=ENOMEM, got %v", err.Errno)
	}

	if !errors.Is(err, syscall.ENOMEM) {
		t.Error("Expected wrapped error to satisfy errors.Is for ENOMEM")
	}
}

func TestErrorIsComparesByCode(t *testing.T) {
	a := &Error{Code: hostchannel.HostErrorExhausted}
	b := &Error{Code: hostchannel.HostErrorExhausted}
	c := &Error{Code: hostchannel.HostErrorMalformed}

	if !errors.Is(a, b) {
		t.Error("errors of the same code should compare equal via errors.Is")
	}
	if errors.Is(a, c) {
		t.Error("errors of different codes should not compare equal via errors.Is")
	}
}

func TestIsCode(t *testing.T) {
	err := NewError("TEST", hostchannel.HostErrorMalformed, "operation malformed")

	if !IsCode(err, hostchannel.HostErrorMalformed) {
		t.Error("IsCode should return true for matching code")
	}

	if IsCode(err, hostchannel.HostErrorExhausted) {
		t.Error("IsCode should return false for non-matching code")
	}

	if IsCode(nil, hostchannel.HostErrorMalformed) {
		t.Error("IsCode should return false for nil error")
	}
}
