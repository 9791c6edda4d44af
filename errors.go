package aqlsched

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/behrlich/aqlsched/hostchannel"
)

// Error represents a structured scheduler error with context and host-error
// mapping, per §7: the host receives a POST_ERROR(code, arg0, arg1) and is
// expected to translate it into its own error-reporting surface.
type Error struct {
	Op           string                     // Operation that failed (e.g., "EXECUTE", "ALLOCA")
	SchedulerID  uint32                     // Scheduler that posted the error (0 if not applicable)
	BlockOrdinal int                        // Block ordinal within the command buffer (-1 if not applicable)
	Code         hostchannel.HostErrorCode  // High-level error category
	Errno        syscall.Errno              // Host-side errno (0 if not applicable)
	Msg          string                     // Human-readable message
	Inner        error                      // Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.SchedulerID != 0 {
		parts = append(parts, fmt.Sprintf("scheduler=%d", e.SchedulerID))
	}

	if e.BlockOrdinal >= 0 {
		parts = append(parts, fmt.Sprintf("block=%d", e.BlockOrdinal))
	}

	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = codeLabel(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("aqlsched: %s (%s)", msg, parts[0])
	}

	return fmt.Sprintf("aqlsched: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is supports errors.Is comparison against another *Error by Code.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

func codeLabel(code hostchannel.HostErrorCode) string {
	switch code {
	case hostchannel.HostErrorExhausted:
		return "resource exhausted"
	case hostchannel.HostErrorMalformed:
		return "malformed command buffer"
	default:
		return "unknown device error"
	}
}

// NewError creates a new structured error.
func NewError(op string, code hostchannel.HostErrorCode, msg string) *Error {
	return &Error{Op: op, BlockOrdinal: -1, Code: code, Msg: msg}
}

// NewSchedulerError creates a new scheduler-specific error.
func NewSchedulerError(op string, schedulerID uint32, code hostchannel.HostErrorCode, msg string) *Error {
	return &Error{Op: op, SchedulerID: schedulerID, BlockOrdinal: -1, Code: code, Msg: msg}
}

// NewBlockError creates a new block-specific error (a recorder violation
// detected at issue, per §7 case 3).
func NewBlockError(op string, schedulerID uint32, blockOrdinal int, code hostchannel.HostErrorCode, msg string) *Error {
	return &Error{Op: op, SchedulerID: schedulerID, BlockOrdinal: blockOrdinal, Code: code, Msg: msg}
}

// WrapError wraps an existing error with scheduler context.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if ue, ok := inner.(*Error); ok {
		return &Error{
			Op:           op,
			SchedulerID:  ue.SchedulerID,
			BlockOrdinal: ue.BlockOrdinal,
			Code:         ue.Code,
			Errno:        ue.Errno,
			Msg:          ue.Msg,
			Inner:        ue.Inner,
		}
	}

	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{
			Op:           op,
			BlockOrdinal: -1,
			Code:         hostchannel.HostErrorExhausted,
			Errno:        errno,
			Msg:          errno.Error(),
			Inner:        inner,
		}
	}

	return &Error{
		Op:           op,
		BlockOrdinal: -1,
		Code:         hostchannel.HostErrorMalformed,
		Msg:          inner.Error(),
		Inner:        inner,
	}
}

// IsCode checks if an error matches a specific host error code.
func IsCode(err error, code hostchannel.HostErrorCode) bool {
	var schedErr *Error
	if errors.As(err, &schedErr) {
		return schedErr.Code == code
	}
	return false
}
