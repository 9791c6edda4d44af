package scheduler

import "github.com/behrlich/aqlsched/hostchannel"

// Observer is the narrow metrics sink a Scheduler reports tick-level events
// to. It is declared here rather than imported from the root package so that
// scheduler never imports aqlsched and aqlsched can freely import scheduler.
// The root package's *Metrics implements this interface without scheduler
// knowing it exists.
type Observer interface {
	TickCompleted()
	EntryIssued(t EntryType)
	WaitEnrolled()
	WaitResolved()
	TraceFlushed()
	ErrorPosted(code hostchannel.HostErrorCode)
}

// NopObserver discards every event; it is the default when a caller doesn't
// supply one.
type NopObserver struct{}

func (NopObserver) TickCompleted()                            {}
func (NopObserver) EntryIssued(EntryType)                     {}
func (NopObserver) WaitEnrolled()                              {}
func (NopObserver) WaitResolved()                               {}
func (NopObserver) TraceFlushed()                               {}
func (NopObserver) ErrorPosted(hostchannel.HostErrorCode)       {}

var _ Observer = NopObserver{}
