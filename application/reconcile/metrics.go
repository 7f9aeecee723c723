package reconcile

import "time"

// Recorder receives the counters the reconciliation layer produces.
type Recorder interface {
	MutationSettled(collection, kind, outcome string)
	Rollback(class string)
	RealtimeEvent(collection, event, outcome string)
	LedgerReaped(n int)
	LedgerPending(delta int)
	RemoteCall(operation string, d time.Duration)
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) MutationSettled(string, string, string) {}
func (NopRecorder) Rollback(string)                        {}
func (NopRecorder) RealtimeEvent(string, string, string)   {}
func (NopRecorder) LedgerReaped(int)                       {}
func (NopRecorder) LedgerPending(int)                      {}
func (NopRecorder) RemoteCall(string, time.Duration)       {}

func orNop(r Recorder) Recorder {
	if r == nil {
		return NopRecorder{}
	}
	return r
}
