package dnslb

import (
	"time"

	"github.com/classmarkets/dnslb/record"
)

// QueryLog records every lookup attempt made while servicing one Resolve
// call: which server was asked (or whether the cache answered), how long it
// took, and whether it errored.
type QueryLog struct {
	Attempts []QueryAttempt
}

// QueryAttempt is one entry in a QueryLog.
type QueryAttempt struct {
	Type       record.Type
	Name       string
	Server     string
	RTT        time.Duration
	Error      error
	FromCache  bool
	SingleFlight bool
}

func (t *QueryLog) add(a QueryAttempt) {
	if t == nil {
		return
	}
	t.Attempts = append(t.Attempts, a)
}

// QueryLogFunc is an optional hook invoked with the completed QueryLog after
// every Resolve call, including each one ToIP makes. Actual logging is left to the embedding proxy;
// this is just the wiring point.
type QueryLogFunc func(name string, qtype record.Type, log QueryLog)
