package analytics

import "context"

type nopSink struct{}

// NewNopSink returns a Sink that drops every event, for deployments without
// a broker and for tests.
func NewNopSink() Sink {
	return nopSink{}
}

func (nopSink) SubmissionStarted(context.Context, Event)   {}
func (nopSink) SubmissionCompleted(context.Context, Event) {}
func (nopSink) SubmissionFailed(context.Context, Event)    {}
func (nopSink) RetryAttempted(context.Context, Event)      {}
func (nopSink) CircuitOpened(context.Context, Event)       {}
func (nopSink) CircuitClosed(context.Context, Event)       {}
func (nopSink) FallbackUsed(context.Context, Event)        {}
