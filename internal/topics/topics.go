// Package topics is the closed registry of event-bus subjects the
// script execution core publishes or subscribes to. Every topic is a
// typed Go constant rather than an inline string literal, and init()
// validates the whole set at process start so a typo in this file
// panics at startup rather than at some runtime call site.
package topics

import (
	"fmt"
	"strings"
)

// Topic is a validated, dot-separated event-bus subject.
type Topic string

const (
	// Inbound request topics (external caller → SES).
	RequestProcedureCreate Topic = "request.procedure.create"
	RequestProcedureList   Topic = "request.procedure.list"
	RequestProcedureStart  Topic = "request.procedure.start"
	RequestProcedureStop   Topic = "request.procedure.stop"

	// Outbound lifecycle topics (SES → external caller).
	ProcedureLifecycleCreated Topic = "procedure.lifecycle.created"
	ProcedureLifecycleStarted Topic = "procedure.lifecycle.started"
	ProcedureLifecycleStopped Topic = "procedure.lifecycle.stopped"

	// Worker → Supervisor topics.
	ProcedureLifecycleStatechange Topic = "procedure.lifecycle.statechange"
	ProcedureLifecycleStacktrace  Topic = "procedure.lifecycle.stacktrace"

	// SES → external caller, pool-wide summaries.
	ProcedurePoolList Topic = "procedure.pool.list"
)

// all is the closed set validated by init() and returned by All().
var all = []Topic{
	RequestProcedureCreate,
	RequestProcedureList,
	RequestProcedureStart,
	RequestProcedureStop,
	ProcedureLifecycleCreated,
	ProcedureLifecycleStarted,
	ProcedureLifecycleStopped,
	ProcedureLifecycleStatechange,
	ProcedureLifecycleStacktrace,
	ProcedurePoolList,
}

func init() {
	for _, t := range all {
		if err := Validate(t); err != nil {
			panic(fmt.Sprintf("topics: invalid topic %q: %v", t, err))
		}
	}
}

// Validate reports whether t is a well-formed topic: non-empty,
// dot-separated, ASCII, with no empty segments.
func Validate(t Topic) error {
	s := string(t)
	if s == "" {
		return fmt.Errorf("empty topic")
	}
	for _, r := range s {
		if r > 127 {
			return fmt.Errorf("non-ASCII rune %q", r)
		}
	}
	segments := strings.Split(s, ".")
	if len(segments) < 2 {
		return fmt.Errorf("topic must be dot-separated: %q", s)
	}
	for _, seg := range segments {
		if seg == "" {
			return fmt.Errorf("empty segment in topic %q", s)
		}
	}
	return nil
}

// All returns the closed set of topics this core knows about.
func All() []Topic {
	out := make([]Topic, len(all))
	copy(out, all)
	return out
}

// InboxSubject builds a one-shot reply subject for a given
// request_id, e.g. "_INBOX.1690000000000". internal/correlator does
// not use it; it replies on its own response topic.
func InboxSubject(requestID int64) Topic {
	return Topic(fmt.Sprintf("_INBOX.%d", requestID))
}
