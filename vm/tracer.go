package vm

import (
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Tracing
// ---------------------------------------------------------------------------

// TraceEventType distinguishes tracer callbacks.
type TraceEventType string

const (
	TraceRuleEnter TraceEventType = "rule.enter"
	TraceRuleMatch TraceEventType = "rule.match"
	TraceRuleFail  TraceEventType = "rule.fail"
)

// TraceEvent describes one step of rule evaluation. Every rule attempt emits
// rule.enter followed by exactly one of rule.match or rule.fail. ParseID is
// stable for all events of a single Parse call so interleaved traces from
// concurrent parses remain separable.
type TraceEvent struct {
	Type     TraceEventType
	Rule     string
	Location Location
	Result   any // rule.match only
	ParseID  string
	Depth    int
	Cached   bool // true when the result was replayed from the memo cache
}

// Tracer receives trace events during a Parse call. The interpreter ignores
// anything a tracer does; tracing never alters match outcomes.
type Tracer interface {
	Trace(ev TraceEvent)
}

// TracerFunc adapts a function to the Tracer interface.
type TracerFunc func(ev TraceEvent)

// Trace implements Tracer.
func (f TracerFunc) Trace(ev TraceEvent) {
	f(ev)
}

// newParseID stamps a Parse call for trace correlation.
func newParseID() string {
	return uuid.New().String()
}

// ---------------------------------------------------------------------------
// commonlog-backed tracer
// ---------------------------------------------------------------------------

// LogTracer forwards trace events to a commonlog logger: rule.enter at debug
// level, rule.match and rule.fail at info level.
type LogTracer struct {
	log commonlog.Logger
}

// NewLogTracer creates a tracer logging under the given commonlog name.
func NewLogTracer(name string) *LogTracer {
	return &LogTracer{log: commonlog.GetLogger(name)}
}

// Trace implements Tracer.
func (t *LogTracer) Trace(ev TraceEvent) {
	switch ev.Type {
	case TraceRuleEnter:
		t.log.Debugf("rule.enter parse=%s rule=%s pos=%d:%d depth=%d",
			ev.ParseID, ev.Rule, ev.Location.Line, ev.Location.Column, ev.Depth)
	case TraceRuleMatch:
		t.log.Infof("rule.match parse=%s rule=%s pos=%d:%d depth=%d cached=%t",
			ev.ParseID, ev.Rule, ev.Location.Line, ev.Location.Column, ev.Depth, ev.Cached)
	case TraceRuleFail:
		t.log.Infof("rule.fail parse=%s rule=%s pos=%d:%d depth=%d",
			ev.ParseID, ev.Rule, ev.Location.Line, ev.Location.Column, ev.Depth)
	}
}
