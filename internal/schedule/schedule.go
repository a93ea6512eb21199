// Package schedule decides whether a cron-scheduled intent is due. It is
// pure: no clocks, no stores, no side effects. Callers pass the current time
// and persist the returned trigger boundary themselves.
package schedule

import (
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/harborwatch/harborwatch/internal/store"
)

// parser supports standard 5-field cron plus descriptors like "@every 5m".
var parser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// maxCatchUp bounds the boundary-coalescing walk so a pathological schedule
// (e.g. "@every 1s" unevaluated for months) cannot spin the evaluator. When
// the bound is hit the walk stops at the last boundary found; the next
// evaluation simply continues from there.
const maxCatchUp = 10000

// Result is the outcome of one due-ness evaluation.
type Result struct {
	// Due reports whether the intent should fire now.
	Due bool

	// TriggerTime is the cron boundary being consumed when Due is true.
	// Callers must persist it back into the intent's LastEvaluatedAt —
	// never the wall-clock execution time — so a boundary fires at most
	// once and missed boundaries coalesce into a single firing.
	TriggerTime time.Time

	// NextRun is the first boundary after TriggerTime (when due) or after
	// the evaluation marker (when not due). Zero if the schedule is invalid.
	NextRun time.Time

	// MissingMarker is set when the intent has no LastEvaluatedAt. Legacy
	// data only; callers should log a warning.
	MissingMarker bool

	// Reason explains a non-due result or qualifies a due one.
	Reason string
}

// ParseCron validates a cron expression. Exposed so configuration layers can
// fail closed before an intent is ever evaluated.
func ParseCron(expr string) (cronlib.Schedule, error) {
	return parser.Parse(expr)
}

// IsDue evaluates a single intent against now.
//
// Immediate intents are never due here: that path is driven by scan results,
// not by the clock. An unparseable or missing cron expression fails closed.
func IsDue(in store.Intent, now time.Time) Result {
	if in.ScheduleType != store.ScheduleScheduled {
		return Result{Reason: "immediate intents are externally triggered"}
	}

	if in.ScheduleCron == "" {
		return Result{Reason: "missing cron expression"}
	}

	sched, err := parser.Parse(in.ScheduleCron)
	if err != nil {
		return Result{Reason: fmt.Sprintf("invalid cron expression %q: %v", in.ScheduleCron, err)}
	}

	last := in.LastEvaluatedAt
	if last.IsZero() {
		// No marker means pre-migration data; fire now so the intent is not
		// stuck forever, and let the caller persist now as the new marker.
		return Result{
			Due:           true,
			TriggerTime:   now,
			NextRun:       sched.Next(now),
			MissingMarker: true,
			Reason:        "no evaluation marker; treating as due",
		}
	}

	// Next returns the zero time for expressions that parse but can never
	// fire (e.g. "0 0 30 2 *", Feb 30). Fail closed: reporting the zero time
	// as due would persist a zero marker and re-fire on every tick.
	first := sched.Next(last)
	if first.IsZero() {
		return Result{Reason: fmt.Sprintf("cron expression %q has no upcoming boundary", in.ScheduleCron)}
	}
	if first.After(now) {
		return Result{NextRun: first, Reason: "next boundary not reached"}
	}

	// Walk forward to the latest boundary at or before now so that several
	// missed boundaries collapse into one firing.
	trigger := first
	for i := 0; i < maxCatchUp; i++ {
		next := sched.Next(trigger)
		if next.IsZero() || next.After(now) {
			break
		}
		trigger = next
	}

	return Result{
		Due:         true,
		TriggerTime: trigger,
		NextRun:     sched.Next(trigger),
	}
}
