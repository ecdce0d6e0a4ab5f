// Package cron implements the Agent Scheduler: periodic dispatch of
// registered Agent Definitions into Goals, with at-most-once leases and
// coalesced catch-up.
package cron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	v1 "github.com/ponybunny-ai/taskforge/pkg/api/v1"
)

// cronParser is the ecosystem-standard 5-field (minute hour dom month dow)
// parser; no pack example ships a cron expression evaluator.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Outcome is the result of evaluating a Cron Job's schedule against now:
// the single coalesced firing to dispatch (if any) and the job's next
// fire time after it.
type Outcome struct {
	ScheduledFor   time.Time
	CoalescedCount int
	NextRunAt      time.Time
}

// Due reports whether the schedule has at least one fire time at or before
// now, given the job has not yet run past now.
func Due(job *v1.CronJob, now time.Time) bool {
	return !job.NextRunAt.After(now)
}

// Evaluate computes the schedule outcome for job at time now: the latest
// fire time at or before now (coalescing any skipped intermediate fires
// into CoalescedCount), and the next fire time after that.
func Evaluate(job *v1.CronJob, now time.Time) (Outcome, error) {
	switch job.Schedule.Kind {
	case v1.ScheduleInterval:
		return evaluateInterval(job, now)
	case v1.ScheduleCron:
		return evaluateCron(job, now)
	default:
		return Outcome{}, fmt.Errorf("cron: unknown schedule kind %q for agent %q", job.Schedule.Kind, job.AgentID)
	}
}

// evaluateInterval implements the interval schedule's due-firing formula:
// next fire after t is t + everyMs*ceil((t-anchor)/everyMs), anchored at
// last_run_at if set else now. Coalescing walks forward from the anchor
// counting how many fires have elapsed by now.
func evaluateInterval(job *v1.CronJob, now time.Time) (Outcome, error) {
	if job.Schedule.EveryMs <= 0 {
		return Outcome{}, fmt.Errorf("cron: interval schedule for agent %q has non-positive everyMs", job.AgentID)
	}
	every := time.Duration(job.Schedule.EveryMs) * time.Millisecond

	anchor := now
	if job.LastRunAt != nil {
		anchor = *job.LastRunAt
	}

	if anchor.After(now) {
		return Outcome{ScheduledFor: now, CoalescedCount: 0, NextRunAt: now.Add(every)}, nil
	}

	elapsed := now.Sub(anchor)
	fires := int(elapsed / every)
	if fires < 1 {
		fires = 1
	}
	scheduledFor := anchor.Add(time.Duration(fires) * every)
	if scheduledFor.After(now) {
		fires--
		scheduledFor = anchor.Add(time.Duration(fires) * every)
	}
	coalesced := fires - 1
	if coalesced < 0 {
		coalesced = 0
	}

	return Outcome{
		ScheduledFor:   scheduledFor,
		CoalescedCount: coalesced,
		NextRunAt:      scheduledFor.Add(every),
	}, nil
}

// evaluateCron walks forward from next_run_at (the earliest fire not yet
// dispatched, itself included), or from now when next_run_at is unset or
// in the future, to find the latest fire time at or before now, coalescing
// any earlier fires it steps over.
func evaluateCron(job *v1.CronJob, now time.Time) (Outcome, error) {
	loc := time.UTC
	if job.Schedule.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(job.Schedule.Timezone)
		if err != nil {
			return Outcome{}, fmt.Errorf("cron: invalid timezone %q for agent %q: %w", job.Schedule.Timezone, job.AgentID, err)
		}
	}

	schedule, err := cronParser.Parse(job.Schedule.Expression)
	if err != nil {
		return Outcome{}, fmt.Errorf("cron: invalid expression %q for agent %q: %w", job.Schedule.Expression, job.AgentID, err)
	}

	nowInLoc := now.In(loc)
	cursor := job.NextRunAt
	if cursor.IsZero() || cursor.After(nowInLoc) {
		cursor = nowInLoc
	}
	// Next returns fire times strictly after its argument; step back one
	// second so a fire exactly at the cursor is found.
	cursor = cursor.Add(-1 * time.Second)

	var latest time.Time
	coalesced := -1
	for {
		next := schedule.Next(cursor)
		if next.After(nowInLoc) {
			break
		}
		latest = next
		cursor = next
		coalesced++
	}

	if latest.IsZero() {
		return Outcome{}, fmt.Errorf("cron: no fire time at or before now for agent %q", job.AgentID)
	}
	if coalesced < 0 {
		coalesced = 0
	}

	return Outcome{
		ScheduledFor:   latest.UTC(),
		CoalescedCount: coalesced,
		NextRunAt:      schedule.Next(latest).UTC(),
	}, nil
}
