// Per-task CPU-time export: builds a github.com/google/pprof/profile.Profile
// with one sample per task from tick counters, so a developer can inspect
// scheduler fairness (Testable Property "scheduler fairness (per-CPU)")
// with the standard pprof tool instead of a bespoke dump format, per
// SPEC_FULL's DOMAIN STACK wiring table.
package sched

import (
	"fmt"

	"github.com/google/pprof/profile"

	"gokernel/task"
)

// ExportProfile snapshots every registered task's accumulated CPU time
// (accnt.Accnt_t.Userns+Sysns) into a pprof profile with one sample per
// task, labeled by pid and last-run CPU. Intended for a /proc-style debug
// endpoint a developer points `go tool pprof` at.
func (s *Scheduler) ExportProfile() *profile.Profile {
	s.mu.Lock()
	tasks := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "cpu", Unit: "nanoseconds"}},
		PeriodType: &profile.ValueType{Type: "cpu", Unit: "nanoseconds"},
		Period:     1,
	}

	funcID := uint64(1)
	locID := uint64(1)
	for _, t := range tasks {
		fn := &profile.Function{
			ID:   funcID,
			Name: fmt.Sprintf("pid-%d", t.ID),
		}
		loc := &profile.Location{
			ID:   locID,
			Line: []profile.Line{{Function: fn, Line: 1}},
		}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)

		t.Acc.Lock()
		total := t.Acc.Userns + t.Acc.Sysns
		t.Acc.Unlock()

		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{total},
			Label: map[string][]string{
				"cpu": {fmt.Sprintf("%d", t.LastCPU())},
			},
		})
		funcID++
		locID++
	}
	return p
}
