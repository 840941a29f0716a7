// Package sched implements the multi-queue process scheduler: one
// ready queue per priority level, tick-driven time slicing, and the
// preemption rules that decide which PCB owns the CPU next.
package sched

import (
	"fmt"

	"github.com/vzwjustin/Rustos-sub005/proc"
)

// Algorithm selects the scheduling policy.
type Algorithm int

const (
	// RoundRobin ignores priorities: the process that has been ready
	// longest runs next.
	RoundRobin Algorithm = iota
	// StrictPriority always serves the highest-priority non-empty
	// queue, round-robin within a level.
	StrictPriority
	// MultilevelFeedback is StrictPriority plus demotion: a process
	// that exhausts its slice drops one level (no lower than
	// PriorityLow), so CPU hogs sink and interactive processes stay
	// responsive.
	MultilevelFeedback
)

// DefaultTimeSlices is the per-priority slice length in ticks,
// indexed by proc.Priority.
var DefaultTimeSlices = [proc.NumPriorities]uint64{50, 25, 10, 5, 1}

// Stats is the scheduler's running bookkeeping.
type Stats struct {
	ContextSwitches uint64
	Decisions       uint64
	// AvgWaitTicks is the running mean of ready-queue wait times
	// observed at selection.
	AvgWaitTicks float64
	// CPUUtilization is the fraction of ticks with a running process.
	CPUUtilization float64

	busyTicks   uint64
	idleTicks   uint64
	waitSamples uint64
}

// Scheduler owns the ready queues and the running-process pointer.
// Blocked and zombie processes live only in the process table.
type Scheduler struct {
	table     *proc.Table
	algorithm Algorithm

	queues [proc.NumPriorities][]uint32
	slices [proc.NumPriorities]uint64

	running      uint32 // 0 = none
	currentSlice uint64

	now   uint64
	stats Stats
}

// New builds a scheduler over table with the default time slices.
func New(table *proc.Table, algorithm Algorithm) *Scheduler {
	return &Scheduler{table: table, algorithm: algorithm, slices: DefaultTimeSlices}
}

// SetTimeSlices overrides the per-priority slice lengths; a zero
// entry keeps the default.
func (s *Scheduler) SetTimeSlices(slices [proc.NumPriorities]uint64) {
	for i, v := range slices {
		if v != 0 {
			s.slices[i] = v
		}
	}
}

// Running returns the currently running PID, or 0.
func (s *Scheduler) Running() uint32 { return s.running }

// Now returns the scheduler's tick counter.
func (s *Scheduler) Now() uint64 { return s.now }

// Stats returns a snapshot of the scheduling statistics.
func (s *Scheduler) Stats() Stats { return s.stats }

// Admit inserts pid at the tail of its priority's ready queue.
func (s *Scheduler) Admit(pid uint32, priority proc.Priority) error {
	if !priority.Valid() {
		return fmt.Errorf("%w: %d", proc.ErrInvalidPriority, priority)
	}

	cb, err := s.table.Get(pid)
	if err != nil {
		return err
	}

	cb.Priority = priority
	cb.State = proc.StateReady
	cb.ReadySince = s.now
	s.queues[priority] = append(s.queues[priority], pid)

	return nil
}

// Remove extracts pid from wherever it sits: the ready queues, or the
// running slot.
func (s *Scheduler) Remove(pid uint32) error {
	if _, err := s.table.Get(pid); err != nil {
		return err
	}

	if s.running == pid {
		s.running = 0
		s.currentSlice = 0
	}

	for i := range s.queues {
		s.queues[i] = removePID(s.queues[i], pid)
	}

	return nil
}

// Block moves pid out of the ready/running set; it will not be
// scheduled again until Unblock.
func (s *Scheduler) Block(pid uint32) error {
	cb, err := s.table.Get(pid)
	if err != nil {
		return err
	}

	if s.running == pid {
		s.running = 0
		s.currentSlice = 0
	}

	for i := range s.queues {
		s.queues[i] = removePID(s.queues[i], pid)
	}

	cb.State = proc.StateBlocked

	return nil
}

// Unblock re-admits a blocked process at the tail of its priority's
// ready queue with a fresh ready timestamp.
func (s *Scheduler) Unblock(pid uint32) error {
	cb, err := s.table.Get(pid)
	if err != nil {
		return err
	}

	if cb.State != proc.StateBlocked {
		return nil
	}

	cb.State = proc.StateReady
	cb.ReadySince = s.now
	cb.WakeTime = 0
	s.queues[cb.Priority] = append(s.queues[cb.Priority], pid)

	return nil
}

// UpdatePriority moves pid between ready queues.
func (s *Scheduler) UpdatePriority(pid uint32, priority proc.Priority) error {
	if !priority.Valid() {
		return fmt.Errorf("%w: %d", proc.ErrInvalidPriority, priority)
	}

	cb, err := s.table.Get(pid)
	if err != nil {
		return err
	}

	if cb.State == proc.StateReady {
		s.queues[cb.Priority] = removePID(s.queues[cb.Priority], pid)
		s.queues[priority] = append(s.queues[priority], pid)
	}

	cb.Priority = priority

	return nil
}

// Tick advances scheduler time by one tick: the current slice burns
// down, the running process accumulates CPU time, and the utilization
// average updates.
func (s *Scheduler) Tick() {
	s.now++

	if s.running != 0 {
		s.stats.busyTicks++

		if cb, err := s.table.Get(s.running); err == nil {
			cb.CPUTicks++
		}

		if s.currentSlice > 0 {
			s.currentSlice--
		}
	} else {
		s.stats.idleTicks++
	}

	if total := s.stats.busyTicks + s.stats.idleTicks; total > 0 {
		s.stats.CPUUtilization = float64(s.stats.busyTicks) / float64(total)
	}
}

// NeedsResched reports whether a Schedule call would preempt or fill
// the CPU: no running process, an expired slice, or a ready process
// at a strictly higher priority.
func (s *Scheduler) NeedsResched() bool {
	if s.running == 0 {
		return s.anyReady()
	}

	if s.currentSlice == 0 {
		return true
	}

	cb, err := s.table.Get(s.running)
	if err != nil {
		return true
	}

	if s.algorithm == RoundRobin {
		return false
	}

	for p := proc.PriorityRealtime; p < cb.Priority; p++ {
		if len(s.queues[p]) > 0 {
			return true
		}
	}

	return false
}

func (s *Scheduler) anyReady() bool {
	for i := range s.queues {
		if len(s.queues[i]) > 0 {
			return true
		}
	}

	return false
}

// Schedule makes one scheduling decision and returns the PID now
// running (ok=false when every queue is empty and nothing was
// running). The outgoing process, if preempted, goes to the tail of
// its priority's queue.
func (s *Scheduler) Schedule() (uint32, bool) {
	s.stats.Decisions++

	if !s.NeedsResched() {
		return s.running, s.running != 0
	}

	prev := s.running

	// Preempt the incumbent: back to the tail of its level.
	if s.running != 0 {
		cb, err := s.table.Get(s.running)
		if err != nil {
			panic(fmt.Sprintf("sched: running pid %d missing from process table", s.running))
		}

		if s.algorithm == MultilevelFeedback && s.currentSlice == 0 && cb.Priority < proc.PriorityLow {
			cb.Priority++
		}

		cb.State = proc.StateReady
		cb.ReadySince = s.now
		s.queues[cb.Priority] = append(s.queues[cb.Priority], s.running)
		s.running = 0
	}

	pid, ok := s.selectNext()
	if !ok {
		return 0, false
	}

	cb, err := s.table.Get(pid)
	if err != nil {
		panic(fmt.Sprintf("sched: queued pid %d missing from process table", pid))
	}

	cb.State = proc.StateRunning
	cb.ScheduleCount++
	cb.LastScheduled = s.now

	s.observeWait(s.now - cb.ReadySince)

	s.running = pid
	s.currentSlice = s.slices[cb.Priority]

	if pid != prev {
		s.stats.ContextSwitches++
	}

	return pid, true
}

// selectNext pops the next ready PID per the configured algorithm.
func (s *Scheduler) selectNext() (uint32, bool) {
	if s.algorithm == RoundRobin {
		return s.popLongestWaiting()
	}

	for p := range s.queues {
		if len(s.queues[p]) > 0 {
			pid := s.queues[p][0]
			s.queues[p] = s.queues[p][1:]

			return pid, true
		}
	}

	return 0, false
}

// popLongestWaiting implements the round-robin policy across every
// queue: the earliest-ready process runs next, regardless of level.
func (s *Scheduler) popLongestWaiting() (uint32, bool) {
	bestQueue := -1

	var bestSince uint64

	for p := range s.queues {
		if len(s.queues[p]) == 0 {
			continue
		}

		cb, err := s.table.Get(s.queues[p][0])
		if err != nil {
			panic(fmt.Sprintf("sched: queued pid %d missing from process table", s.queues[p][0]))
		}

		if bestQueue == -1 || cb.ReadySince < bestSince {
			bestQueue = p
			bestSince = cb.ReadySince
		}
	}

	if bestQueue == -1 {
		return 0, false
	}

	pid := s.queues[bestQueue][0]
	s.queues[bestQueue] = s.queues[bestQueue][1:]

	return pid, true
}

func (s *Scheduler) observeWait(wait uint64) {
	s.stats.waitSamples++
	s.stats.AvgWaitTicks += (float64(wait) - s.stats.AvgWaitTicks) / float64(s.stats.waitSamples)
}

// QueueLengths returns the current ready-queue depth per priority,
// for diagnostics.
func (s *Scheduler) QueueLengths() [proc.NumPriorities]int {
	var out [proc.NumPriorities]int
	for i := range s.queues {
		out[i] = len(s.queues[i])
	}

	return out
}

// QueueSnapshot returns a copy of one priority's ready queue in
// order, head first.
func (s *Scheduler) QueueSnapshot(p proc.Priority) []uint32 {
	out := make([]uint32, len(s.queues[p]))
	copy(out, s.queues[p])

	return out
}

func removePID(q []uint32, pid uint32) []uint32 {
	for i, p := range q {
		if p == pid {
			return append(q[:i], q[i+1:]...)
		}
	}

	return q
}
