// Package stats tracks statistics for a running query: per-stage task
// counts, retries and runtimes, plus total execution time.
package stats

import (
	"sync"
	"time"
)

// StageStatistics summarizes one stage's execution
type StageStatistics struct {
	TasksSubmitted int
	TasksSucceeded int
	TasksRetried   int
	FirstSubmitted time.Time
	LastSucceeded  time.Time
}

// Runtime returns the wall-clock span between the stage's first
// submission and its last success
func (ss *StageStatistics) Runtime() time.Duration {
	if ss.FirstSubmitted.IsZero() || ss.LastSucceeded.IsZero() {
		return 0
	}
	return ss.LastSucceeded.Sub(ss.FirstSubmitted)
}

// RunStatistics contains statistics about a running query. Safe for
// concurrent use: the scheduler records from its event loop while
// callers snapshot from outside.
type RunStatistics struct {
	lock         sync.Mutex
	started      bool
	finished     bool
	startTime    time.Time
	totalRuntime time.Duration
	stages       map[int]*StageStatistics
}

// Start triggers statistics tracking, if it hasn't been started already
func (rs *RunStatistics) Start(numStages int) {
	rs.lock.Lock()
	defer rs.lock.Unlock()
	if !rs.started {
		rs.started = true
		rs.startTime = time.Now()
		rs.stages = make(map[int]*StageStatistics, numStages)
	}
}

// Finish completes statistics tracking
func (rs *RunStatistics) Finish() {
	rs.lock.Lock()
	defer rs.lock.Unlock()
	if rs.started && !rs.finished {
		rs.finished = true
		rs.totalRuntime = time.Since(rs.startTime)
	}
}

// TaskSubmitted records the submission of one task attempt to a backend
func (rs *RunStatistics) TaskSubmitted(stageID int) {
	rs.lock.Lock()
	defer rs.lock.Unlock()
	ss := rs.stage(stageID)
	ss.TasksSubmitted++
	if ss.FirstSubmitted.IsZero() {
		ss.FirstSubmitted = time.Now()
	}
}

// TaskSucceeded records the successful completion of one task
func (rs *RunStatistics) TaskSucceeded(stageID int) {
	rs.lock.Lock()
	defer rs.lock.Unlock()
	ss := rs.stage(stageID)
	ss.TasksSucceeded++
	ss.LastSucceeded = time.Now()
}

// TaskRetried records a transient task failure which will be retried
func (rs *RunStatistics) TaskRetried(stageID int) {
	rs.lock.Lock()
	defer rs.lock.Unlock()
	rs.stage(stageID).TasksRetried++
}

// TotalRuntime returns the query's total runtime, or the elapsed time so
// far if it is still running
func (rs *RunStatistics) TotalRuntime() time.Duration {
	rs.lock.Lock()
	defer rs.lock.Unlock()
	if !rs.started {
		return 0
	}
	if !rs.finished {
		return time.Since(rs.startTime)
	}
	return rs.totalRuntime
}

// StageSnapshot returns a copy of the statistics for one stage
func (rs *RunStatistics) StageSnapshot(stageID int) StageStatistics {
	rs.lock.Lock()
	defer rs.lock.Unlock()
	if ss, ok := rs.stages[stageID]; ok {
		return *ss
	}
	return StageStatistics{}
}

// TotalRetries returns the number of retried task attempts across all stages
func (rs *RunStatistics) TotalRetries() int {
	rs.lock.Lock()
	defer rs.lock.Unlock()
	n := 0
	for _, ss := range rs.stages {
		n += ss.TasksRetried
	}
	return n
}

func (rs *RunStatistics) stage(stageID int) *StageStatistics {
	if rs.stages == nil {
		rs.stages = make(map[int]*StageStatistics)
	}
	ss, ok := rs.stages[stageID]
	if !ok {
		ss = &StageStatistics{}
		rs.stages[stageID] = ss
	}
	return ss
}
