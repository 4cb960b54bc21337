package scheduler

import "sync"

// progressTracker holds the observable stage/progress of one run. Updates
// that would move the stage backwards, or progress backwards within the same
// stage, are dropped, so concurrent status polls always read a monotone
// sequence no matter how workers report.
type progressTracker struct {
	mu       sync.Mutex
	stage    int
	absolute int64
	total    int64
}

func (t *progressTracker) advance(stage int, absolute, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if stage < t.stage {
		return
	}
	if stage > t.stage {
		t.stage = stage
		t.absolute = absolute
		t.total = total
		return
	}
	if absolute > t.absolute {
		t.absolute = absolute
		t.total = total
	}
}

// finish pins the tracker at the final stage with full progress.
func (t *progressTracker) finish(lastStage int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if lastStage > t.stage {
		t.stage = lastStage
		t.absolute = 0
		t.total = 0
	}
	if t.total > 0 {
		t.absolute = t.total
	}
}

func (t *progressTracker) snapshot() (stage int, absolute, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stage, t.absolute, t.total
}
