package call

import (
	"sync"
	"time"
)

// timeoutSupervisor runs the single-shot no-answer timer. Re-arming
// replaces any pending timer; disarm is idempotent and safe to race
// with the timer firing (the fire path revalidates session state under
// the manager lock anyway).
type timeoutSupervisor struct {
	mu    sync.Mutex
	timer *time.Timer
}

func (t *timeoutSupervisor) arm(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(d, fn)
}

func (t *timeoutSupervisor) disarm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
