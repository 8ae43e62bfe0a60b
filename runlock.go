package invoiceflow

import "sync"

// runLocks hands out one mutex per run id and forgets it once no caller holds
// or waits on it.
type runLocks struct {
	mutex sync.Mutex
	locks map[string]*runLock
}

type runLock struct {
	sync.Mutex
	refs int
}

func newRunLocks() *runLocks {
	return &runLocks{locks: map[string]*runLock{}}
}

// lock blocks until the caller owns runID and returns the release function.
func (l *runLocks) lock(runID string) func() {
	l.mutex.Lock()
	rl, ok := l.locks[runID]
	if !ok {
		rl = &runLock{}
		l.locks[runID] = rl
	}
	rl.refs++
	l.mutex.Unlock()

	rl.Lock()
	return func() {
		rl.Unlock()
		l.mutex.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, runID)
		}
		l.mutex.Unlock()
	}
}
