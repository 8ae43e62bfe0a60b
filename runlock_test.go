package invoiceflow

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunLocksSerializePerRun(t *testing.T) {
	locks := newRunLocks()

	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock("run_1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()
	require.Equal(t, 50, counter)

	locks.mutex.Lock()
	defer locks.mutex.Unlock()
	require.Empty(t, locks.locks)
}

func TestRunLocksIndependentRuns(t *testing.T) {
	locks := newRunLocks()
	unlockA := locks.lock("run_a")
	unlockB := locks.lock("run_b")
	require.Len(t, locks.locks, 2)
	unlockA()
	unlockB()
	require.Empty(t, locks.locks)
}
