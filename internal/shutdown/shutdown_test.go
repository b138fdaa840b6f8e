package shutdown

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSequenceDrainsListenerThenSchedulerThenStore(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	var s Sequence
	s.Store(func() error { record("store"); return nil })
	s.Scheduler(func() { record("scheduler") })
	s.Listener(func(context.Context) error { record("listener"); return nil })

	s.drain()

	require.Equal(t, []string{"listener", "scheduler", "store"}, order)
}

func TestSequenceSkipsUnregisteredPhases(t *testing.T) {
	var s Sequence
	storeCalled := false
	s.Store(func() error { storeCalled = true; return nil })

	require.NotPanics(t, func() { s.drain() })
	require.True(t, storeCalled)
}

func TestSequenceContinuesDrainingAfterAPhaseErrors(t *testing.T) {
	var s Sequence
	storeCalled := false
	s.Listener(func(context.Context) error { return errors.New("listener drain failed") })
	s.Store(func() error { storeCalled = true; return errors.New("store close failed") })

	require.NotPanics(t, func() { s.drain() })
	require.True(t, storeCalled)
}

// TestRunForciblyExitsIfAPhaseHangs launches a child process whose store
// phase never returns (simulating a wedged bbolt flush) and checks the
// process is killed once GracePeriod elapses rather than hanging forever.
func TestRunForciblyExitsIfAPhaseHangs(t *testing.T) {
	if os.Getenv(hangEnv) == "true" {
		runHangingChild()
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestRunForciblyExitsIfAPhaseHangs$")
	cmd.Env = append(os.Environ(), hangEnv+"=true")

	require.NoError(t, cmd.Start())

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case err := <-waitErr:
		require.Error(t, err, "child process should exit non-zero when a phase hangs")
	case <-time.After(5 * time.Second):
		cmd.Process.Kill()
		t.Fatal("timed out waiting for child process to be force-killed")
	}
}

const hangEnv = "SHUTDOWN_TEST_HANG_CHILD"

func runHangingChild() {
	after = func(time.Duration) <-chan time.Time {
		c := make(chan time.Time, 1)
		c <- time.Now()
		return c
	}

	var s Sequence
	s.Store(func() error {
		select {} // simulate a store close that never returns
	})

	s.Run(0)
}
