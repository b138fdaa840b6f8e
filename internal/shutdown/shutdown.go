// Package shutdown drains a CipherBox daemon in a fixed order: stop
// accepting new HTTP work, halt the republish scheduler so no new tick
// starts mid-drain, then close the durable store last so any handler or
// tick still in flight during the first two phases has a live store to
// finish against.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cipherbox/cipherbox/internal/logx"
)

// GracePeriod bounds how long the drain sequence may take before the
// process is killed forcibly.
const GracePeriod = 30 * time.Second

// Sequence holds one process's shutdown phases and runs them, on Run, in
// a fixed order: Listener, then Scheduler, then Store. A phase left
// unregistered is skipped; cmd/cipherbox-tee, for example, registers
// only Listener since it holds no scheduler or store. The zero value is
// ready to use.
type Sequence struct {
	mu   sync.Mutex
	once sync.Once

	listener  func(context.Context) error
	scheduler func()
	store     func() error
}

// Listener registers the HTTP listener drain phase, run first so no new
// request is accepted while requests already in flight finish. fn is
// typically (*http.Server).Shutdown.
func (s *Sequence) Listener(fn func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = fn
}

// Scheduler registers the republish scheduler stop phase, run after the
// listener has drained so no HTTP-triggered publish races a tick that is
// about to be halted. fn is typically (*schedule.Scheduler).Stop.
func (s *Sequence) Scheduler(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduler = fn
}

// Store registers the store close phase, run last so the listener and
// scheduler phases still have a live store while they drain. fn is
// typically (*store.Store).Close.
func (s *Sequence) Store(fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store = fn
}

// Run executes the registered phases in Listener, Scheduler, Store order
// and terminates the process with code. It runs at most once and
// guarantees termination within GracePeriod even if a phase hangs.
func (s *Sequence) Run(code int) {
	s.once.Do(func() {
		logx.Info(logx.Event{Operation: "shutdown.Run"})

		done := make(chan struct{})
		go func() {
			s.drain()
			close(done)
		}()

		select {
		case <-done:
		case <-after(GracePeriod):
			fmt.Fprintf(os.Stderr, "shutdown: %v elapsed since shutdown requested; exiting forcefully\n", GracePeriod)
			os.Exit(1)
		}

		os.Exit(code)
	})
}

// drain runs every registered phase in order, logging but not aborting
// on a phase's error so a failure in one phase (e.g. the store refusing
// to close cleanly) doesn't block the phases after it.
func (s *Sequence) drain() {
	s.mu.Lock()
	listener, scheduler, store := s.listener, s.scheduler, s.store
	s.mu.Unlock()

	if listener != nil {
		ctx, cancel := context.WithTimeout(context.Background(), GracePeriod)
		defer cancel()
		if err := listener(ctx); err != nil {
			logx.Error(logx.Event{Operation: "shutdown.listener", Err: err})
		}
	}
	if scheduler != nil {
		scheduler()
	}
	if store != nil {
		if err := store(); err != nil {
			logx.Error(logx.Event{Operation: "shutdown.store", Err: err})
		}
	}
}

// ListenForSignals starts a goroutine that calls Run(0) on SIGINT or
// SIGTERM. Call it once from main after every phase has been registered.
func (s *Sequence) ListenForSignals() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGTERM, os.Interrupt)
	go func() {
		sig := <-c
		logx.Info(logx.Event{Operation: "shutdown.signal", Err: fmt.Errorf("received signal %v", sig)})
		s.Run(0)
	}()
}

// Testing hook.
var after = time.After
