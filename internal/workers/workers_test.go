package workers

import (
	"testing"
	"time"

	"github.com/ooni/vpncore/internal/model"
)

func TestManager(t *testing.T) {
	t.Run("workers observe shutdown and are awaited", func(t *testing.T) {
		logger := model.NewTestLogger()
		m := NewManager(logger)
		done := make(chan int, 3)
		for i := 0; i < 3; i++ {
			i := i
			m.StartWorker(func() {
				defer m.OnWorkerDone("test")
				<-m.ShouldShutdown()
				done <- i
			})
		}
		m.StartShutdown()
		m.StartShutdown() // idempotent
		m.WaitWorkersShutdown()
		if len(done) != 3 {
			t.Fatalf("expected 3 workers to finish, got %d", len(done))
		}
		if got := len(logger.Lines()); got != 3 {
			t.Errorf("expected 3 log lines, got %d", got)
		}
	})

	t.Run("a worker exiting early shuts down the others", func(t *testing.T) {
		m := NewManager(model.NewTestLogger())
		m.StartWorker(func() {
			defer func() {
				m.OnWorkerDone("first")
				m.StartShutdown()
			}()
		})
		m.StartWorker(func() {
			defer m.OnWorkerDone("second")
			select {
			case <-m.ShouldShutdown():
			case <-time.After(5 * time.Second):
				t.Error("shutdown not propagated")
			}
		})
		m.WaitWorkersShutdown()
	})
}
