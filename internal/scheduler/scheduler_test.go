package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

type expirerStub struct {
	calls   atomic.Int32
	changed int
	err     error
}

func (s *expirerStub) ExpireDuePackets(ctx context.Context) (int, error) {
	s.calls.Add(1)
	if _, ok := ctx.Deadline(); !ok {
		return 0, errors.New("expected a deadline on the job context")
	}
	return s.changed, s.err
}

func newTestScheduler(expirer Expirer, schedule string) *Scheduler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewScheduler(expirer, logger, schedule)
}

func TestExpirePackets_CallsExpirer(t *testing.T) {
	stub := &expirerStub{changed: 3}
	s := newTestScheduler(stub, "@every 1m")

	s.ExpirePackets()

	if got := stub.calls.Load(); got != 1 {
		t.Fatalf("expected one expiry call, got %d", got)
	}
}

func TestExpirePackets_SurvivesExpirerError(t *testing.T) {
	stub := &expirerStub{err: errors.New("database unavailable")}
	s := newTestScheduler(stub, "@every 1m")

	s.ExpirePackets()

	if got := stub.calls.Load(); got != 1 {
		t.Fatalf("expected one expiry call, got %d", got)
	}
}

func TestStart_RejectsInvalidSchedule(t *testing.T) {
	s := newTestScheduler(&expirerStub{}, "every now and then")
	if err := s.Start(); err == nil {
		t.Fatal("expected an error for an invalid cron schedule")
	}
}

func TestStart_RunsOnSchedule(t *testing.T) {
	stub := &expirerStub{}
	s := newTestScheduler(stub, "@every 1s")
	if err := s.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for stub.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if stub.calls.Load() == 0 {
		t.Fatal("expected the expiry job to run within three seconds")
	}
}
