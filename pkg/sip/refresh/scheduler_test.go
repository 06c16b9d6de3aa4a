package refresh

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/arzzra/sipuac/pkg/sip/auth"
)

func TestIntervalGuardAndFloor(t *testing.T) {
	s := New(nil, WithGuard(60*time.Second), WithFloor(5*time.Second))
	defer s.Close()

	// expires=3600 → wake 60s early.
	assert.Equal(t, 3540*time.Second, s.Interval(3600*time.Second))
	// expires=60 → guard swallows everything, floor applies.
	assert.Equal(t, 5*time.Second, s.Interval(60*time.Second))
}

func TestSchedulerFiresRepeatedly(t *testing.T) {
	var fired atomic.Int32
	s := New(func(context.Context) (time.Duration, error) {
		fired.Add(1)
		return 10 * time.Millisecond, nil
	}, WithGuard(10*time.Millisecond), WithFloor(20*time.Millisecond))
	defer s.Close()

	s.Schedule(10 * time.Millisecond)
	assert.Eventually(t, func() bool { return fired.Load() >= 3 },
		2*time.Second, 10*time.Millisecond)
}

func TestCloseStopsFiring(t *testing.T) {
	var fired atomic.Int32
	s := New(func(context.Context) (time.Duration, error) {
		fired.Add(1)
		return time.Millisecond, nil
	}, WithGuard(time.Millisecond), WithFloor(10*time.Millisecond))

	s.Schedule(time.Millisecond)
	assert.Eventually(t, func() bool { return fired.Load() >= 1 }, time.Second, 5*time.Millisecond)

	s.Close()
	after := fired.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, after, fired.Load())
}

func TestCancelStopsPendingWakeup(t *testing.T) {
	var fired atomic.Int32
	s := New(func(context.Context) (time.Duration, error) {
		fired.Add(1)
		return time.Second, nil
	}, WithGuard(0), WithFloor(30*time.Millisecond))
	defer s.Close()

	s.Schedule(30 * time.Millisecond)
	s.Cancel()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestAuthFailureGoesToSink(t *testing.T) {
	sunk := make(chan error, 1)
	s := New(func(context.Context) (time.Duration, error) {
		return 0, &auth.FailedError{Reason: "credentials expired"}
	},
		WithGuard(0), WithFloor(10*time.Millisecond),
		WithErrorSink(func(err error) { sunk <- err }))
	defer s.Close()

	s.Schedule(10 * time.Millisecond)
	select {
	case err := <-sunk:
		var failed *auth.FailedError
		assert.ErrorAs(t, err, &failed)
	case <-time.After(2 * time.Second):
		t.Fatal("auth failure never reached the sink")
	}
}

func TestTransientFailureRetries(t *testing.T) {
	var calls atomic.Int32
	s := New(func(context.Context) (time.Duration, error) {
		if calls.Add(1) == 1 {
			return 0, assert.AnError
		}
		return 10 * time.Millisecond, nil
	}, WithGuard(5*time.Millisecond), WithFloor(10*time.Millisecond))
	defer s.Close()

	s.Schedule(10 * time.Millisecond)
	assert.Eventually(t, func() bool { return calls.Load() >= 2 },
		2*time.Second, 10*time.Millisecond)
}
