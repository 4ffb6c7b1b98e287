package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeClock_AdvanceFiresTimer(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := NewFake(start)

	timer := fc.NewTimer(5 * time.Second)

	select {
	case <-timer.C():
		t.Fatal("timer fired before deadline")
	default:
	}

	fc.Advance(3 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("timer fired early")
	default:
	}

	fc.Advance(3 * time.Second)
	select {
	case got := <-timer.C():
		assert.Equal(t, start.Add(6*time.Second), got)
	default:
		t.Fatal("timer did not fire after deadline passed")
	}
}

func TestFakeClock_StopPreventsLaterFire(t *testing.T) {
	fc := NewFake(time.Now())
	timer := fc.NewTimer(time.Second)
	require.True(t, timer.Stop())
	fc.Advance(2 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}
}

func TestExecutorPool_BoundsConcurrency(t *testing.T) {
	pool := NewExecutorPool(2)
	inflight := make(chan struct{}, 3)
	release := make(chan struct{})

	for i := 0; i < 3; i++ {
		go func() {
			_ = pool.Submit(context.Background(), func(ctx context.Context) error {
				inflight <- struct{}{}
				<-release
				return nil
			})
		}()
	}

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, inflight, 2, "expected at most 2 concurrent tasks")
	close(release)
}
