package tmr_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/outofforest/parallel"
	"github.com/outofforest/qa"
	"github.com/outofforest/tether/loop"
	"github.com/outofforest/tether/tmr"
)

func runLoop(t *testing.T) (*loop.Loop, func()) {
	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	l := loop.New()
	group.Spawn("loop", parallel.Fail, l.Run)

	return l, func() {
		group.Exit(nil)
		require.NoError(t, group.Wait())
	}
}

func TestScheduleFires(t *testing.T) {
	requireT := require.New(t)

	l, stop := runLoop(t)
	defer stop()

	timer := tmr.New(l)
	firedCh := make(chan uint64, 1)

	id, err := timer.Schedule(time.Millisecond, func(id uint64) {
		firedCh <- id
	})
	requireT.NoError(err)
	requireT.EqualValues(1, id)
	requireT.Equal(id, timer.ID())

	select {
	case fired := <-firedCh:
		requireT.Equal(id, fired)
	case <-time.After(5 * time.Second):
		requireT.Fail("timeout")
	}

	// Timer may be rescheduled once it has fired.
	requireT.Eventually(func() bool {
		id, err = timer.Schedule(time.Millisecond, func(id uint64) {
			firedCh <- id
		})
		return err == nil
	}, 5*time.Second, time.Millisecond)
	requireT.EqualValues(2, id)

	select {
	case fired := <-firedCh:
		requireT.Equal(id, fired)
	case <-time.After(5 * time.Second):
		requireT.Fail("timeout")
	}
}

func TestScheduleTwiceFails(t *testing.T) {
	requireT := require.New(t)

	l, stop := runLoop(t)
	defer stop()

	timer := tmr.New(l)

	_, err := timer.Schedule(time.Hour, func(uint64) {})
	requireT.NoError(err)

	_, err = timer.Schedule(time.Hour, func(uint64) {})
	requireT.ErrorIs(err, tmr.ErrIllegalState)

	requireT.NoError(timer.CancelSync())

	_, err = timer.Schedule(time.Hour, func(uint64) {})
	requireT.NoError(err)
	requireT.NoError(timer.CancelSync())
}

func TestCancelSyncIdleIsNoop(t *testing.T) {
	requireT := require.New(t)

	timer := tmr.New(loop.New())
	requireT.NoError(timer.CancelSync())
	requireT.NoError(timer.CancelSync())
}

func TestCancelFromDeliveryThread(t *testing.T) {
	requireT := require.New(t)

	l, stop := runLoop(t)
	defer stop()

	timer := tmr.New(l)
	var fired atomic.Bool

	_, err := timer.Schedule(20*time.Millisecond, func(uint64) {
		fired.Store(true)
	})
	requireT.NoError(err)

	done := make(chan struct{})
	l.Post(func() {
		timer.CancelFromDeliveryThread()
		close(done)
	})
	<-done

	time.Sleep(50 * time.Millisecond)
	requireT.False(fired.Load())

	_, err = timer.Schedule(time.Hour, func(uint64) {})
	requireT.NoError(err)
	requireT.NoError(timer.CancelSync())
}

func TestCancelSyncStress(t *testing.T) {
	requireT := require.New(t)

	l, stop := runLoop(t)
	defer stop()

	timer := tmr.New(l)

	var fired, lateFires atomic.Uint64
	for i := range 10000 {
		var returned atomic.Bool
		_, err := timer.Schedule(time.Duration(i%4)*time.Microsecond, func(uint64) {
			if returned.Load() {
				lateFires.Add(1)
			}
			fired.Add(1)
		})
		requireT.NoError(err)
		requireT.NoError(timer.CancelSync())
		returned.Store(true)
	}

	time.Sleep(10 * time.Millisecond)
	requireT.Zero(lateFires.Load())
	t.Logf("%d of 10000 callbacks fired before cancel", fired.Load())
}

func TestStaleExpiryIgnored(t *testing.T) {
	requireT := require.New(t)

	l, stop := runLoop(t)
	defer stop()

	timer := tmr.New(l)
	idCh := make(chan uint64, 100)

	for range 100 {
		_, err := timer.Schedule(0, func(id uint64) {
			idCh <- id
		})
		requireT.NoError(err)
		requireT.NoError(timer.CancelSync())
	}

	last, err := timer.Schedule(time.Millisecond, func(id uint64) {
		idCh <- id
	})
	requireT.NoError(err)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case id := <-idCh:
			if id == last {
				return
			}
			requireT.Less(id, last)
		case <-deadline:
			requireT.Fail("timeout")
			return
		}
	}
}

func TestNoLeaks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	requireT := require.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	l := loop.New()
	errCh := make(chan error, 1)
	go func() {
		errCh <- l.Run(ctx)
	}()

	timer := tmr.New(l)
	_, err := timer.Schedule(time.Hour, func(uint64) {})
	requireT.NoError(err)
	requireT.NoError(timer.CancelSync())

	cancel()
	requireT.ErrorIs(<-errCh, context.Canceled)
}
