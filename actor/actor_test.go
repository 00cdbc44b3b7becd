package actor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/outofforest/parallel"
	"github.com/outofforest/qa"
)

const (
	kindRecord Kind = "record"
	kindFail   Kind = "fail"
	kindPanic  Kind = "panic"
	kindDefer  Kind = "defer"
)

var errTest = errors.New("test error")

type recorder struct {
	c *Controller

	mu       sync.Mutex
	records  []string
	deferred []*Command
}

func (r *recorder) HandleCommand(cmd *Command) (bool, error) {
	switch cmd.Kind {
	case kindRecord:
		r.mu.Lock()
		r.records = append(r.records, cmd.Topic)
		r.mu.Unlock()
		return true, nil
	case kindFail:
		return true, errTest
	case kindPanic:
		panic("boom")
	case kindDefer:
		if cmd.Topic == "complete" {
			for _, d := range r.deferred {
				r.c.Complete(d)
			}
			r.deferred = nil
			return true, nil
		}
		r.deferred = append(r.deferred, cmd)
		return false, nil
	default:
		return true, errors.Errorf("unknown command %s", cmd.Kind)
	}
}

func (r *recorder) Records() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string{}, r.records...)
}

func startController(t *testing.T, poolSize int) (context.Context, *Controller, *recorder, func()) {
	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	c := New(poolSize)
	r := &recorder{c: c}
	group.Spawn("controller", parallel.Fail, c.Run)

	return ctx, c, r, func() {
		group.Exit(nil)
		require.NoError(t, group.Wait())
	}
}

func TestFIFO(t *testing.T) {
	requireT := require.New(t)

	ctx, c, r, stop := startController(t, 2)
	defer stop()

	expected := []string{}
	for _, topic := range []string{"a", "b", "c", "d", "e"} {
		cmd := c.Get(kindRecord, r)
		cmd.Topic = topic
		c.Submit(cmd)
		expected = append(expected, topic)
	}

	cmd := c.Get(kindRecord, r)
	cmd.Topic = "last"
	requireT.NoError(c.SubmitWait(ctx, cmd))

	requireT.Equal(append(expected, "last"), r.Records())
}

func TestSubmitWaitReturnsError(t *testing.T) {
	requireT := require.New(t)

	ctx, c, r, stop := startController(t, DefaultPoolSize)
	defer stop()

	requireT.ErrorIs(c.SubmitWait(ctx, c.Get(kindFail, r)), errTest)
	requireT.ErrorContains(c.SubmitWait(ctx, c.Get(kindPanic, r)), "panicked")
	requireT.Error(c.SubmitWait(ctx, c.Get(kindRecord, nil)))

	// Fire-and-forget failures are only logged.
	c.Submit(c.Get(kindFail, r))
	c.Submit(c.Get(kindPanic, r))

	cmd := c.Get(kindRecord, r)
	cmd.Topic = "alive"
	requireT.NoError(c.SubmitWait(ctx, cmd))
	requireT.Equal([]string{"alive"}, r.Records())
}

func TestDeferredCompletion(t *testing.T) {
	requireT := require.New(t)

	ctx, c, r, stop := startController(t, DefaultPoolSize)
	defer stop()

	doneCh := make(chan error, 1)
	go func() {
		doneCh <- c.SubmitWait(ctx, c.Get(kindDefer, r))
	}()

	select {
	case <-doneCh:
		requireT.Fail("deferred command completed too early")
	case <-time.After(20 * time.Millisecond):
	}

	cmd := c.Get(kindDefer, r)
	cmd.Topic = "complete"
	c.Submit(cmd)

	select {
	case err := <-doneCh:
		requireT.NoError(err)
	case <-time.After(5 * time.Second):
		requireT.Fail("timeout")
	}
}

func TestPoolGrowsOnDemand(t *testing.T) {
	requireT := require.New(t)

	c := New(1)
	cmd1 := c.Get(kindRecord, nil)
	cmd2 := c.Get(kindRecord, nil)
	requireT.NotSame(cmd1, cmd2)

	cmd1.Topic = "dirty"
	c.Free(cmd1)
	cmd3 := c.Get(kindFail, nil)
	requireT.Same(cmd1, cmd3)
	requireT.Empty(cmd3.Topic)
	requireT.Equal(kindFail, cmd3.Kind)
}

func TestQuit(t *testing.T) {
	ctx := qa.NewContext(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	requireT := require.New(t)

	c := New(DefaultPoolSize)
	r := &recorder{c: c}

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Run(ctx)
	}()

	cmd := c.Get(kindRecord, r)
	cmd.Topic = "before quit"
	c.Submit(cmd)

	requireT.NoError(c.Quit(ctx))
	requireT.NoError(<-errCh)
	requireT.Equal([]string{"before quit"}, r.Records())
	requireT.Zero(c.Pending())
}
