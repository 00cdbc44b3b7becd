package loop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	requireT := require.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	l := New()
	errCh := make(chan error, 1)
	go func() {
		errCh <- l.Run(ctx)
	}()

	const n = 1000
	resultCh := make(chan int, n)
	for i := range n {
		l.Post(func() {
			resultCh <- i
		})
	}
	for i := range n {
		requireT.Equal(i, <-resultCh)
	}

	firedCh := make(chan struct{})
	l.AfterFunc(time.Millisecond, func() {
		close(firedCh)
	})
	<-firedCh

	cancel()
	requireT.ErrorIs(<-errCh, context.Canceled)

	// Once stopped, posted functions run on the caller's goroutine.
	var ran bool
	l.Post(func() {
		ran = true
	})
	requireT.True(ran)
}
