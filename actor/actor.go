package actor

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
)

// DefaultPoolSize is the number of commands preallocated by the controller.
const DefaultPoolSize = 32

// Kind identifies the command.
type Kind string

// KindQuit terminates the controller.
const KindQuit Kind = "quit"

// Handler executes commands targeted at it. Returned bool tells if the command is complete. Incomplete
// commands are completed later by calling Complete.
type Handler interface {
	HandleCommand(cmd *Command) (bool, error)
}

type mode int

const (
	modeNoWait mode = iota
	modeWait
)

// Command is a pooled task executed by the controller.
type Command struct {
	Kind   Kind
	Target Handler

	Data    []byte
	Topic   string
	Key     string
	Seq     uint32
	TimerID uint64
	Arg     any

	mode   mode
	err    error
	doneCh chan struct{}
}

// Fail attaches error to the command.
func (cmd *Command) Fail(err error) {
	cmd.err = err
}

func (cmd *Command) reset() {
	doneCh := cmd.doneCh
	*cmd = Command{doneCh: doneCh}
}

// Controller executes commands one by one on a single goroutine.
type Controller struct {
	log *zap.Logger

	mu     sync.Mutex
	queue  []*Command
	free   []*Command
	notify chan struct{}
}

// New creates controller.
func New(poolSize int) *Controller {
	c := &Controller{
		log:    zap.NewNop(),
		free:   make([]*Command, 0, poolSize),
		notify: make(chan struct{}, 1),
	}
	for range poolSize {
		c.free = append(c.free, newCommand())
	}
	return c
}

func newCommand() *Command {
	return &Command{doneCh: make(chan struct{}, 1)}
}

// Get returns a command from the pool.
func (c *Controller) Get(kind Kind, target Handler) *Command {
	c.mu.Lock()
	var cmd *Command
	if n := len(c.free); n > 0 {
		cmd = c.free[n-1]
		c.free = c.free[:n-1]
	}
	c.mu.Unlock()

	if cmd == nil {
		cmd = newCommand()
	}
	cmd.Kind = kind
	cmd.Target = target
	return cmd
}

// Free returns command to the pool.
func (c *Controller) Free(cmd *Command) {
	cmd.reset()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.free = append(c.free, cmd)
}

// Submit enqueues command without waiting for its completion.
func (c *Controller) Submit(cmd *Command) {
	cmd.mode = modeNoWait
	c.enqueue(cmd)
}

// SubmitWait enqueues command and waits until it is completed.
func (c *Controller) SubmitWait(ctx context.Context, cmd *Command) error {
	cmd.mode = modeWait
	c.enqueue(cmd)

	select {
	case <-ctx.Done():
		// Command stays owned by the controller, it is never returned to the pool.
		return errors.WithStack(ctx.Err())
	case <-cmd.doneCh:
	}

	err := cmd.err
	c.Free(cmd)
	return err
}

// Complete finishes command which was left incomplete by its handler.
func (c *Controller) Complete(cmd *Command) {
	if cmd.mode == modeWait {
		cmd.doneCh <- struct{}{}
		return
	}

	if cmd.err != nil {
		c.log.Error("Command failed", zap.String("kind", string(cmd.Kind)), zap.Error(cmd.err))
	}
	c.Free(cmd)
}

// Quit stops the controller after all the commands enqueued so far are executed.
func (c *Controller) Quit(ctx context.Context) error {
	return c.SubmitWait(ctx, c.Get(KindQuit, nil))
}

// Pending returns the number of queued commands.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.queue)
}

// Run executes commands until quit command is received or context is canceled.
func (c *Controller) Run(ctx context.Context) error {
	c.log = logger.Get(ctx)

	for {
		cmd := c.dequeue()
		if cmd == nil {
			select {
			case <-ctx.Done():
				return errors.WithStack(ctx.Err())
			case <-c.notify:
			}
			continue
		}

		if cmd.Kind == KindQuit {
			c.Complete(cmd)
			return nil
		}

		complete, err := c.dispatch(cmd)
		if err != nil {
			cmd.err = err
			complete = true
		}
		if complete {
			c.Complete(cmd)
		}
	}
}

func (c *Controller) dispatch(cmd *Command) (complete bool, retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = errors.Errorf("command %s panicked: %v", cmd.Kind, r)
		}
	}()

	if cmd.Target == nil {
		return true, errors.Errorf("command %s has no target", cmd.Kind)
	}
	return cmd.Target.HandleCommand(cmd)
}

func (c *Controller) enqueue(cmd *Command) {
	c.mu.Lock()
	c.queue = append(c.queue, cmd)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Controller) dequeue() *Command {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		return nil
	}
	cmd := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	return cmd
}
