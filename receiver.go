package tether

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/tether/actor"
)

// Message is the message delivered to the application by receiver.
type Message struct {
	Source   string
	Sequence uint32
	Data     []byte

	// Handshake is set for handshake messages surfaced to the application.
	Handshake bool

	// ConnArg is the value returned by OnConnect for the connection.
	ConnArg any
}

// ReceiverConfig configures receiver.
type ReceiverConfig struct {
	// OnConnect is called once connection reaches running state. Returned value is passed to OnDisconnect
	// and delivered with messages.
	OnConnect func(rcv *Receiver, info PeerInfo, arg any) any

	// OnDisconnect is called once for every connection OnConnect was called for.
	OnDisconnect func(rcv *Receiver, info PeerInfo, arg, connArg any)

	// OnMessage receives messages of connected sources.
	OnMessage func(rcv *Receiver, msg *Message, arg any)

	Arg any
}

var _ Observer = &Receiver{}

// Receiver subscribes to a topic and connects to every source publishing on it.
// Callbacks of a connection run one at a time on the delivery goroutine of the transport or on the controller.
// They may query the receiver but must not block on the node.
type Receiver struct {
	node   *Node
	topic  string
	config ReceiverConfig

	mu                      sync.Mutex
	subscriber              io.Closer
	conns                   map[*receiverConn]struct{}
	active                  int
	stopping                bool
	subscriberStopSubmitted bool
	subscriberStopped       bool
	finalStopSubmitted      bool
	stopCmd                 *actor.Command
}

// NewReceiver creates receiver subscribed to topic.
func (n *Node) NewReceiver(ctx context.Context, topic string, config ReceiverConfig) (*Receiver, error) {
	if err := validateTopic(topic); err != nil {
		return nil, err
	}

	r := &Receiver{
		node:   n,
		topic:  topic,
		config: config,
		conns:  map[*receiverConn]struct{}{},
	}
	if err := n.ctrl.SubmitWait(ctx, n.ctrl.Get(cmdReceiverStart, r)); err != nil {
		return nil, err
	}
	return r, nil
}

// Topic returns topic of the receiver.
func (r *Receiver) Topic() string {
	return r.topic
}

// Connections returns the number of connections owned by the receiver.
func (r *Receiver) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.conns)
}

// ActiveConnections returns the number of connections which have started and not stopped yet.
func (r *Receiver) ActiveConnections() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.active
}

// Disconnect starts teardown of the connection identified by key.
func (r *Receiver) Disconnect(ctx context.Context, key string) error {
	cmd := r.node.ctrl.Get(cmdReceiverDisconnect, r)
	cmd.Key = key
	return r.node.ctrl.SubmitWait(ctx, cmd)
}

// Close disconnects all the connections and stops the receiver.
func (r *Receiver) Close(ctx context.Context) error {
	return r.node.ctrl.SubmitWait(ctx, r.node.ctrl.Get(cmdReceiverStop, r))
}

// HandleCommand handles commands targeted at the receiver.
func (r *Receiver) HandleCommand(cmd *actor.Command) (bool, error) {
	switch cmd.Kind {
	case cmdReceiverStart:
		return true, r.start()
	case cmdReceiverStop:
		return r.stop(cmd)
	case cmdReceiverSubscriberStop:
		r.stopSubscriber()
		return true, nil
	case cmdReceiverFinalStop:
		r.finalStop()
		return true, nil
	case cmdReceiverDisconnect:
		return true, r.disconnect(cmd.Key)
	default:
		return true, errors.Errorf("unexpected command %s", cmd.Kind)
	}
}

// SourceAdded creates connection to the new source.
func (r *Receiver) SourceAdded(source string) any {
	c := newReceiverConn(r, source)

	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()

	r.node.ctrl.Submit(r.node.ctrl.Get(cmdReceiverConnStart, c))
	return c
}

// SourceRemoved stops connection to the source.
func (r *Receiver) SourceRemoved(_ string, peer any) {
	if c, ok := peer.(*receiverConn); ok {
		c.stop()
	}
}

// Receive handles message received from the source.
func (r *Receiver) Receive(dg *Datagram) {
	if c, ok := dg.Peer.(*receiverConn); ok {
		c.handleDatagram(dg)
	}
}

func (r *Receiver) start() error {
	subscriber, err := r.node.transport.Subscribe(r.topic, r)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.subscriber = subscriber
	r.mu.Unlock()

	r.node.receivers[r] = struct{}{}
	return nil
}

func (r *Receiver) stop(cmd *actor.Command) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopping {
		return true, errors.Wrapf(ErrIllegalState, "receiver %q is already stopping", r.topic)
	}
	r.stopping = true
	r.stopCmd = cmd
	for c := range r.conns {
		r.node.ctrl.Submit(r.node.ctrl.Get(cmdReceiverConnDisconnect, c))
	}
	r.maybeStopSubscriberLocked()
	return false, nil
}

func (r *Receiver) disconnect(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for c := range r.conns {
		if c.key == key {
			r.node.ctrl.Submit(r.node.ctrl.Get(cmdReceiverConnDisconnect, c))
			return nil
		}
	}
	return errors.Errorf("connection %q not found", key)
}

func (r *Receiver) stopSubscriber() {
	r.mu.Lock()
	subscriber := r.subscriber
	r.mu.Unlock()

	if err := subscriber.Close(); err != nil {
		r.node.log.Error("Closing subscriber failed", zap.String("topic", r.topic), zap.Error(err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.subscriberStopped = true
	if r.active != 0 {
		r.node.log.Error("Subscriber stopped with active connections", zap.String("topic", r.topic),
			zap.Int("active", r.active))
	}
	r.maybeFinalStopLocked()
}

func (r *Receiver) finalStop() {
	r.mu.Lock()
	var err error
	if len(r.conns) != 0 {
		err = errors.Wrapf(ErrInternal, "receiver %q stopped with %d connections", r.topic, len(r.conns))
		r.node.log.Error("Receiver stopped with connections", zap.String("topic", r.topic), zap.Error(err))
	}
	cmd := r.stopCmd
	r.stopCmd = nil
	r.mu.Unlock()

	delete(r.node.receivers, r)

	if cmd != nil {
		cmd.Fail(err)
		r.node.ctrl.Complete(cmd)
	}
}

func (r *Receiver) removeConnLocked(c *receiverConn) {
	delete(r.conns, c)
	r.maybeFinalStopLocked()
}

func (r *Receiver) maybeStopSubscriberLocked() {
	if r.stopping && r.active == 0 && !r.subscriberStopSubmitted {
		r.subscriberStopSubmitted = true
		r.node.ctrl.Submit(r.node.ctrl.Get(cmdReceiverSubscriberStop, r))
	}
}

func (r *Receiver) maybeFinalStopLocked() {
	if r.subscriberStopped && len(r.conns) == 0 && !r.finalStopSubmitted {
		r.finalStopSubmitted = true
		r.node.ctrl.Submit(r.node.ctrl.Get(cmdReceiverFinalStop, r))
	}
}
