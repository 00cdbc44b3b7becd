package tether

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/outofforest/tether/actor"
	"github.com/outofforest/tether/handshake"
	"github.com/outofforest/tether/internal/telemetry"
	"github.com/outofforest/tether/tmr"
)

type receiverState int

const (
	receiverPreCreated receiverState = iota
	receiverStarting
	receiverRunning
	receiverEnding
	receiverFinWait
	receiverStopWait
)

var receiverStateNames = map[receiverState]string{
	receiverPreCreated: "pre-created",
	receiverStarting:   "starting",
	receiverRunning:    "running",
	receiverEnding:     "ending",
	receiverFinWait:    "fin-wait",
	receiverStopWait:   "stop-wait",
}

func (s receiverState) String() string {
	return receiverStateNames[s]
}

// receiverConn is the receiver side of the connection to one source. Handshakes arriving on the data
// stream are handled on the delivery goroutine to keep them ordered with data, everything else runs on
// the controller. State is guarded by the mutex of the receiver. Application callbacks are queued under
// that mutex and invoked by runCallbacks after it is released.
type receiverConn struct {
	rcv    *Receiver
	node   *Node
	timer  *tmr.Timer
	source string
	local  handshake.Endpoint
	key    string

	state          receiverState
	peer           handshake.Endpoint
	peerKnown      bool
	peerInfo       PeerInfo
	tryCount       int
	delay          time.Duration
	pendingTimerID uint64
	created        bool
	deleted        bool
	callbacks      []func()

	// callbackMu serializes callbacks of the connection, connArg is accessed only while it is held.
	callbackMu sync.Mutex
	connArg    any
}

func newReceiverConn(rcv *Receiver, source string) *receiverConn {
	local := rcv.node.endpoint(rcv.node.newConnID())
	return &receiverConn{
		rcv:    rcv,
		node:   rcv.node,
		timer:  tmr.New(rcv.node.transport.Scheduler()),
		source: source,
		local:  local,
		key:    local.Key(),
	}
}

// HandleCommand handles commands targeted at the connection.
func (c *receiverConn) HandleCommand(cmd *actor.Command) (bool, error) {
	switch cmd.Kind {
	case cmdReceiverConnStart:
		c.start()
	case cmdReceiverConnTick:
		c.tick(cmd.TimerID)
	case cmdReceiverConnSendCOK:
		c.sendConnectOK()
	case cmdReceiverConnSendDOK:
		c.sendDisconnectOK()
	case cmdReceiverConnDisconnect:
		c.disconnect()
	case cmdReceiverConnStop:
		c.finish()
	case cmdReceiverConnFinalStop:
		c.node.debug(c.key, "Receiver connection released")
	}
	return true, nil
}

func (c *receiverConn) start() {
	defer c.runCallbacks()

	c.rcv.mu.Lock()
	defer c.rcv.mu.Unlock()

	if c.state != receiverPreCreated {
		return
	}
	if c.rcv.stopping {
		c.setStateLocked(receiverStopWait)
		return
	}

	c.peerInfo = PeerInfo{key: c.key, status: StatusOK}
	c.peerInfo.setReceiverMetadata(c.node.metadata)
	c.peerInfo.setSourceName(c.source)
	c.setStateLocked(receiverStarting)

	c.delay = c.node.config.ConnectDelay
	c.armLocked(c.delay)
}

func (c *receiverConn) tick(timerID uint64) {
	defer c.runCallbacks()

	c.rcv.mu.Lock()
	if timerID != c.pendingTimerID {
		c.rcv.mu.Unlock()
		return
	}
	c.pendingTimerID = 0

	var m *handshake.Message
	retry := c.tryCount > 0
	switch c.state {
	case receiverStarting:
		if c.rcv.stopping {
			c.setStateLocked(receiverStopWait)
			break
		}
		c.backoffLocked()
		if c.tryCount < c.node.config.MaxTries {
			c.tryCount++
			c.armLocked(c.delay)
			m = c.messageLocked(handshake.KindConnectRequest)
		} else {
			c.giveUpLocked()
		}
	case receiverEnding:
		if c.tryCount < c.node.config.MaxTries {
			c.tryCount++
			c.armLocked(c.node.config.RetryInterval)
			m = c.messageLocked(handshake.KindDisconnectRequest)
		} else {
			c.giveUpLocked()
		}
	case receiverFinWait:
		if c.tryCount < c.node.config.MaxTries {
			c.tryCount++
			c.armLocked(c.node.config.RetryInterval)
			m = c.messageLocked(handshake.KindDisconnectOK)
		} else {
			c.giveUpLocked()
		}
	default:
		c.node.debug(c.key, "Timeout ignored", zap.Stringer("state", c.state))
	}
	dest := c.destinationLocked()
	c.rcv.mu.Unlock()

	if m != nil {
		if retry {
			telemetry.Retries.WithLabelValues(m.Kind.String()).Inc()
		}
		c.node.sendHandshake(dest, m)
	}
}

// backoffLocked grows the delay of connect requests tenfold up to the retry interval.
func (c *receiverConn) backoffLocked() {
	retryInterval := c.node.config.RetryInterval
	if c.delay >= retryInterval {
		return
	}
	if c.delay > 0 {
		c.delay *= 10
	} else {
		c.delay = retryInterval / 10
	}
	if c.delay > retryInterval {
		c.delay = retryInterval
	}
}

func (c *receiverConn) giveUpLocked() {
	c.node.log.Warn("Handshake retries exhausted", zap.String("side", telemetry.SideReceiver),
		zap.String("key", c.key), zap.Stringer("state", c.state), zap.Int("tries", c.tryCount))
	telemetry.GiveUps.WithLabelValues(telemetry.SideReceiver).Inc()
	c.peerInfo.status = StatusBadDisconnect
	c.setStateLocked(receiverStopWait)
}

func (c *receiverConn) sendConnectOK() {
	c.rcv.mu.Lock()
	if c.state != receiverRunning {
		c.rcv.mu.Unlock()
		return
	}
	m := c.messageLocked(handshake.KindConnectOK)
	dest := c.destinationLocked()
	c.rcv.mu.Unlock()

	c.node.sendHandshake(dest, m)
}

func (c *receiverConn) sendDisconnectOK() {
	c.cancelTimer()

	c.rcv.mu.Lock()
	if c.state != receiverFinWait {
		c.rcv.mu.Unlock()
		return
	}
	c.tryCount = 1
	c.armLocked(c.node.config.RetryInterval)
	m := c.messageLocked(handshake.KindDisconnectOK)
	dest := c.destinationLocked()
	c.rcv.mu.Unlock()

	c.node.sendHandshake(dest, m)
}

// disconnect starts teardown initiated by the local application.
func (c *receiverConn) disconnect() {
	defer c.runCallbacks()

	c.rcv.mu.Lock()
	switch c.state {
	case receiverPreCreated, receiverStarting:
		c.pendingTimerID = 0
		c.setStateLocked(receiverStopWait)
		c.rcv.mu.Unlock()
		c.cancelTimer()
		return
	case receiverRunning:
		c.pendingTimerID = 0
	default:
		c.rcv.mu.Unlock()
		return
	}
	c.rcv.mu.Unlock()

	c.cancelTimer()

	c.rcv.mu.Lock()
	if c.state != receiverRunning {
		c.rcv.mu.Unlock()
		return
	}
	c.setStateLocked(receiverEnding)
	c.tryCount = 1
	c.armLocked(c.node.config.RetryInterval)
	m := c.messageLocked(handshake.KindDisconnectRequest)
	dest := c.destinationLocked()
	c.rcv.mu.Unlock()

	c.node.sendHandshake(dest, m)
}

// stop is called on the delivery goroutine when the source disappears.
func (c *receiverConn) stop() {
	c.rcv.mu.Lock()
	c.pendingTimerID = 0
	c.rcv.mu.Unlock()

	c.timer.CancelFromDeliveryThread()
	c.node.ctrl.Submit(c.node.ctrl.Get(cmdReceiverConnStop, c))
}

func (c *receiverConn) finish() {
	defer c.runCallbacks()

	c.rcv.mu.Lock()
	c.pendingTimerID = 0
	if c.state != receiverStopWait {
		c.peerInfo.status = StatusBadDisconnect
		c.setStateLocked(receiverStopWait)
	}
	c.rcv.removeConnLocked(c)
	c.rcv.mu.Unlock()

	c.cancelTimer()
	c.node.ctrl.Submit(c.node.ctrl.Get(cmdReceiverConnFinalStop, c))
}

func (c *receiverConn) handleDatagram(dg *Datagram) {
	defer c.runCallbacks()

	c.rcv.mu.Lock()
	defer c.rcv.mu.Unlock()

	if !dg.Handshake {
		if c.acceptsDataLocked() {
			c.deliverLocked(dg)
		}
		return
	}

	m, err := handshake.Decode(dg.Data)
	if err != nil {
		telemetry.ProtocolErrors.Inc()
		c.node.log.Warn("Malformed handshake dropped", zap.String("source", c.source), zap.Error(err))
		return
	}

	if m.Receiver.ID != c.local.ID || m.Receiver.ConnID != c.local.ConnID {
		// Handshake of another receiver sharing the stream.
		if c.acceptsDataLocked() {
			c.deliverLocked(dg)
		}
		return
	}
	if m.Key() != c.key {
		c.node.log.Warn("Handshake key mismatch", zap.String("key", c.key), zap.String("received", m.Key()))
		return
	}

	telemetry.HandshakesReceived.WithLabelValues(m.Kind.String()).Inc()
	c.node.debug(c.key, "Handshake received", zap.Stringer("kind", m.Kind), zap.Uint32("seq", dg.Sequence))

	switch m.Kind {
	case handshake.KindConnectResponse:
		if c.state == receiverStarting && c.rcv.stopping {
			c.pendingTimerID = 0
			c.timer.CancelFromDeliveryThread()
			c.setStateLocked(receiverStopWait)
			return
		}
		c.handleConnectResponseLocked(&m, dg.Sequence)
		if c.state == receiverRunning {
			c.deliverLocked(dg)
		}
	case handshake.KindDisconnectResponse:
		if c.state == receiverRunning {
			c.deliverLocked(dg)
		}
		c.handleDisconnectResponseLocked(dg.Sequence)
	case handshake.KindDisconnectFinal:
		c.pendingTimerID = 0
		c.timer.CancelFromDeliveryThread()
		c.setStateLocked(receiverStopWait)
	default:
		c.node.log.Warn("Unexpected handshake on data stream", zap.Stringer("kind", m.Kind),
			zap.String("key", c.key))
	}
}

func (c *receiverConn) handleConnectResponseLocked(crsp *handshake.Message, seq uint32) {
	switch c.state {
	case receiverStarting:
		c.peer = crsp.Source
		c.peerKnown = true
		c.peerInfo.setSourceMetadata(crsp.Metadata)
		c.peerInfo.setStartSequence(seq)
		c.pendingTimerID = 0
		c.timer.CancelFromDeliveryThread()
		c.setStateLocked(receiverRunning)

		c.created = true
		if onConnect := c.rcv.config.OnConnect; onConnect != nil {
			info := c.peerInfo
			c.callbacks = append(c.callbacks, func() {
				c.connArg = onConnect(c.rcv, info, c.rcv.config.Arg)
			})
		}
	case receiverRunning:
		// Connect OK was lost, the source repeats its response.
	default:
		c.node.debug(c.key, "Connect response ignored", zap.Stringer("state", c.state))
		return
	}
	c.node.ctrl.Submit(c.node.ctrl.Get(cmdReceiverConnSendCOK, c))
}

func (c *receiverConn) handleDisconnectResponseLocked(seq uint32) {
	switch c.state {
	case receiverStarting, receiverRunning, receiverEnding:
		if c.state != receiverStarting {
			c.peerInfo.setEndSequence(seq)
		}
		c.fireDeleteLocked()
		c.setStateLocked(receiverFinWait)
	case receiverFinWait:
		// Disconnect OK was lost, the source repeats its response.
	default:
		c.node.debug(c.key, "Disconnect response ignored", zap.Stringer("state", c.state))
		return
	}
	c.pendingTimerID = 0
	c.timer.CancelFromDeliveryThread()
	c.node.ctrl.Submit(c.node.ctrl.Get(cmdReceiverConnSendDOK, c))
}

// acceptsDataLocked reports whether stream messages are delivered in the current state. With pre-delivery
// enabled messages are delivered for the whole life of the connection once it has been started.
func (c *receiverConn) acceptsDataLocked() bool {
	return c.state == receiverRunning || (c.node.config.PreDelivery && c.state != receiverPreCreated)
}

// deliverLocked queues the message for the application. Queued callbacks run before handleDatagram returns
// so the datagram stays valid.
func (c *receiverConn) deliverLocked(dg *Datagram) {
	onMessage := c.rcv.config.OnMessage
	if onMessage == nil {
		return
	}
	msg := &Message{
		Source:    dg.Source,
		Sequence:  dg.Sequence,
		Data:      dg.Data,
		Handshake: dg.Handshake,
	}
	c.callbacks = append(c.callbacks, func() {
		msg.ConnArg = c.connArg
		onMessage(c.rcv, msg, c.rcv.config.Arg)
	})
}

// runCallbacks invokes queued callbacks in the order they were queued. It must be called without the
// receiver mutex held, callbacks are free to use the receiver.
func (c *receiverConn) runCallbacks() {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()

	for {
		c.rcv.mu.Lock()
		callbacks := c.callbacks
		c.callbacks = nil
		c.rcv.mu.Unlock()

		if len(callbacks) == 0 {
			return
		}
		for _, f := range callbacks {
			f()
		}
	}
}

func (c *receiverConn) onTimer(id uint64) {
	c.rcv.mu.Lock()
	defer c.rcv.mu.Unlock()

	if c.state == receiverStopWait || id != c.pendingTimerID {
		return
	}
	cmd := c.node.ctrl.Get(cmdReceiverConnTick, c)
	cmd.TimerID = id
	c.node.ctrl.Submit(cmd)
}

func (c *receiverConn) armLocked(d time.Duration) {
	id, err := c.timer.Schedule(d, c.onTimer)
	if err != nil {
		c.node.log.Error("Scheduling timer failed", zap.String("key", c.key), zap.Error(err))
		return
	}
	c.pendingTimerID = id
}

func (c *receiverConn) cancelTimer() {
	if err := c.timer.CancelSync(); err != nil {
		c.node.log.Error("Cancelling timer failed", zap.String("key", c.key), zap.Error(err))
	}
}

// destinationLocked addresses the source by its address once it is known to be routable, by name otherwise.
func (c *receiverConn) destinationLocked() Destination {
	if c.peerKnown && c.peer.DomainID >= 0 {
		return Destination{
			Address: Address{
				DomainID: c.peer.DomainID,
				IP:       c.peer.IP,
				Port:     c.peer.Port,
			},
		}
	}
	return Destination{Source: c.source}
}

func (c *receiverConn) messageLocked(kind handshake.Kind) *handshake.Message {
	m := &handshake.Message{
		Kind:     kind,
		Receiver: c.local,
		Source:   c.peer,
	}
	switch kind {
	case handshake.KindConnectRequest:
		m.Topic = c.rcv.topic
	case handshake.KindConnectOK:
		m.Sequence, _ = c.peerInfo.StartSequence()
		m.Metadata = c.node.metadata
	case handshake.KindDisconnectOK:
		m.Sequence, _ = c.peerInfo.EndSequence()
	}
	return m
}

func (c *receiverConn) fireDeleteLocked() {
	if !c.created || c.deleted {
		return
	}
	c.deleted = true
	if onDisconnect := c.rcv.config.OnDisconnect; onDisconnect != nil {
		info := c.peerInfo
		c.callbacks = append(c.callbacks, func() {
			onDisconnect(c.rcv, info, c.rcv.config.Arg, c.connArg)
		})
	}
}

func (c *receiverConn) setStateLocked(state receiverState) {
	if state <= c.state {
		if state < c.state {
			c.node.log.Warn("Backward state transition rejected", zap.String("side", telemetry.SideReceiver),
				zap.String("key", c.key), zap.Stringer("from", c.state), zap.Stringer("to", state))
		}
		return
	}

	old := c.state
	c.state = state
	telemetry.StateTransitions.WithLabelValues(telemetry.SideReceiver, state.String()).Inc()
	c.node.debug(c.key, "Receiver connection state changed", zap.Stringer("from", old),
		zap.Stringer("to", state))

	if old == receiverPreCreated && state != receiverStopWait {
		c.rcv.active++
		telemetry.ActiveConnections.WithLabelValues(telemetry.SideReceiver).Inc()
	}
	if state != receiverStopWait {
		return
	}

	c.fireDeleteLocked()
	if old != receiverPreCreated {
		c.rcv.active--
		telemetry.ActiveConnections.WithLabelValues(telemetry.SideReceiver).Dec()
		c.rcv.maybeStopSubscriberLocked()
	}
}
