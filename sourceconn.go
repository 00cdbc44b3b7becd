package tether

import (
	"go.uber.org/zap"

	"github.com/outofforest/tether/actor"
	"github.com/outofforest/tether/handshake"
	"github.com/outofforest/tether/internal/telemetry"
	"github.com/outofforest/tether/tmr"
)

type sourceState int

const (
	sourcePreCreated sourceState = iota
	sourceStarting
	sourceRunning
	sourceEnding
	sourceStopWait
)

var sourceStateNames = map[sourceState]string{
	sourcePreCreated: "pre-created",
	sourceStarting:   "starting",
	sourceRunning:    "running",
	sourceEnding:     "ending",
	sourceStopWait:   "stop-wait",
}

func (s sourceState) String() string {
	return sourceStateNames[s]
}

// sourceConn is the source side of the connection to one receiver. It is driven by the controller only,
// state is guarded by the mutex of the source so the delivery goroutine can check timer expiries.
// Application callbacks are queued under that mutex and invoked by runCallbacks after it is released.
type sourceConn struct {
	src   *Source
	node  *Node
	timer *tmr.Timer
	local handshake.Endpoint
	key   string

	state          sourceState
	peer           handshake.Endpoint
	peerInfo       PeerInfo
	tryCount       int
	pendingTimerID uint64
	created        bool
	deleted        bool
	callbacks      []func()

	// connArg is accessed by callbacks only.
	connArg any
}

func newSourceConn(src *Source, creq *handshake.Message) *sourceConn {
	return &sourceConn{
		src:   src,
		node:  src.node,
		timer: tmr.New(src.node.transport.Scheduler()),
		local: src.node.endpoint(src.node.newConnID()),
		key:   creq.Key(),
		peer:  creq.Receiver,
	}
}

func (c *sourceConn) start() {
	defer c.runCallbacks()

	c.src.mu.Lock()
	defer c.src.mu.Unlock()

	c.src.conns[c] = struct{}{}
	c.peerInfo = PeerInfo{key: c.key, status: StatusOK}
	c.peerInfo.setSourceMetadata(c.node.metadata)
	c.peerInfo.setSourceName(c.src.publisher.Source())

	if c.src.stopping {
		c.setStateLocked(sourceStopWait)
		return
	}
	c.setStateLocked(sourceStarting)
}

// HandleCommand handles commands targeted at the connection.
func (c *sourceConn) HandleCommand(cmd *actor.Command) (bool, error) {
	switch cmd.Kind {
	case cmdSourceConnTick:
		c.tick(cmd.TimerID)
	case cmdSourceConnFinalStop:
		c.node.debug(c.key, "Source connection released")
	}
	return true, nil
}

func (c *sourceConn) handleConnectRequest() {
	c.src.mu.Lock()
	if c.state != sourceStarting && c.state != sourceRunning {
		c.src.mu.Unlock()
		return
	}
	c.pendingTimerID = 0
	c.src.mu.Unlock()

	c.cancelTimer()

	c.src.mu.Lock()
	if c.state != sourceStarting && c.state != sourceRunning {
		c.src.mu.Unlock()
		return
	}
	c.tryCount = 1
	c.armLocked()
	m := c.messageLocked(handshake.KindConnectResponse)
	c.src.mu.Unlock()

	c.node.publishHandshake(c.src.publisher, m)
}

func (c *sourceConn) handleConnectOK(cok *handshake.Message) {
	defer c.runCallbacks()

	c.src.mu.Lock()
	if c.state != sourceStarting {
		c.src.mu.Unlock()
		c.node.debug(c.key, "Connect OK ignored", zap.Stringer("state", c.state))
		return
	}
	c.peer = cok.Receiver
	c.peerInfo.setReceiverMetadata(cok.Metadata)
	c.peerInfo.setStartSequence(cok.Sequence)
	c.setStateLocked(sourceRunning)
	c.pendingTimerID = 0
	c.created = true
	if onConnect := c.src.config.OnConnect; onConnect != nil {
		info := c.peerInfo
		c.callbacks = append(c.callbacks, func() {
			c.connArg = onConnect(c.src, info, c.src.config.Arg)
		})
	}
	c.src.mu.Unlock()

	c.cancelTimer()
}

func (c *sourceConn) handleDisconnectRequest() {
	c.src.mu.Lock()
	if c.state == sourcePreCreated || c.state == sourceStopWait {
		c.src.mu.Unlock()
		return
	}
	c.pendingTimerID = 0
	c.src.mu.Unlock()

	c.cancelTimer()

	c.src.mu.Lock()
	if c.state == sourceStopWait {
		c.src.mu.Unlock()
		return
	}
	c.setStateLocked(sourceEnding)
	c.tryCount = 1
	c.armLocked()
	m := c.messageLocked(handshake.KindDisconnectResponse)
	c.src.mu.Unlock()

	c.node.publishHandshake(c.src.publisher, m)
}

func (c *sourceConn) handleDisconnectOK(dok *handshake.Message) {
	defer c.runCallbacks()

	c.src.mu.Lock()
	if c.state == sourcePreCreated || c.state == sourceStopWait {
		c.src.mu.Unlock()
		return
	}
	if c.state == sourceRunning || c.state == sourceEnding {
		c.peerInfo.setEndSequence(dok.Sequence)
	}
	c.fireDeleteLocked()
	c.pendingTimerID = 0
	c.src.mu.Unlock()

	c.cancelTimer()

	c.src.mu.Lock()
	m := c.messageLocked(handshake.KindDisconnectFinal)
	c.setStateLocked(sourceStopWait)
	c.src.mu.Unlock()

	c.node.publishHandshake(c.src.publisher, m)
}

// disconnect starts teardown initiated by the local application.
func (c *sourceConn) disconnect() {
	c.src.mu.Lock()
	if c.state != sourceRunning {
		c.src.mu.Unlock()
		return
	}
	c.pendingTimerID = 0
	c.src.mu.Unlock()

	c.cancelTimer()

	c.src.mu.Lock()
	if c.state != sourceRunning {
		c.src.mu.Unlock()
		return
	}
	c.setStateLocked(sourceEnding)
	c.tryCount = 1
	c.armLocked()
	m := c.messageLocked(handshake.KindDisconnectResponse)
	c.src.mu.Unlock()

	c.node.publishHandshake(c.src.publisher, m)
}

func (c *sourceConn) tick(timerID uint64) {
	defer c.runCallbacks()

	c.src.mu.Lock()
	if timerID != c.pendingTimerID {
		c.src.mu.Unlock()
		return
	}
	c.pendingTimerID = 0

	var m *handshake.Message
	switch c.state {
	case sourceStarting:
		switch {
		case c.src.stopping:
			c.setStateLocked(sourceStopWait)
		case c.tryCount < c.node.config.MaxTries:
			c.tryCount++
			c.armLocked()
			m = c.messageLocked(handshake.KindConnectResponse)
		default:
			c.giveUpLocked()
		}
	case sourceEnding:
		if c.tryCount < c.node.config.MaxTries {
			c.tryCount++
			c.armLocked()
			m = c.messageLocked(handshake.KindDisconnectResponse)
		} else {
			c.giveUpLocked()
		}
	default:
		c.node.debug(c.key, "Timeout ignored", zap.Stringer("state", c.state))
	}
	c.src.mu.Unlock()

	if m != nil {
		telemetry.Retries.WithLabelValues(m.Kind.String()).Inc()
		c.node.publishHandshake(c.src.publisher, m)
	}
}

func (c *sourceConn) giveUpLocked() {
	c.node.log.Warn("Handshake retries exhausted", zap.String("side", telemetry.SideSource),
		zap.String("key", c.key), zap.Stringer("state", c.state), zap.Int("tries", c.tryCount))
	telemetry.GiveUps.WithLabelValues(telemetry.SideSource).Inc()
	c.peerInfo.status = StatusBadDisconnect
	c.setStateLocked(sourceStopWait)
}

func (c *sourceConn) onTimer(id uint64) {
	c.src.mu.Lock()
	defer c.src.mu.Unlock()

	if c.state == sourceStopWait || id != c.pendingTimerID {
		return
	}
	cmd := c.node.ctrl.Get(cmdSourceConnTick, c)
	cmd.TimerID = id
	c.node.ctrl.Submit(cmd)
}

func (c *sourceConn) armLocked() {
	id, err := c.timer.Schedule(c.node.config.RetryInterval, c.onTimer)
	if err != nil {
		c.node.log.Error("Scheduling timer failed", zap.String("key", c.key), zap.Error(err))
		return
	}
	c.pendingTimerID = id
}

func (c *sourceConn) cancelTimer() {
	if err := c.timer.CancelSync(); err != nil {
		c.node.log.Error("Cancelling timer failed", zap.String("key", c.key), zap.Error(err))
	}
}

func (c *sourceConn) messageLocked(kind handshake.Kind) *handshake.Message {
	return &handshake.Message{
		Kind:     kind,
		Receiver: c.peer,
		Source:   c.local,
		Metadata: c.node.metadata,
	}
}

func (c *sourceConn) fireDeleteLocked() {
	if !c.created || c.deleted {
		return
	}
	c.deleted = true
	if onDisconnect := c.src.config.OnDisconnect; onDisconnect != nil {
		info := c.peerInfo
		c.callbacks = append(c.callbacks, func() {
			onDisconnect(c.src, info, c.src.config.Arg, c.connArg)
		})
	}
}

// runCallbacks invokes queued callbacks in order. Source connections are driven by the controller only, so
// callbacks never run concurrently.
func (c *sourceConn) runCallbacks() {
	c.src.mu.Lock()
	callbacks := c.callbacks
	c.callbacks = nil
	c.src.mu.Unlock()

	for _, f := range callbacks {
		f()
	}
}

func (c *sourceConn) setStateLocked(state sourceState) {
	if state <= c.state {
		if state < c.state {
			c.node.log.Warn("Backward state transition rejected", zap.String("side", telemetry.SideSource),
				zap.String("key", c.key), zap.Stringer("from", c.state), zap.Stringer("to", state))
		}
		return
	}

	old := c.state
	c.state = state
	telemetry.StateTransitions.WithLabelValues(telemetry.SideSource, state.String()).Inc()
	c.node.debug(c.key, "Source connection state changed", zap.Stringer("from", old), zap.Stringer("to", state))

	if old == sourcePreCreated && state != sourceStopWait {
		c.src.active++
		telemetry.ActiveConnections.WithLabelValues(telemetry.SideSource).Inc()
	}
	if state != sourceStopWait {
		return
	}

	c.fireDeleteLocked()
	if old != sourcePreCreated {
		c.src.active--
		telemetry.ActiveConnections.WithLabelValues(telemetry.SideSource).Dec()
	}

	delete(c.src.conns, c)
	if c.node.sourceConns[c.key] == c {
		delete(c.node.sourceConns, c.key)
	}
	c.node.ctrl.Submit(c.node.ctrl.Get(cmdSourceConnFinalStop, c))

	c.src.maybeStopPublisherLocked()
	c.src.maybeFinalStopLocked()
}
