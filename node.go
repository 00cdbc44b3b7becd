package tether

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/tether/actor"
	"github.com/outofforest/tether/handshake"
	"github.com/outofforest/tether/internal/telemetry"
)

const maxDebugEvents = 256

// DebugEvent is the protocol event recorded when TestBitDebug is set.
type DebugEvent struct {
	Time    time.Time
	Key     string
	Message string
	Fields  []zap.Field
}

// Node is the local protocol instance. It owns sources and receivers created on one transport.
type Node struct {
	config    Config
	transport Transport
	ctrl      *actor.Controller
	log       *zap.Logger

	id       uint32
	address  Address
	metadata []byte
	listener io.Closer

	nextConnID atomic.Uint32

	eventsMu sync.Mutex
	events   []DebugEvent

	// Accessed by the controller only.
	sourcesByTopic map[string]*Source
	sourceConns    map[string]*sourceConn
	receivers      map[*Receiver]struct{}
}

// NewNode creates node. Node must be started with Run before sources and receivers are created.
func NewNode(ctx context.Context, config Config, transport Transport, metadata []byte) (*Node, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	id, err := randomID()
	if err != nil {
		return nil, err
	}

	address := transport.Address()
	address.DomainID = config.DomainID

	n := &Node{
		config:         config,
		transport:      transport,
		ctrl:           actor.New(actor.DefaultPoolSize),
		log:            logger.Get(ctx).With(zap.Uint32("node", id)),
		id:             id,
		address:        address,
		metadata:       cloneBytes(metadata),
		sourcesByTopic: map[string]*Source{},
		sourceConns:    map[string]*sourceConn{},
		receivers:      map[*Receiver]struct{}{},
	}

	n.listener, err = transport.ListenHandshakes(n.onHandshake)
	if err != nil {
		return nil, err
	}

	return n, nil
}

// ID returns random id of the node.
func (n *Node) ID() uint32 {
	return n.id
}

// Address returns the address advertised to peers.
func (n *Node) Address() Address {
	return n.address
}

// Run runs the controller of the node.
func (n *Node) Run(ctx context.Context) error {
	return n.ctrl.Run(ctx)
}

// Close stops the node. All the sources and receivers must be closed first.
func (n *Node) Close(ctx context.Context) error {
	if err := n.ctrl.SubmitWait(ctx, n.ctrl.Get(cmdNodeStop, n)); err != nil {
		return err
	}
	return n.ctrl.Quit(ctx)
}

// DebugEvents returns recently recorded debug events.
func (n *Node) DebugEvents() []DebugEvent {
	n.eventsMu.Lock()
	defer n.eventsMu.Unlock()

	return append([]DebugEvent{}, n.events...)
}

// HandleCommand handles commands targeted at the node.
func (n *Node) HandleCommand(cmd *actor.Command) (bool, error) {
	switch cmd.Kind {
	case cmdHandshake:
		return true, n.handleHandshake(cmd.Data)
	case cmdNodeStop:
		return true, n.stop()
	default:
		return true, errors.Errorf("unexpected command %s", cmd.Kind)
	}
}

func (n *Node) stop() error {
	if len(n.sourcesByTopic) > 0 || len(n.receivers) > 0 {
		return errors.Wrapf(ErrIllegalState, "node still has %d sources and %d receivers",
			len(n.sourcesByTopic), len(n.receivers))
	}
	if n.listener != nil {
		if err := n.listener.Close(); err != nil {
			return err
		}
		n.listener = nil
	}
	return nil
}

func (n *Node) onHandshake(data []byte) {
	cmd := n.ctrl.Get(cmdHandshake, n)
	cmd.Data = append([]byte{}, data...)
	n.ctrl.Submit(cmd)
}

func (n *Node) handleHandshake(data []byte) error {
	m, err := handshake.Decode(data)
	if err != nil {
		telemetry.ProtocolErrors.Inc()
		return err
	}
	telemetry.HandshakesReceived.WithLabelValues(m.Kind.String()).Inc()

	key := m.Key()
	n.debug(key, "Handshake received", zap.Stringer("kind", m.Kind))

	if m.Kind == handshake.KindConnectRequest {
		if conn, exists := n.sourceConns[key]; exists {
			conn.handleConnectRequest()
			return nil
		}

		src, exists := n.sourcesByTopic[m.Topic]
		if !exists {
			n.log.Info("Connect request for unknown topic", zap.String("topic", m.Topic), zap.String("key", key))
			return nil
		}
		if src.isStopping() {
			n.log.Info("Connect request for stopping source", zap.String("topic", m.Topic),
				zap.String("key", key))
			return nil
		}

		conn := newSourceConn(src, &m)
		n.sourceConns[key] = conn
		conn.start()
		conn.handleConnectRequest()
		return nil
	}

	conn, exists := n.sourceConns[key]
	if !exists {
		n.log.Info("Connection not found", zap.Stringer("kind", m.Kind), zap.String("key", key))
		return nil
	}

	switch m.Kind {
	case handshake.KindConnectOK:
		conn.handleConnectOK(&m)
	case handshake.KindDisconnectRequest:
		conn.handleDisconnectRequest()
	case handshake.KindDisconnectOK:
		conn.handleDisconnectOK(&m)
	default:
		n.log.Warn("Unexpected handshake on request port", zap.Stringer("kind", m.Kind),
			zap.String("key", key))
	}
	return nil
}

func (n *Node) endpoint(connID uint32) handshake.Endpoint {
	return handshake.Endpoint{
		ID:       n.id,
		DomainID: n.address.DomainID,
		IP:       n.address.IP,
		Port:     n.address.Port,
		ConnID:   connID,
	}
}

func (n *Node) newConnID() uint32 {
	return n.nextConnID.Add(1)
}

func (n *Node) encode(m *handshake.Message) ([]byte, bool) {
	if n.config.TestBits.Suppresses(m.Kind) {
		telemetry.HandshakesSuppressed.WithLabelValues(m.Kind.String()).Inc()
		n.debug(m.Key(), "Handshake suppressed", zap.Stringer("kind", m.Kind))
		return nil, false
	}

	b, err := handshake.Encode(m)
	if err != nil {
		n.log.Error("Encoding handshake failed", zap.Stringer("kind", m.Kind), zap.Error(err))
		return nil, false
	}
	return b, true
}

// sendHandshake sends unicast handshake. Failures are only logged, retries recover from them.
func (n *Node) sendHandshake(dest Destination, m *handshake.Message) {
	b, ok := n.encode(m)
	if !ok {
		return
	}
	if err := n.transport.SendHandshake(dest, b); err != nil {
		n.log.Warn("Sending handshake failed", zap.Stringer("kind", m.Kind), zap.String("key", m.Key()),
			zap.Error(err))
		return
	}
	telemetry.HandshakesSent.WithLabelValues(m.Kind.String()).Inc()
	n.debug(m.Key(), "Handshake sent", zap.Stringer("kind", m.Kind))
}

// publishHandshake sends handshake on the sequenced stream of the publisher.
func (n *Node) publishHandshake(pub Publisher, m *handshake.Message) {
	b, ok := n.encode(m)
	if !ok {
		return
	}
	if err := pub.Send(b, true); err != nil {
		n.log.Warn("Publishing handshake failed", zap.Stringer("kind", m.Kind), zap.String("key", m.Key()),
			zap.Error(err))
		return
	}
	telemetry.HandshakesSent.WithLabelValues(m.Kind.String()).Inc()
	n.debug(m.Key(), "Handshake published", zap.Stringer("kind", m.Kind))
}

func (n *Node) debug(key, msg string, fields ...zap.Field) {
	if n.config.TestBits&TestBitDebug == 0 {
		return
	}

	n.log.Debug(msg, append([]zap.Field{zap.String("key", key)}, fields...)...)

	n.eventsMu.Lock()
	defer n.eventsMu.Unlock()

	if len(n.events) == maxDebugEvents {
		copy(n.events, n.events[1:])
		n.events = n.events[:maxDebugEvents-1]
	}
	n.events = append(n.events, DebugEvent{
		Time:    time.Now(),
		Key:     key,
		Message: msg,
		Fields:  fields,
	})
}
