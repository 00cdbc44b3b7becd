package tether

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/tether/actor"
	"github.com/outofforest/tether/handshake"
)

// SourceConfig configures source.
type SourceConfig struct {
	// OnConnect is called once connection reaches running state. Returned value is passed to OnDisconnect.
	OnConnect func(src *Source, info PeerInfo, arg any) any

	// OnDisconnect is called once for every connection OnConnect was called for.
	OnDisconnect func(src *Source, info PeerInfo, arg, connArg any)

	Arg any
}

// Source publishes messages on a topic and accepts connections from receivers.
// Callbacks run on the controller goroutine. They may query the source and send messages but must not block
// on the node.
type Source struct {
	node   *Node
	topic  string
	config SourceConfig

	publisher Publisher

	mu                     sync.Mutex
	conns                  map[*sourceConn]struct{}
	active                 int
	stopping               bool
	publisherStopSubmitted bool
	publisherStopped       bool
	finalStopSubmitted     bool
	stopCmd                *actor.Command
}

// NewSource creates source publishing on topic.
func (n *Node) NewSource(ctx context.Context, topic string, config SourceConfig) (*Source, error) {
	if err := validateTopic(topic); err != nil {
		return nil, err
	}

	s := &Source{
		node:   n,
		topic:  topic,
		config: config,
		conns:  map[*sourceConn]struct{}{},
	}
	if err := n.ctrl.SubmitWait(ctx, n.ctrl.Get(cmdSourceStart, s)); err != nil {
		return nil, err
	}
	return s, nil
}

// Topic returns topic of the source.
func (s *Source) Topic() string {
	return s.topic
}

// Name returns transport name of the source.
func (s *Source) Name() string {
	return s.publisher.Source()
}

// Send publishes application message.
func (s *Source) Send(data []byte) error {
	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()

	if stopping {
		return errors.Wrapf(ErrIllegalState, "source %q is stopping", s.topic)
	}
	return s.publisher.Send(data, false)
}

// Connections returns the number of connections owned by the source.
func (s *Source) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.conns)
}

// Disconnect starts teardown of the connection identified by key.
func (s *Source) Disconnect(ctx context.Context, key string) error {
	cmd := s.node.ctrl.Get(cmdSourceDisconnect, s)
	cmd.Key = key
	return s.node.ctrl.SubmitWait(ctx, cmd)
}

// Close disconnects all the connections and stops the source.
func (s *Source) Close(ctx context.Context) error {
	return s.node.ctrl.SubmitWait(ctx, s.node.ctrl.Get(cmdSourceStop, s))
}

// HandleCommand handles commands targeted at the source.
func (s *Source) HandleCommand(cmd *actor.Command) (bool, error) {
	switch cmd.Kind {
	case cmdSourceStart:
		return true, s.start()
	case cmdSourceStop:
		return s.stop(cmd)
	case cmdSourcePublisherStop:
		s.stopPublisher()
		return true, nil
	case cmdSourceFinalStop:
		s.finalStop()
		return true, nil
	case cmdSourceDisconnect:
		return true, s.disconnect(cmd.Key)
	default:
		return true, errors.Errorf("unexpected command %s", cmd.Kind)
	}
}

func (s *Source) start() error {
	if _, exists := s.node.sourcesByTopic[s.topic]; exists {
		return errors.Wrapf(ErrIllegalState, "source for topic %q already exists", s.topic)
	}

	publisher, err := s.node.transport.Publish(s.topic)
	if err != nil {
		return err
	}
	s.publisher = publisher
	s.node.sourcesByTopic[s.topic] = s
	return nil
}

func (s *Source) stop(cmd *actor.Command) (bool, error) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return true, errors.Wrapf(ErrIllegalState, "source %q is already stopping", s.topic)
	}
	s.stopping = true
	s.stopCmd = cmd
	conns := make([]*sourceConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.disconnect()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.maybeStopPublisherLocked()
	return false, nil
}

func (s *Source) disconnect(key string) error {
	c, exists := s.node.sourceConns[key]
	if !exists || c.src != s {
		return errors.Errorf("connection %q not found", key)
	}
	c.disconnect()
	return nil
}

func (s *Source) stopPublisher() {
	if err := s.publisher.Close(); err != nil {
		s.node.log.Error("Closing publisher failed", zap.String("topic", s.topic), zap.Error(err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.publisherStopped = true
	if s.active != 0 {
		s.node.log.Error("Publisher stopped with active connections", zap.String("topic", s.topic),
			zap.Int("active", s.active))
	}
	s.maybeFinalStopLocked()
}

func (s *Source) finalStop() {
	s.mu.Lock()
	var err error
	if len(s.conns) != 0 {
		err = errors.Wrapf(ErrInternal, "source %q stopped with %d connections", s.topic, len(s.conns))
		s.node.log.Error("Source stopped with connections", zap.String("topic", s.topic), zap.Error(err))
	}
	cmd := s.stopCmd
	s.stopCmd = nil
	s.mu.Unlock()

	delete(s.node.sourcesByTopic, s.topic)

	if cmd != nil {
		cmd.Fail(err)
		s.node.ctrl.Complete(cmd)
	}
}

func (s *Source) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stopping
}

func (s *Source) maybeStopPublisherLocked() {
	if s.stopping && s.active == 0 && !s.publisherStopSubmitted {
		s.publisherStopSubmitted = true
		s.node.ctrl.Submit(s.node.ctrl.Get(cmdSourcePublisherStop, s))
	}
}

func (s *Source) maybeFinalStopLocked() {
	if s.publisherStopped && len(s.conns) == 0 && !s.finalStopSubmitted {
		s.finalStopSubmitted = true
		s.node.ctrl.Submit(s.node.ctrl.Get(cmdSourceFinalStop, s))
	}
}

func validateTopic(topic string) error {
	if topic == "" || len(topic) > handshake.MaxTopicLen {
		return errors.Errorf("topic length must be between 1 and %d bytes", handshake.MaxTopicLen)
	}
	return nil
}
