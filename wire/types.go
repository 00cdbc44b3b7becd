package wire

type (
	// PeerID defines peer ID.
	PeerID [32]byte

	// FrameKind defines the meaning of the frame.
	FrameKind uint64
)

// Frame kinds.
const (
	// FrameSubscribe requests messages published on the topic.
	FrameSubscribe FrameKind = iota + 1

	// FrameUnsubscribe cancels FrameSubscribe.
	FrameUnsubscribe

	// FrameAnnounce reports new source publishing on the topic.
	FrameAnnounce

	// FrameWithdraw reports that source stopped publishing.
	FrameWithdraw

	// FramePublish carries message published by the source. Payload follows as raw bytes.
	FramePublish

	// FrameUnicast carries handshake addressed to the node owning the source or the address.
	// Payload follows as raw bytes.
	FrameUnicast
)

// Hello is the message exchanged between peers when connecting.
type Hello struct {
	PeerID   PeerID
	IsBroker bool
	IP       uint64
	Port     uint64
}

// Frame is the header of everything exchanged after hello.
type Frame struct {
	Kind      FrameKind
	Topic     string
	Source    string
	Sequence  uint64
	Handshake bool
	IP        uint64
	Port      uint64
}

// HasPayload returns true if frame is followed by raw payload.
func (f *Frame) HasPayload() bool {
	return f.Kind == FramePublish || f.Kind == FrameUnicast
}
