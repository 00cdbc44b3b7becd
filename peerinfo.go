package tether

// Status is the status of connection reported to the application.
type Status int

// Statuses.
const (
	StatusOK            Status = 0
	StatusBadDisconnect Status = -1
)

func (s Status) String() string {
	if s == StatusOK {
		return "ok"
	}
	return "bad-disconnect"
}

// Flags tell which fields of PeerInfo are set.
type Flags uint32

// Peer info flags.
const (
	FlagSourceMetadata Flags = 1 << iota
	FlagReceiverMetadata
	FlagSourceName
	FlagStartSequence
	FlagEndSequence
)

// PeerInfo is the snapshot of what is known about the connection. Fields are populated while handshake
// progresses, getters report whether the value is available.
type PeerInfo struct {
	key              string
	status           Status
	flags            Flags
	sourceMetadata   []byte
	receiverMetadata []byte
	sourceName       string
	startSequence    uint32
	endSequence      uint32
}

// Key returns the connection key.
func (pi PeerInfo) Key() string {
	return pi.key
}

// Status returns status of the connection.
func (pi PeerInfo) Status() Status {
	return pi.status
}

// Flags returns flags of available fields.
func (pi PeerInfo) Flags() Flags {
	return pi.flags
}

// SourceMetadata returns metadata of the source side.
func (pi PeerInfo) SourceMetadata() ([]byte, bool) {
	return pi.sourceMetadata, pi.flags&FlagSourceMetadata != 0
}

// ReceiverMetadata returns metadata of the receiver side.
func (pi PeerInfo) ReceiverMetadata() ([]byte, bool) {
	return pi.receiverMetadata, pi.flags&FlagReceiverMetadata != 0
}

// SourceName returns the transport name of the source.
func (pi PeerInfo) SourceName() (string, bool) {
	return pi.sourceName, pi.flags&FlagSourceName != 0
}

// StartSequence returns sequence number of the message starting the connection.
func (pi PeerInfo) StartSequence() (uint32, bool) {
	return pi.startSequence, pi.flags&FlagStartSequence != 0
}

// EndSequence returns sequence number of the message ending the connection.
func (pi PeerInfo) EndSequence() (uint32, bool) {
	return pi.endSequence, pi.flags&FlagEndSequence != 0
}

func (pi *PeerInfo) setSourceMetadata(metadata []byte) {
	pi.sourceMetadata = cloneBytes(metadata)
	pi.flags |= FlagSourceMetadata
}

func (pi *PeerInfo) setReceiverMetadata(metadata []byte) {
	pi.receiverMetadata = cloneBytes(metadata)
	pi.flags |= FlagReceiverMetadata
}

func (pi *PeerInfo) setSourceName(name string) {
	pi.sourceName = name
	pi.flags |= FlagSourceName
}

func (pi *PeerInfo) setStartSequence(seq uint32) {
	pi.startSequence = seq
	pi.flags |= FlagStartSequence
}

func (pi *PeerInfo) setEndSequence(seq uint32) {
	pi.endSequence = seq
	pi.flags |= FlagEndSequence
}
