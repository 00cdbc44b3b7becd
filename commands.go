package tether

import "github.com/outofforest/tether/actor"

const (
	cmdNodeStop  actor.Kind = "node-stop"
	cmdHandshake actor.Kind = "handshake"

	cmdSourceStart         actor.Kind = "source-start"
	cmdSourceStop          actor.Kind = "source-stop"
	cmdSourcePublisherStop actor.Kind = "source-publisher-stop"
	cmdSourceFinalStop     actor.Kind = "source-final-stop"
	cmdSourceDisconnect    actor.Kind = "source-disconnect"
	cmdSourceConnTick      actor.Kind = "source-conn-tick"
	cmdSourceConnFinalStop actor.Kind = "source-conn-final-stop"

	cmdReceiverStart          actor.Kind = "receiver-start"
	cmdReceiverStop           actor.Kind = "receiver-stop"
	cmdReceiverSubscriberStop actor.Kind = "receiver-subscriber-stop"
	cmdReceiverFinalStop      actor.Kind = "receiver-final-stop"
	cmdReceiverDisconnect     actor.Kind = "receiver-disconnect"
	cmdReceiverConnStart      actor.Kind = "receiver-conn-start"
	cmdReceiverConnTick       actor.Kind = "receiver-conn-tick"
	cmdReceiverConnStop       actor.Kind = "receiver-conn-stop"
	cmdReceiverConnSendCOK    actor.Kind = "receiver-conn-send-cok"
	cmdReceiverConnSendDOK    actor.Kind = "receiver-conn-send-dok"
	cmdReceiverConnDisconnect actor.Kind = "receiver-conn-disconnect"
	cmdReceiverConnFinalStop  actor.Kind = "receiver-conn-final-stop"
)
