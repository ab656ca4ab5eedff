/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025-2026 EspNowBus Authors. All Rights Reserved.
 */

package bus

import "time"

/* Wire format constants */

const (
	frameMagic   = 0xEB
	frameVersion = 1

	headerSize  = 6 // magic(1) + version(1) + type(1) + flags(1) + id(2)
	groupIDSize = 4
	authTagSize = 16
	nonceSize   = 8

	flagRetry = 0x01

	// Smallest useful frame ceiling: header plus group-id field.
	protocolFloor = headerSize + groupIDSize
)

type packetType uint8

const (
	packetDataUnicast packetType = iota + 1
	packetDataBroadcast
	packetJoinReq
	packetJoinAck
	packetHeartbeat
	packetAppAck
	packetLeave
)

// authenticated reports whether frames of this type carry a group-id
// field and a truncated HMAC tag. DataUnicast relies on the link-layer
// encryption instead.
func (t packetType) authenticated() bool {
	switch t {
	case packetDataBroadcast, packetJoinReq, packetJoinAck,
		packetHeartbeat, packetAppAck, packetLeave:
		return true
	}
	return false
}

// usesSeq reports whether the header id field carries the broadcast
// sequence counter rather than the unicast message counter.
func (t packetType) usesSeq() bool {
	switch t {
	case packetDataBroadcast, packetJoinReq, packetJoinAck:
		return true
	}
	return false
}

func (t packetType) String() string {
	switch t {
	case packetDataUnicast:
		return "data-unicast"
	case packetDataBroadcast:
		return "data-broadcast"
	case packetJoinReq:
		return "join-req"
	case packetJoinAck:
		return "join-ack"
	case packetHeartbeat:
		return "heartbeat"
	case packetAppAck:
		return "app-ack"
	case packetLeave:
		return "leave"
	}
	return "unknown"
}

/* Engine constants */

const (
	maxPeers   = 20
	maxSenders = 16

	heartbeatMissLimit = 3

	reseedInterval = time.Hour
	idleQueuePoll  = 100 * time.Millisecond
)
