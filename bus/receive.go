/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025-2026 EspNowBus Authors. All Rights Reserved.
 */

package bus

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/tanakamasayuki/espnowbus/radio"
)

/* Receive flow
 *
 * 1. header sanity, magic, version
 * 2. group id and tag verification for authenticated types
 * 3. peer/sender state update (duplicate and replay suppression)
 * 4. type-specific reaction (acks, pongs, join acks)
 * 5. user callback, for data frames that survived
 *
 * handleFrame runs in driver context and must not block; every
 * enqueue from here is non-blocking and dropped on overflow.
 */

// handleFrame is the radio's receive callback.
func (bus *Bus) handleFrame(src radio.MAC, frame []byte) {
	if !bus.running.Load() {
		return
	}
	if len(frame) < headerSize {
		return
	}
	if frame[0] != frameMagic || frame[1] != frameVersion {
		return
	}
	t := packetType(frame[2])
	isRetry := frame[3]&flagRetry != 0
	id := binary.LittleEndian.Uint16(frame[4:6])

	payload := frame[headerSize:]
	if t.authenticated() {
		if !verifyFrame(frame, t, &bus.keys) {
			bus.log.Verbosef("auth fail or group mismatch: %v from %v", t, src)
			return
		}
		payload = frame[headerSize+groupIDSize : len(frame)-authTagSize]
	}
	now := bus.timeNow()

	switch t {
	case packetDataUnicast:
		bus.handleDataUnicast(src, id, payload, isRetry, now)
	case packetDataBroadcast:
		bus.handleDataBroadcast(src, id, payload, isRetry, now)
	case packetJoinReq:
		bus.handleJoinReq(src, payload, now)
	case packetJoinAck:
		bus.handleJoinAck(src, payload, now)
	case packetHeartbeat:
		bus.handleHeartbeat(src, payload, now)
	case packetAppAck:
		bus.handleAppAck(src, payload, now)
	case packetLeave:
		bus.handleLeave(src, payload)
	default:
		bus.log.Verbosef("unknown packet type %d from %v", frame[2], src)
	}
}

// mirrorPeer registers a freshly learned peer with the radio so the
// link key is in place before we ever unicast back to it.
func (bus *Bus) mirrorPeer(mac radio.MAC) {
	if err := bus.registerRadioPeer(mac); err != nil {
		bus.log.Verbosef("%v", err)
	}
}

func (bus *Bus) handleDataUnicast(src radio.MAC, id uint16, payload []byte, isRetry bool, now time.Time) {
	bus.mu.Lock()
	p, fresh := bus.peers.ensure(src, now)
	dup := false
	if p != nil {
		p.touch(now)
		dup = p.haveMsgID && p.lastMsgID == id
		if !dup {
			p.lastMsgID = id
			p.haveMsgID = true
		}
	}
	bus.mu.Unlock()
	if fresh {
		bus.mirrorPeer(src)
	}

	// The ack is sent even for duplicates, so a sender whose ack
	// was lost stops retrying.
	if bus.cfg.EnableAppAck {
		var buf [appAckSize]byte
		if err := bus.enqueue(src, packetAppAck, marshalAppAck(buf[:], id), 0); err != nil {
			bus.log.Verbosef("app-ack enqueue to %v: %v", src, err)
		}
	}
	if dup {
		bus.log.Verbosef("duplicate unicast msgId=%d from %v", id, src)
		return
	}
	if bus.onReceive != nil {
		bus.onReceive(src, payload, isRetry, false)
	}
}

func (bus *Bus) handleDataBroadcast(src radio.MAC, id uint16, payload []byte, isRetry bool, now time.Time) {
	window := uint(bus.cfg.ReplayWindow)
	bus.mu.Lock()
	p, fresh := bus.peers.ensure(src, now)
	var accepted bool
	if p != nil {
		p.touch(now)
		accepted = window == 0 || p.bcast.ValidateSeq(id, window)
	} else {
		// no peer slot left; the sender table still filters
		accepted = bus.senders.accept(src, id, window, now)
	}
	bus.mu.Unlock()
	if fresh {
		bus.mirrorPeer(src)
	}
	if !accepted {
		bus.log.Verbosef("broadcast replay drop seq=%d from %v", id, src)
		return
	}
	if bus.onReceive != nil {
		bus.onReceive(src, payload, isRetry, true)
	}
}

func (bus *Bus) handleJoinReq(src radio.MAC, payload []byte, now time.Time) {
	req, ok := parseJoinReq(payload)
	if !ok {
		bus.log.Verbosef("join req too short from %v", src)
		return
	}
	if !req.Target.IsBroadcast() && req.Target != bus.self {
		return // not for us
	}

	var ack joinAckPayload
	ack.NonceA = req.NonceA
	if _, err := rand.Read(ack.NonceB[:]); err != nil {
		bus.log.Errorf("join nonce: %v", err)
		return
	}
	ack.Target = src

	bus.mu.Lock()
	p, fresh := bus.peers.ensure(src, now)
	if p == nil {
		bus.mu.Unlock()
		bus.log.Errorf("peer table full, dropping join req from %v", src)
		return
	}
	p.touch(now)
	resumed := req.PrevToken != [nonceSize]byte{} && p.nonceValid && p.lastNonceB == req.PrevToken
	p.lastNonceB = ack.NonceB
	p.nonceValid = true
	bus.mu.Unlock()
	if fresh {
		bus.mirrorPeer(src)
	}
	if resumed {
		bus.log.Verbosef("join resume from %v", src)
	}

	var buf [joinAckSize]byte
	if err := bus.enqueue(radio.Broadcast, packetJoinAck, ack.marshal(buf[:]), 0); err != nil {
		bus.log.Verbosef("join ack enqueue: %v", err)
	}
	bus.joinEvent(src, true, false)
}

func (bus *Bus) handleJoinAck(src radio.MAC, payload []byte, now time.Time) {
	ackp, ok := parseJoinAck(payload)
	if !ok {
		bus.log.Verbosef("join ack too short from %v", src)
		return
	}
	bus.mu.Lock()
	if !bus.pendingJoin {
		bus.mu.Unlock()
		bus.log.Verbosef("unsolicited join ack from %v", src)
		return
	}
	if ackp.Target != bus.self {
		bus.mu.Unlock()
		return // not for us
	}
	if ackp.NonceA != bus.pendingNonceA {
		bus.mu.Unlock()
		bus.log.Verbosef("join ack nonce mismatch from %v", src)
		bus.joinEvent(src, false, true)
		return
	}
	p, fresh := bus.peers.ensure(src, now)
	if p != nil {
		p.touch(now)
		p.lastNonceB = ackp.NonceB
		p.nonceValid = true
	}
	bus.storedNonceB = ackp.NonceB
	bus.storedNonceBValid = true
	bus.pendingJoin = false
	bus.mu.Unlock()
	if fresh {
		bus.mirrorPeer(src)
	}
	bus.log.Verbosef("join success with %v", src)
	bus.joinEvent(src, true, true)
}

func (bus *Bus) handleHeartbeat(src radio.MAC, payload []byte, now time.Time) {
	kind, ok := parseHeartbeat(payload)
	if !ok {
		return
	}
	bus.mu.Lock()
	p, fresh := bus.peers.ensure(src, now)
	if p != nil {
		p.touch(now)
	}
	bus.mu.Unlock()
	if fresh {
		bus.mirrorPeer(src)
	}
	if kind == heartbeatPing {
		var buf [heartbeatSize]byte
		if err := bus.enqueue(src, packetHeartbeat, marshalHeartbeat(buf[:], heartbeatPong), 0); err != nil {
			bus.log.Verbosef("pong enqueue to %v: %v", src, err)
		}
	}
}

func (bus *Bus) handleAppAck(src radio.MAC, payload []byte, now time.Time) {
	msgID, ok := parseAppAck(payload)
	if !ok {
		return
	}
	bus.mu.Lock()
	p, fresh := bus.peers.ensure(src, now)
	replayed := false
	if p != nil {
		replayed = p.haveAppAckID && p.lastAppAckID == msgID
		if !replayed {
			p.lastAppAckID = msgID
			p.haveAppAckID = true
			p.touch(now)
		}
	}
	bus.mu.Unlock()
	if fresh {
		bus.mirrorPeer(src)
	}
	if replayed {
		bus.log.Verbosef("app-ack replay drop msgId=%d from %v", msgID, src)
		return
	}
	select {
	case bus.acks <- ackEvent{mac: src, msgID: msgID}:
	default:
	}
	if bus.onAppAck != nil {
		bus.onAppAck(src, msgID)
	}
}

func (bus *Bus) handleLeave(src radio.MAC, payload []byte) {
	mac, ok := parseLeave(payload)
	if !ok {
		bus.log.Verbosef("leave too short from %v", src)
		return
	}
	// a node may only announce its own departure
	if mac != src {
		bus.log.Verbosef("leave mac mismatch: sender=%v payload=%v", src, mac)
		return
	}
	bus.mu.Lock()
	if bus.peers.find(src) == nil {
		bus.mu.Unlock()
		bus.log.Verbosef("leave from unknown peer %v", src)
		return
	}
	bus.peers.remove(src)
	bus.mu.Unlock()
	if err := bus.radio.RemovePeer(src); err != nil {
		bus.log.Verbosef("radio remove peer %v: %v", src, err)
	}
	bus.joinEvent(src, false, false)
}
