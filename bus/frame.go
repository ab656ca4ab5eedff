/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025-2026 EspNowBus Authors. All Rights Reserved.
 */

package bus

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"

	"github.com/tanakamasayuki/espnowbus/radio"
)

/* Frame layout (little-endian):
 *
 *   0      magic 0xEB
 *   1      version 1
 *   2      packet type
 *   3      flags (bit 0 = retry)
 *   4..5   id (msgId or seq, by packet type)
 *   6..9   group id            \ authenticated
 *   ...    payload             |  packet types
 *   last16 truncated HMAC tag  /  only
 */

// framedSize reports the on-air size of a frame carrying payloadLen
// bytes of typed payload.
func framedSize(t packetType, payloadLen int) int {
	n := headerSize + payloadLen
	if t.authenticated() {
		n += groupIDSize + authTagSize
	}
	return n
}

// encodeFrame writes a complete frame into buf and returns its length.
// buf must be at least framedSize(t, len(payload)) bytes.
func encodeFrame(buf []byte, t packetType, id uint16, isRetry bool, keys *DerivedKeys, payload []byte) int {
	buf[0] = frameMagic
	buf[1] = frameVersion
	buf[2] = byte(t)
	buf[3] = 0
	if isRetry {
		buf[3] = flagRetry
	}
	binary.LittleEndian.PutUint16(buf[4:6], id)
	cursor := headerSize
	if t.authenticated() {
		binary.LittleEndian.PutUint32(buf[cursor:cursor+groupIDSize], keys.GroupID)
		cursor += groupIDSize
	}
	cursor += copy(buf[cursor:], payload)
	if t.authenticated() {
		computeTag(buf[cursor:cursor+authTagSize], buf[:cursor], keys.authKeyFor(t))
		cursor += authTagSize
	}
	return cursor
}

// sealFrame recomputes the trailing tag in place. Called when header
// bits change after encoding (the retry flag is part of the tag input).
func sealFrame(frame []byte, t packetType, keys *DerivedKeys) {
	if !t.authenticated() || len(frame) < protocolFloor+authTagSize {
		return
	}
	tagOffset := len(frame) - authTagSize
	computeTag(frame[tagOffset:], frame[:tagOffset], keys.authKeyFor(t))
}

// computeTag writes the truncated HMAC-SHA-256 of msg under key into
// out (authTagSize bytes).
func computeTag(out []byte, msg []byte, key []byte) {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	copy(out, mac.Sum(nil)[:authTagSize])
}

// verifyFrame checks the group id and tag of an authenticated frame.
func verifyFrame(frame []byte, t packetType, keys *DerivedKeys) bool {
	if len(frame) < protocolFloor+authTagSize {
		return false
	}
	gid := binary.LittleEndian.Uint32(frame[headerSize : headerSize+groupIDSize])
	if gid != keys.GroupID {
		return false
	}
	tagOffset := len(frame) - authTagSize
	var calc [authTagSize]byte
	computeTag(calc[:], frame[:tagOffset], keys.authKeyFor(t))
	return hmac.Equal(calc[:], frame[tagOffset:])
}

/* Typed payloads, packed */

const (
	joinReqSize   = nonceSize + nonceSize + 6 // nonceA, prevToken, targetMac
	joinAckSize   = nonceSize + nonceSize + 6 // nonceA, nonceB, targetMac
	appAckSize    = 2                         // msgId
	heartbeatSize = 1                         // kind
	leaveSize     = 6                         // mac
)

const (
	heartbeatPing = 0
	heartbeatPong = 1
)

type joinReqPayload struct {
	NonceA    [nonceSize]byte
	PrevToken [nonceSize]byte
	Target    radio.MAC
}

func (p *joinReqPayload) marshal(b []byte) []byte {
	b = b[:joinReqSize]
	copy(b[0:], p.NonceA[:])
	copy(b[nonceSize:], p.PrevToken[:])
	copy(b[2*nonceSize:], p.Target[:])
	return b
}

func parseJoinReq(b []byte) (p joinReqPayload, ok bool) {
	if len(b) < joinReqSize {
		return p, false
	}
	copy(p.NonceA[:], b[0:])
	copy(p.PrevToken[:], b[nonceSize:])
	copy(p.Target[:], b[2*nonceSize:])
	return p, true
}

type joinAckPayload struct {
	NonceA [nonceSize]byte
	NonceB [nonceSize]byte
	Target radio.MAC
}

func (p *joinAckPayload) marshal(b []byte) []byte {
	b = b[:joinAckSize]
	copy(b[0:], p.NonceA[:])
	copy(b[nonceSize:], p.NonceB[:])
	copy(b[2*nonceSize:], p.Target[:])
	return b
}

func parseJoinAck(b []byte) (p joinAckPayload, ok bool) {
	if len(b) < joinAckSize {
		return p, false
	}
	copy(p.NonceA[:], b[0:])
	copy(p.NonceB[:], b[nonceSize:])
	copy(p.Target[:], b[2*nonceSize:])
	return p, true
}

func marshalAppAck(b []byte, msgID uint16) []byte {
	b = b[:appAckSize]
	binary.LittleEndian.PutUint16(b, msgID)
	return b
}

func parseAppAck(b []byte) (msgID uint16, ok bool) {
	if len(b) < appAckSize {
		return 0, false
	}
	return binary.LittleEndian.Uint16(b), true
}

func marshalHeartbeat(b []byte, kind byte) []byte {
	b = b[:heartbeatSize]
	b[0] = kind
	return b
}

func parseHeartbeat(b []byte) (kind byte, ok bool) {
	if len(b) < heartbeatSize {
		return 0, false
	}
	return b[0], true
}

func marshalLeave(b []byte, mac radio.MAC) []byte {
	b = b[:leaveSize]
	copy(b, mac[:])
	return b
}

func parseLeave(b []byte) (mac radio.MAC, ok bool) {
	if len(b) < leaveSize {
		return mac, false
	}
	copy(mac[:], b)
	return mac, true
}
