/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025-2026 EspNowBus Authors. All Rights Reserved.
 */

package bus

import (
	"time"

	"github.com/tanakamasayuki/espnowbus/radio"
	"github.com/tanakamasayuki/espnowbus/replay"
)

// peerInfo is one slot of the fixed-capacity peer table. All replay
// and liveness state a peer accumulates lives here; eviction and
// re-admission always start from a clean slot.
type peerInfo struct {
	mac   radio.MAC
	inUse bool

	// unicast duplicate suppression (single slot, catches the
	// immediate link-layer retry case)
	lastMsgID uint16
	haveMsgID bool

	// per-peer broadcast replay window
	bcast replay.Filter

	// responder nonce from the most recent successful handshake
	lastNonceB [nonceSize]byte
	nonceValid bool

	// app-ack replay suppression
	lastAppAckID uint16
	haveAppAckID bool

	// liveness
	lastSeen       time.Time
	heartbeatStage uint8 // 0 fresh, 1 pinged, 2 rejoin sent
}

func (p *peerInfo) touch(now time.Time) {
	p.lastSeen = now
	p.heartbeatStage = 0
}

// peerTable is a fixed array with linear lookup. Not safe for
// concurrent use; the bus mutex guards it.
type peerTable struct {
	slots [maxPeers]peerInfo
}

func (t *peerTable) find(mac radio.MAC) *peerInfo {
	for i := range t.slots {
		if t.slots[i].inUse && t.slots[i].mac == mac {
			return &t.slots[i]
		}
	}
	return nil
}

// ensure returns the entry for mac, allocating one when absent. The
// second return reports a fresh allocation. A nil entry means the table
// is full, which callers must treat as a hard drop. Fresh allocations
// start with cleared replay state so a peer that rejoins after eviction
// starts clean.
func (t *peerTable) ensure(mac radio.MAC, now time.Time) (*peerInfo, bool) {
	if p := t.find(mac); p != nil {
		return p, false
	}
	for i := range t.slots {
		if t.slots[i].inUse {
			continue
		}
		p := &t.slots[i]
		*p = peerInfo{mac: mac, inUse: true, lastSeen: now}
		return p, true
	}
	return nil, false
}

func (t *peerTable) remove(mac radio.MAC) bool {
	if p := t.find(mac); p != nil {
		p.inUse = false
		return true
	}
	return false
}

func (t *peerTable) count() int {
	n := 0
	for i := range t.slots {
		if t.slots[i].inUse {
			n++
		}
	}
	return n
}

// at returns the MAC of the index-th in-use entry.
func (t *peerTable) at(index int) (radio.MAC, bool) {
	n := 0
	for i := range t.slots {
		if !t.slots[i].inUse {
			continue
		}
		if n == index {
			return t.slots[i].mac, true
		}
		n++
	}
	return radio.MAC{}, false
}

func (t *peerTable) macs() []radio.MAC {
	out := make([]radio.MAC, 0, maxPeers)
	for i := range t.slots {
		if t.slots[i].inUse {
			out = append(out, t.slots[i].mac)
		}
	}
	return out
}
