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

// senderTable tracks broadcast replay windows per source MAC,
// decoupled from the peer table so broadcasts from non-peers are still
// filtered. Bounded, LRU-evicted. Not safe for concurrent use; the bus
// mutex guards it.
type senderEntry struct {
	mac      radio.MAC
	inUse    bool
	filter   replay.Filter
	lastUsed time.Time
}

type senderTable struct {
	slots [maxSenders]senderEntry
}

func (t *senderTable) find(mac radio.MAC) *senderEntry {
	for i := range t.slots {
		if t.slots[i].inUse && t.slots[i].mac == mac {
			return &t.slots[i]
		}
	}
	return nil
}

// ensure returns the entry for mac, evicting the least recently used
// slot when the table is full. An evicted source that reappears starts
// with a fresh window.
func (t *senderTable) ensure(mac radio.MAC, now time.Time) *senderEntry {
	if e := t.find(mac); e != nil {
		e.lastUsed = now
		return e
	}
	victim := &t.slots[0]
	for i := range t.slots {
		e := &t.slots[i]
		if !e.inUse {
			victim = e
			break
		}
		if e.lastUsed.Before(victim.lastUsed) {
			victim = e
		}
	}
	*victim = senderEntry{mac: mac, inUse: true, lastUsed: now}
	return victim
}

// accept runs the replay decision for a broadcast sequence from mac.
func (t *senderTable) accept(mac radio.MAC, seq uint16, window uint, now time.Time) bool {
	if window == 0 {
		return true
	}
	e := t.ensure(mac, now)
	return e.filter.ValidateSeq(seq, window)
}
