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

/* Liveness ladder, per peer, keyed on elapsed = now - lastSeen:
 *
 *   >= 3*HB  evict, emit leave event
 *   >= 2*HB  targeted join request (stage 2)
 *   >= 1*HB  heartbeat ping (stage 1)
 *
 * Any received frame resets lastSeen and the stage.
 */

// runMaintenance is called from every scheduler iteration: counter
// reseed, auto-join pacing, then the per-peer liveness scan. Actions
// are collected under the lock and performed outside it.
func (bus *Bus) runMaintenance(now time.Time) {
	bus.reseedCounters(now)

	if bus.cfg.AutoJoinInterval > 0 && now.Sub(bus.lastAutoJoin) >= bus.cfg.AutoJoinInterval {
		bus.lastAutoJoin = now
		if err := bus.SendJoinRequest(radio.Broadcast, 0); err != nil {
			bus.log.Verbosef("auto join: %v", err)
		}
	}

	hb := bus.cfg.HeartbeatInterval
	if hb == 0 {
		return
	}

	var pings, rejoins, drops []radio.MAC
	bus.mu.Lock()
	for i := range bus.peers.slots {
		p := &bus.peers.slots[i]
		if !p.inUse {
			continue
		}
		elapsed := now.Sub(p.lastSeen)
		switch {
		case elapsed >= heartbeatMissLimit*hb:
			p.inUse = false
			drops = append(drops, p.mac)
		case elapsed >= 2*hb:
			if p.heartbeatStage < 2 {
				p.heartbeatStage = 2
				rejoins = append(rejoins, p.mac)
			}
		case elapsed >= hb:
			if p.heartbeatStage < 1 {
				p.heartbeatStage = 1
				pings = append(pings, p.mac)
			}
		}
	}
	bus.mu.Unlock()

	for _, mac := range drops {
		bus.log.Verbosef("peer timeout drop %v", mac)
		if err := bus.radio.RemovePeer(mac); err != nil {
			bus.log.Verbosef("radio remove peer %v: %v", mac, err)
		}
		bus.joinEvent(mac, false, false)
	}
	for _, mac := range rejoins {
		if err := bus.SendJoinRequest(mac, 0); err != nil {
			bus.log.Verbosef("rejoin to %v: %v", mac, err)
		}
	}
	for _, mac := range pings {
		var buf [heartbeatSize]byte
		if err := bus.enqueue(mac, packetHeartbeat, marshalHeartbeat(buf[:], heartbeatPing), 0); err != nil {
			bus.log.Verbosef("ping to %v: %v", mac, err)
		}
	}
}

// reseedCounters replaces both counters with fresh randomness once per
// interval. Receivers see the jump as a window advance and resync on
// the first post-reseed frame.
func (bus *Bus) reseedCounters(now time.Time) {
	if now.Sub(bus.lastReseed) < reseedInterval {
		return
	}
	bus.lastReseed = now
	var seed [4]byte
	if _, err := rand.Read(seed[:]); err != nil {
		bus.log.Errorf("counter reseed: %v", err)
		return
	}
	bus.mu.Lock()
	bus.msgCounter = binary.LittleEndian.Uint16(seed[0:2])
	bus.broadcastSeq = binary.LittleEndian.Uint16(seed[2:4])
	bus.mu.Unlock()
	bus.log.Verbosef("reseeded counters")
}
