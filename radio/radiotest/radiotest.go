/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025-2026 EspNowBus Authors. All Rights Reserved.
 */

// Package radiotest provides an in-memory radio mesh for exercising
// the bus engine without hardware. Delivery is synchronous and
// deterministic: Send hands the frame to every reachable receive
// callback before the completion callback fires.
package radiotest

import (
	"errors"
	"sync"

	"github.com/tanakamasayuki/espnowbus/radio"
)

// DropFunc decides whether to lose a frame on the link src->dst.
type DropFunc func(src, dst radio.MAC, frame []byte) bool

// ObserveFunc sees every frame that traverses the mesh, after drop
// filtering.
type ObserveFunc func(src, dst radio.MAC, frame []byte)

// A Mesh connects software radios by MAC. All radios on the same
// channel hear each other's broadcasts.
type Mesh struct {
	mu      sync.Mutex
	radios  map[radio.MAC]*Radio
	drop    DropFunc
	observe ObserveFunc
}

func NewMesh() *Mesh {
	return &Mesh{radios: make(map[radio.MAC]*Radio)}
}

// SetDrop installs a loss-injection hook. Dropped unicasts report
// send failure, mirroring a missing link-layer ack; dropped broadcasts
// still report success.
func (m *Mesh) SetDrop(fn DropFunc) {
	m.mu.Lock()
	m.drop = fn
	m.mu.Unlock()
}

func (m *Mesh) SetObserve(fn ObserveFunc) {
	m.mu.Lock()
	m.observe = fn
	m.mu.Unlock()
}

// Inject delivers a raw frame to dst as if src had transmitted it,
// bypassing drop filtering and completion reporting. Used to replay
// captured frames.
func (m *Mesh) Inject(src, dst radio.MAC, frame []byte) {
	m.mu.Lock()
	r := m.radios[dst]
	m.mu.Unlock()
	if r == nil {
		return
	}
	r.deliver(src, frame)
}

// NewRadio adds a node to the mesh.
func (m *Mesh) NewRadio(mac radio.MAC) *Radio {
	r := &Radio{
		mesh:    m,
		mac:     mac,
		mtu:     1490,
		channel: 1,
		peers:   make(map[radio.MAC]bool),
	}
	m.mu.Lock()
	m.radios[mac] = r
	m.mu.Unlock()
	return r
}

type completion struct {
	mac radio.MAC
	ok  bool
}

// Radio implements radio.Radio over the mesh.
type Radio struct {
	mesh *Mesh
	mac  radio.MAC
	mtu  int

	mu       sync.Mutex
	open     bool
	failOpen bool
	channel  int
	rate     radio.PhyRate
	pmk      [16]byte
	havePMK  bool
	peers    map[radio.MAC]bool
	sendDone radio.SendDoneFunc
	receive  radio.ReceiveFunc

	hold bool
	held []completion
}

var _ radio.Radio = (*Radio)(nil)

// FailOpen makes the next Open return an error, for exercising Begin
// teardown paths.
func (r *Radio) FailOpen(fail bool) {
	r.mu.Lock()
	r.failOpen = fail
	r.mu.Unlock()
}

// HoldCompletions suspends send-done reporting so a bus under test
// stays in flight indefinitely.
func (r *Radio) HoldCompletions(hold bool) {
	r.mu.Lock()
	r.hold = hold
	r.mu.Unlock()
}

// ReleaseCompletions flushes completions deferred by HoldCompletions.
func (r *Radio) ReleaseCompletions() {
	r.mu.Lock()
	held := r.held
	r.held = nil
	fn := r.sendDone
	r.mu.Unlock()
	if fn == nil {
		return
	}
	for _, c := range held {
		fn(c.mac, c.ok)
	}
}

func (r *Radio) Open() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOpen {
		return errors.New("radiotest: open refused")
	}
	r.open = true
	return nil
}

func (r *Radio) Close() error {
	r.mu.Lock()
	r.open = false
	r.held = nil
	r.mu.Unlock()
	return nil
}

func (r *Radio) OwnAddress() radio.MAC { return r.mac }

func (r *Radio) MTU() int { return r.mtu }

func (r *Radio) SetChannel(channel int) error {
	if channel < 1 || channel > 13 {
		return errors.New("radiotest: channel out of range")
	}
	r.mu.Lock()
	r.channel = channel
	r.mu.Unlock()
	return nil
}

func (r *Radio) SetRate(rate radio.PhyRate) error {
	r.mu.Lock()
	r.rate = rate
	r.mu.Unlock()
	return nil
}

func (r *Radio) SetPMK(key [16]byte) error {
	r.mu.Lock()
	r.pmk = key
	r.havePMK = true
	r.mu.Unlock()
	return nil
}

func (r *Radio) AddPeer(mac radio.MAC, lmk *[16]byte) error {
	r.mu.Lock()
	r.peers[mac] = lmk != nil
	r.mu.Unlock()
	return nil
}

func (r *Radio) RemovePeer(mac radio.MAC) error {
	r.mu.Lock()
	delete(r.peers, mac)
	r.mu.Unlock()
	return nil
}

func (r *Radio) SetSendDone(fn radio.SendDoneFunc) {
	r.mu.Lock()
	r.sendDone = fn
	r.mu.Unlock()
}

func (r *Radio) SetReceive(fn radio.ReceiveFunc) {
	r.mu.Lock()
	r.receive = fn
	r.mu.Unlock()
}

// Channel reports the configured channel, for assertions.
func (r *Radio) Channel() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channel
}

func (r *Radio) deliver(src radio.MAC, frame []byte) bool {
	r.mu.Lock()
	fn := r.receive
	open := r.open
	r.mu.Unlock()
	if !open || fn == nil {
		return false
	}
	fn(src, frame)
	return true
}

// Send transmits a frame across the mesh. Unicast succeeds when the
// destination heard it (a stand-in for the link-layer ack); broadcast
// always reports success.
func (r *Radio) Send(dst radio.MAC, frame []byte) error {
	r.mu.Lock()
	if !r.open {
		r.mu.Unlock()
		return errors.New("radiotest: radio closed")
	}
	channel := r.channel
	r.mu.Unlock()
	if len(frame) > r.mtu {
		return errors.New("radiotest: frame exceeds MTU")
	}

	cp := make([]byte, len(frame))
	copy(cp, frame)

	r.mesh.mu.Lock()
	drop := r.mesh.drop
	observe := r.mesh.observe
	var targets []*Radio
	if dst.IsBroadcast() {
		for mac, other := range r.mesh.radios {
			if mac == r.mac {
				continue
			}
			targets = append(targets, other)
		}
	} else if other, ok := r.mesh.radios[dst]; ok {
		targets = append(targets, other)
	}
	r.mesh.mu.Unlock()

	delivered := false
	for _, other := range targets {
		other.mu.Lock()
		sameChannel := other.channel == channel
		other.mu.Unlock()
		if !sameChannel {
			continue
		}
		if drop != nil && drop(r.mac, other.mac, cp) {
			continue
		}
		if observe != nil {
			observe(r.mac, other.mac, cp)
		}
		if other.deliver(r.mac, cp) {
			delivered = true
		}
	}

	ok := delivered || dst.IsBroadcast()
	r.mu.Lock()
	fn := r.sendDone
	if r.hold {
		r.held = append(r.held, completion{dst, ok})
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()
	if fn != nil {
		fn(dst, ok)
	}
	return nil
}
