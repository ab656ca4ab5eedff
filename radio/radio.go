/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025-2026 EspNowBus Authors. All Rights Reserved.
 */

// Package radio defines the adapter surface between the bus engine and
// a short-range wireless datagram transport.
package radio

import (
	"errors"
	"fmt"
)

// MAC is the fixed link-layer address of a node.
type MAC [6]byte

// Broadcast is the all-nodes destination address.
var Broadcast = MAC{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

func (m MAC) IsBroadcast() bool {
	return m == Broadcast
}

// ParseMAC parses the colon-separated form produced by String.
func ParseMAC(s string) (MAC, error) {
	var m MAC
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x", &m[0], &m[1], &m[2], &m[3], &m[4], &m[5])
	if err != nil || n != 6 {
		return MAC{}, errors.New("radio: malformed MAC address: " + s)
	}
	return m, nil
}

// PhyRate selects the physical transmission rate, mirroring the rate
// table of the underlying driver.
type PhyRate uint8

const (
	Rate1M PhyRate = iota
	Rate2M
	Rate5M
	Rate11M
	Rate6M
	Rate9M
	Rate12M
	Rate18M
	Rate24M
	Rate36M
	Rate48M
	Rate54M
	RateMCS0
	RateMCS1
	RateMCS2
	RateMCS3
	RateMCS4
	RateMCS5
	RateMCS6
	RateMCS7
)

// SendDoneFunc reports the post-transmission status of the most recent
// Send to mac. It runs in driver context: it must not block.
type SendDoneFunc func(mac MAC, ok bool)

// ReceiveFunc delivers a received frame. The frame slice is only valid
// for the duration of the call. It runs in driver context: it must not
// block.
type ReceiveFunc func(src MAC, frame []byte)

// A Radio is a connectionless unicast/broadcast frame transport with a
// per-frame completion signal, in the shape of ESP-NOW style drivers.
//
// Implementations must tolerate SetSendDone/SetReceive being called
// with nil to unregister, and must stop invoking callbacks once Close
// has returned.
type Radio interface {
	Open() error
	Close() error

	// OwnAddress reports the local MAC. Valid after Open.
	OwnAddress() MAC

	// MTU reports the largest frame Send accepts, in bytes.
	MTU() int

	SetChannel(channel int) error // 1-13
	SetRate(rate PhyRate) error

	// SetPMK installs the primary master key used by the link-layer
	// encryption, when the transport supports one.
	SetPMK(key [16]byte) error

	// AddPeer registers a unicast destination. A non-nil lmk enables
	// link-layer encryption toward that peer.
	AddPeer(mac MAC, lmk *[16]byte) error
	RemovePeer(mac MAC) error

	// Send transmits one frame. Completion is reported through the
	// SendDoneFunc; an error return means the frame never left the
	// driver.
	Send(dst MAC, frame []byte) error

	SetSendDone(fn SendDoneFunc)
	SetReceive(fn ReceiveFunc)
}
