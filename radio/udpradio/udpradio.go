/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025-2026 EspNowBus Authors. All Rights Reserved.
 */

// Package udpradio emulates the short-range radio primitive over UDP
// multicast, one group per channel, so bus nodes can be developed and
// demonstrated on an ordinary LAN.
//
// Unicast frames toward peers registered with a link key are sealed
// with ChaCha20-Poly1305, standing in for the hardware's per-peer
// link-layer cipher. Broadcast frames travel in the clear, exactly as
// the hardware would send them.
package udpradio

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/net/ipv4"

	"github.com/tanakamasayuki/espnowbus/radio"
)

const (
	basePort       = 17000
	linkHeaderSize = 12 // dst(6) + src(6)
	maxDatagram    = 2048
)

// Config tunes the transport. The zero value works.
type Config struct {
	// Interface narrows multicast membership to one interface by
	// name. Empty uses the system default.
	Interface string

	// BasePort overrides the default port base; the channel number
	// is added to it.
	BasePort int
}

// Radio implements radio.Radio over UDP multicast.
type Radio struct {
	cfg Config

	mu       sync.Mutex
	open     bool
	mac      radio.MAC
	channel  int
	pmk      [16]byte
	havePMK  bool
	seals    map[radio.MAC]cipher.AEAD // per registered encrypted peer
	sendDone radio.SendDoneFunc
	receive  radio.ReceiveFunc

	conn  *net.UDPConn
	pconn *ipv4.PacketConn
	dst   *net.UDPAddr
	gen   int // socket generation, invalidates stale read loops
}

var _ radio.Radio = (*Radio)(nil)

func New(cfg Config) *Radio {
	if cfg.BasePort == 0 {
		cfg.BasePort = basePort
	}
	return &Radio{cfg: cfg, channel: 1, seals: make(map[radio.MAC]cipher.AEAD)}
}

// groupAddr maps a channel to its multicast group.
func groupAddr(channel int) net.IP {
	return net.IPv4(239, 255, 77, byte(channel))
}

// pickMAC uses the first 6-byte hardware address on a non-loopback
// interface, falling back to a random locally-administered address.
func pickMAC() radio.MAC {
	var mac radio.MAC
	ifaces, err := net.Interfaces()
	if err == nil {
		for _, ifc := range ifaces {
			if ifc.Flags&net.FlagLoopback != 0 || len(ifc.HardwareAddr) != 6 {
				continue
			}
			copy(mac[:], ifc.HardwareAddr)
			return mac
		}
	}
	rand.Read(mac[:])
	mac[0] = mac[0]&0xFE | 0x02 // locally administered, unicast
	return mac
}

func (r *Radio) Open() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open {
		return errors.New("udpradio: already open")
	}
	r.mac = pickMAC()
	if err := r.bindLocked(r.channel); err != nil {
		return err
	}
	r.open = true
	return nil
}

func (r *Radio) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = false
	r.gen++
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
		r.pconn = nil
	}
	return nil
}

func (r *Radio) OwnAddress() radio.MAC { return r.mac }

func (r *Radio) MTU() int { return 1470 }

func (r *Radio) SetChannel(channel int) error {
	if channel < 1 || channel > 13 {
		return errors.New("udpradio: channel out of range")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channel == channel && r.conn != nil {
		return nil
	}
	r.channel = channel
	if !r.open {
		return nil
	}
	return r.bindLocked(channel)
}

// SetRate is accepted and ignored; UDP has no PHY rate.
func (r *Radio) SetRate(rate radio.PhyRate) error { return nil }

func (r *Radio) SetPMK(key [16]byte) error {
	r.mu.Lock()
	r.pmk = key
	r.havePMK = true
	r.mu.Unlock()
	return nil
}

func (r *Radio) AddPeer(mac radio.MAC, lmk *[16]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lmk == nil || mac.IsBroadcast() {
		delete(r.seals, mac)
		return nil
	}
	if !r.havePMK {
		return errors.New("udpradio: link key requires a PMK")
	}
	aead, err := newLinkSeal(r.pmk, *lmk)
	if err != nil {
		return err
	}
	r.seals[mac] = aead
	return nil
}

func (r *Radio) RemovePeer(mac radio.MAC) error {
	r.mu.Lock()
	delete(r.seals, mac)
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

// newLinkSeal derives the per-peer AEAD from the two 16-byte master
// keys the protocol supplies.
func newLinkSeal(pmk, lmk [16]byte) (cipher.AEAD, error) {
	h := sha256.New()
	h.Write(pmk[:])
	h.Write(lmk[:])
	return chacha20poly1305.New(h.Sum(nil))
}

// bindLocked (re)creates the socket for a channel and starts its read
// loop. Callers hold r.mu.
func (r *Radio) bindLocked(channel int) error {
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
		r.pconn = nil
	}
	r.gen++

	port := r.cfg.BasePort + channel
	group := groupAddr(channel)

	conn, err := listenReusable(port)
	if err != nil {
		return fmt.Errorf("udpradio: bind :%d: %w", port, err)
	}
	pconn := ipv4.NewPacketConn(conn)

	var ifc *net.Interface
	if r.cfg.Interface != "" {
		ifc, err = net.InterfaceByName(r.cfg.Interface)
		if err != nil {
			conn.Close()
			return fmt.Errorf("udpradio: interface %q: %w", r.cfg.Interface, err)
		}
	}
	if err := pconn.JoinGroup(ifc, &net.UDPAddr{IP: group}); err != nil {
		conn.Close()
		return fmt.Errorf("udpradio: join %v: %w", group, err)
	}
	// we filter our own frames by source MAC instead
	pconn.SetMulticastLoopback(true)

	r.conn = conn
	r.pconn = pconn
	r.dst = &net.UDPAddr{IP: group, Port: port}
	go r.readLoop(conn, r.gen)
	return nil
}

func (r *Radio) readLoop(conn *net.UDPConn, gen int) {
	buf := make([]byte, maxDatagram)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		r.mu.Lock()
		stale := gen != r.gen || !r.open
		self := r.mac
		fn := r.receive
		r.mu.Unlock()
		if stale {
			return
		}
		if fn == nil || n < linkHeaderSize {
			continue
		}
		var dst, src radio.MAC
		copy(dst[:], buf[0:6])
		copy(src[:], buf[6:12])
		if src == self {
			continue // our own multicast echo
		}
		if !dst.IsBroadcast() && dst != self {
			continue
		}
		payload := buf[linkHeaderSize:n]
		if !dst.IsBroadcast() {
			if opened, ok := r.unseal(src, payload); ok {
				payload = opened
			}
		}
		fn(src, payload)
	}
}

// unseal decrypts a unicast payload from an encrypted peer. Payloads
// from peers without a link key pass through unchanged.
func (r *Radio) unseal(src radio.MAC, payload []byte) ([]byte, bool) {
	r.mu.Lock()
	aead := r.seals[src]
	r.mu.Unlock()
	if aead == nil {
		return payload, true
	}
	ns := aead.NonceSize()
	if len(payload) < ns {
		return nil, false
	}
	opened, err := aead.Open(nil, payload[:ns], payload[ns:], nil)
	if err != nil {
		return nil, false
	}
	return opened, true
}

func (r *Radio) Send(dst radio.MAC, frame []byte) error {
	if len(frame) > r.MTU() {
		return errors.New("udpradio: frame exceeds MTU")
	}
	r.mu.Lock()
	conn := r.conn
	addr := r.dst
	aead := r.seals[dst]
	self := r.mac
	fn := r.sendDone
	r.mu.Unlock()
	if conn == nil {
		return errors.New("udpradio: not open")
	}

	payload := frame
	if aead != nil && !dst.IsBroadcast() {
		nonce := make([]byte, aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return err
		}
		payload = aead.Seal(nonce, nonce, frame, nil)
	}

	pkt := make([]byte, 0, linkHeaderSize+len(payload))
	pkt = append(pkt, dst[:]...)
	pkt = append(pkt, self[:]...)
	pkt = append(pkt, payload...)

	_, err := conn.WriteToUDP(pkt, addr)
	if fn != nil {
		fn(dst, err == nil)
	}
	return err
}
