/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025-2026 EspNowBus Authors. All Rights Reserved.
 */

// Package bus implements an authenticated, group-scoped message bus on
// top of a connectionless radio datagram transport. Nodes that share a
// group name derive the same key material, prove membership through a
// nonce handshake, and exchange reliable unicast and replay-protected
// broadcast frames.
package bus

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tanakamasayuki/espnowbus/radio"
)

// Timeout sentinels for the enqueue operations. Any other value is the
// literal time a producer may block waiting for queue space; 0 means
// fail immediately when the queue is full.
const (
	TimeoutDefault time.Duration = -1
	TimeoutForever time.Duration = math.MaxInt64
)

var (
	ErrInvalidConfig = errors.New("bus: invalid configuration")
	ErrClosed        = errors.New("bus: not running")
	ErrTooLarge      = errors.New("bus: framed payload exceeds ceiling")
	ErrQueueFull     = errors.New("bus: transmit queue full")
	ErrPeerTableFull = errors.New("bus: peer table full")
)

// Config is read at Begin and immutable afterwards.
type Config struct {
	// GroupName seeds every derived key and the group id. Required.
	GroupName string

	// UseEncryption enables the transport's link-layer encryption,
	// keyed by the derived PMK/LMK.
	UseEncryption bool

	// EnableAppAck makes unicast data frames request an
	// application-level acknowledgement, and makes this node
	// acknowledge unicast data it receives.
	EnableAppAck bool

	// Channel -1 derives the channel from the group id; explicit
	// values are clipped to 1..13.
	Channel int

	Rate radio.PhyRate

	// QueueLength bounds the transmit queue and sizes the buffer
	// pool.
	QueueLength int

	// MaxPayload is the largest framed size handed to the radio,
	// clamped to the radio MTU and the protocol floor.
	MaxPayload int

	// SendTimeout is how long enqueue blocks when TimeoutDefault is
	// passed.
	SendTimeout time.Duration

	MaxRetries int
	RetryDelay time.Duration

	// TxTimeout bounds both the wait for physical completion and
	// the wait for an application ack, per attempt.
	TxTimeout time.Duration

	// AutoJoinInterval > 0 broadcasts a join request periodically;
	// the first fires immediately after Begin.
	AutoJoinInterval time.Duration

	// HeartbeatInterval drives the liveness ladder: ping at 1x,
	// targeted rejoin at 2x, eviction at 3x. 0 disables liveness.
	HeartbeatInterval time.Duration

	// ReplayWindow is the broadcast replay window in sequence
	// numbers, clipped to 32. 0 disables broadcast replay
	// filtering.
	ReplayWindow int
}

// DefaultConfig returns the configuration a typical sensor-mesh node
// runs with.
func DefaultConfig(groupName string) Config {
	return Config{
		GroupName:         groupName,
		UseEncryption:     true,
		EnableAppAck:      true,
		Channel:           -1,
		Rate:              radio.Rate1M,
		QueueLength:       16,
		MaxPayload:        1470,
		SendTimeout:       50 * time.Millisecond,
		MaxRetries:        1,
		RetryDelay:        0,
		TxTimeout:         120 * time.Millisecond,
		AutoJoinInterval:  15 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		ReplayWindow:      16,
	}
}

// Callback types. Payload slices are only valid for the duration of
// the call. Callbacks run on the worker or driver goroutine and must
// not call back into blocking bus operations.
type (
	ReceiveFunc    func(src radio.MAC, payload []byte, wasRetry, isBroadcast bool)
	SendResultFunc func(mac radio.MAC, status SendStatus)
	AppAckFunc     func(mac radio.MAC, msgID uint16)
	JoinEventFunc  func(mac radio.MAC, accepted, isAck bool)
)

// txItem is one transmit descriptor. It owns exactly one pool buffer
// from enqueue until the scheduler retires it; only the scheduler
// frees the buffer of a dequeued item.
type txItem struct {
	bufferIndex int
	length      int
	id          uint16 // msgId or seq, by packet type
	dest        radio.MAC
	pktType     packetType
	isRetry     bool
	expectAck   bool
}

type ackEvent struct {
	mac   radio.MAC
	msgID uint16
}

// A Bus is one node's protocol engine. Create with NewBus, start with
// Begin, stop with End. Begin/End pairs must not overlap; the radio
// callbacks belong to at most one running bus.
type Bus struct {
	radio radio.Radio
	log   *Logger

	running atomic.Bool

	// set once in Begin, read-only while running
	cfg  Config
	keys DerivedKeys
	self radio.MAC

	// mu guards the peer table, the sender-window table, the
	// pending-join state, and the counters. It is never held across
	// a radio call.
	mu sync.Mutex

	peers   peerTable
	senders senderTable

	pendingJoin       bool
	pendingNonceA     [nonceSize]byte
	storedNonceB      [nonceSize]byte
	storedNonceBValid bool

	msgCounter   uint16
	broadcastSeq uint16

	pool  *bufferPool
	queue chan txItem

	notify sendSignal
	acks   chan ackEvent
	stop   chan struct{}
	done   sync.WaitGroup

	// maintenance clocks, owned by the worker
	lastAutoJoin time.Time
	lastReseed   time.Time

	onReceive    ReceiveFunc
	onSendResult SendResultFunc
	onAppAck     AppAckFunc
	onJoinEvent  JoinEventFunc

	timeNow func() time.Time // test hook
}

// NewBus wraps a radio in an idle bus. A nil logger is silent.
func NewBus(r radio.Radio, logger *Logger) *Bus {
	l := &Logger{DiscardLogf, DiscardLogf}
	if logger != nil {
		if logger.Verbosef != nil {
			l.Verbosef = logger.Verbosef
		}
		if logger.Errorf != nil {
			l.Errorf = logger.Errorf
		}
	}
	return &Bus{
		radio:   r,
		log:     l,
		notify:  newSendSignal(),
		timeNow: time.Now,
	}
}

/* Callback registration. Set before Begin; slots are read-only while
 * the bus runs. */

func (bus *Bus) OnReceive(fn ReceiveFunc)       { bus.onReceive = fn }
func (bus *Bus) OnSendResult(fn SendResultFunc) { bus.onSendResult = fn }
func (bus *Bus) OnAppAck(fn AppAckFunc)         { bus.onAppAck = fn }
func (bus *Bus) OnJoinEvent(fn JoinEventFunc)   { bus.onJoinEvent = fn }

func (bus *Bus) report(mac radio.MAC, status SendStatus) {
	if bus.onSendResult != nil {
		bus.onSendResult(mac, status)
	}
}

func (bus *Bus) joinEvent(mac radio.MAC, accepted, isAck bool) {
	if bus.onJoinEvent != nil {
		bus.onJoinEvent(mac, accepted, isAck)
	}
}

// Begin derives keys, configures the radio, allocates the pool and
// queue, and starts the transmit worker. On any failure everything is
// undone and the error returned.
func (bus *Bus) Begin(cfg Config) error {
	if bus.running.Load() {
		return errors.New("bus: already running")
	}
	if cfg.GroupName == "" || cfg.QueueLength <= 0 || cfg.MaxPayload <= 0 {
		return ErrInvalidConfig
	}

	bus.keys = DeriveKeys(cfg.GroupName)

	if cfg.Channel == -1 {
		cfg.Channel = int(bus.keys.GroupID%13) + 1
		bus.log.Verbosef("auto channel -> %d", cfg.Channel)
	} else if cfg.Channel < 1 {
		cfg.Channel = 1
	} else if cfg.Channel > 13 {
		cfg.Channel = 13
	}
	if cfg.ReplayWindow > 32 {
		cfg.ReplayWindow = 32
	}

	if err := bus.radio.Open(); err != nil {
		return fmt.Errorf("bus: radio open: %w", err)
	}
	bus.self = bus.radio.OwnAddress()

	if mtu := bus.radio.MTU(); cfg.MaxPayload > mtu {
		bus.log.Verbosef("maxPayload clipped to radio MTU %d", mtu)
		cfg.MaxPayload = mtu
	}
	if cfg.MaxPayload < protocolFloor {
		cfg.MaxPayload = protocolFloor
	}

	if err := bus.radio.SetChannel(cfg.Channel); err != nil {
		bus.log.Errorf("set channel %d failed: %v", cfg.Channel, err)
	}
	if err := bus.radio.SetRate(cfg.Rate); err != nil {
		bus.log.Errorf("set phy rate %d failed: %v", cfg.Rate, err)
	}
	if cfg.UseEncryption {
		if err := bus.radio.SetPMK(bus.keys.PMK); err != nil {
			bus.radio.Close()
			return fmt.Errorf("bus: set pmk: %w", err)
		}
	}
	if err := bus.radio.AddPeer(radio.Broadcast, nil); err != nil {
		bus.radio.Close()
		return fmt.Errorf("bus: register broadcast peer: %w", err)
	}

	// counters start at a random point and are reseeded hourly,
	// bounding how much sequence history an observer can collect
	var seed [4]byte
	if _, err := rand.Read(seed[:]); err != nil {
		bus.radio.Close()
		return fmt.Errorf("bus: seed counters: %w", err)
	}
	bus.msgCounter = binary.LittleEndian.Uint16(seed[0:2])
	bus.broadcastSeq = binary.LittleEndian.Uint16(seed[2:4])

	bus.cfg = cfg
	bus.pool = newBufferPool(cfg.QueueLength, cfg.MaxPayload)
	bus.queue = make(chan txItem, cfg.QueueLength)
	bus.acks = make(chan ackEvent, cfg.QueueLength)
	bus.stop = make(chan struct{})
	bus.notify.clear()

	bus.peers = peerTable{}
	bus.senders = senderTable{}
	bus.pendingJoin = false
	bus.storedNonceBValid = false

	now := bus.timeNow()
	bus.lastReseed = now
	// prime auto-join so the first maintenance pass fires it
	bus.lastAutoJoin = now.Add(-cfg.AutoJoinInterval)

	bus.radio.SetSendDone(bus.handleSendDone)
	bus.radio.SetReceive(bus.handleFrame)

	bus.running.Store(true)
	bus.done.Add(1)
	go bus.routineTransmit()

	bus.log.Verbosef("begin success (enc=%v, queue=%d, payload=%d, ch=%d, self=%v)",
		cfg.UseEncryption, cfg.QueueLength, cfg.MaxPayload, cfg.Channel, bus.self)
	return nil
}

// BeginGroup is the short form of Begin for the common case.
func (bus *Bus) BeginGroup(groupName string, useEncryption bool, queueLength int) error {
	cfg := DefaultConfig(groupName)
	cfg.UseEncryption = useEncryption
	cfg.QueueLength = queueLength
	return bus.Begin(cfg)
}

// End is a hard shutdown: the worker is stopped, the queue drained,
// buffers freed, and the radio callbacks unregistered, in that order.
func (bus *Bus) End() {
	if !bus.running.Swap(false) {
		return
	}
	close(bus.stop)
	bus.done.Wait()

	// drain descriptors that never reached the scheduler
	for drained := false; !drained; {
		select {
		case item := <-bus.queue:
			bus.pool.free(item.bufferIndex)
		default:
			drained = true
		}
	}
	bus.radio.SetSendDone(nil)
	bus.radio.SetReceive(nil)
	if err := bus.radio.Close(); err != nil {
		bus.log.Errorf("radio close: %v", err)
	}
	bus.log.Verbosef("end complete")
}

// SelfAddress reports the local MAC. Valid after Begin.
func (bus *Bus) SelfAddress() radio.MAC {
	return bus.self
}

// GroupID reports the derived 32-bit group tag. Valid after Begin.
func (bus *Bus) GroupID() uint32 {
	return bus.keys.GroupID
}

/* Send surface */

// SendTo queues one unicast data frame.
func (bus *Bus) SendTo(mac radio.MAC, data []byte, timeout time.Duration) error {
	return bus.enqueue(mac, packetDataUnicast, data, timeout)
}

// Broadcast queues one authenticated broadcast data frame.
func (bus *Bus) Broadcast(data []byte, timeout time.Duration) error {
	return bus.enqueue(radio.Broadcast, packetDataBroadcast, data, timeout)
}

// SendToAllPeers unicasts data to every known peer. The first enqueue
// failure is returned, but all peers are attempted.
func (bus *Bus) SendToAllPeers(data []byte, timeout time.Duration) error {
	bus.mu.Lock()
	macs := bus.peers.macs()
	bus.mu.Unlock()
	var firstErr error
	for _, mac := range macs {
		if err := bus.SendTo(mac, data, timeout); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SendJoinRequest broadcasts a join request. target narrows which node
// should answer; radio.Broadcast invites anyone. The previous
// responder nonce, when known, rides along as a continuity token.
func (bus *Bus) SendJoinRequest(target radio.MAC, timeout time.Duration) error {
	var req joinReqPayload
	if _, err := rand.Read(req.NonceA[:]); err != nil {
		return fmt.Errorf("bus: join nonce: %w", err)
	}
	req.Target = target

	bus.mu.Lock()
	bus.pendingNonceA = req.NonceA
	bus.pendingJoin = true
	if bus.storedNonceBValid {
		req.PrevToken = bus.storedNonceB
	}
	bus.mu.Unlock()

	var buf [joinReqSize]byte
	bus.log.Verbosef("join request -> %v", target)
	return bus.enqueue(radio.Broadcast, packetJoinReq, req.marshal(buf[:]), timeout)
}

// SendLeaveRequest announces departure from the group. The local join
// event callback fires with (self, false, false) once the frame is
// queued.
func (bus *Bus) SendLeaveRequest(timeout time.Duration) error {
	var buf [leaveSize]byte
	err := bus.enqueue(radio.Broadcast, packetLeave, marshalLeave(buf[:], bus.self), timeout)
	if err == nil {
		bus.joinEvent(bus.self, false, false)
	}
	return err
}

/* Peer management */

// AddPeer registers a peer explicitly, both in the table and with the
// radio (with the derived LMK when encryption is on).
func (bus *Bus) AddPeer(mac radio.MAC) error {
	if !bus.running.Load() {
		return ErrClosed
	}
	bus.mu.Lock()
	p, fresh := bus.peers.ensure(mac, bus.timeNow())
	bus.mu.Unlock()
	if p == nil {
		return ErrPeerTableFull
	}
	if err := bus.registerRadioPeer(mac); err != nil {
		if fresh {
			bus.mu.Lock()
			bus.peers.remove(mac)
			bus.mu.Unlock()
		}
		return err
	}
	return nil
}

// InitPeers bulk-registers a static peer list.
func (bus *Bus) InitPeers(macs []radio.MAC) error {
	var firstErr error
	for _, mac := range macs {
		if err := bus.AddPeer(mac); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (bus *Bus) RemovePeer(mac radio.MAC) {
	bus.mu.Lock()
	bus.peers.remove(mac)
	bus.mu.Unlock()
	if err := bus.radio.RemovePeer(mac); err != nil {
		bus.log.Verbosef("radio remove peer %v: %v", mac, err)
	}
}

func (bus *Bus) HasPeer(mac radio.MAC) bool {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	return bus.peers.find(mac) != nil
}

func (bus *Bus) PeerCount() int {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	return bus.peers.count()
}

// Peer reports the MAC of the index-th known peer, for enumeration.
func (bus *Bus) Peer(index int) (radio.MAC, bool) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	return bus.peers.at(index)
}

/* Queue introspection */

func (bus *Bus) SendQueueFree() int {
	if bus.queue == nil {
		return 0
	}
	return cap(bus.queue) - len(bus.queue)
}

func (bus *Bus) SendQueueSize() int {
	if bus.queue == nil {
		return 0
	}
	return len(bus.queue)
}

/* Internal */

// registerRadioPeer mirrors a table entry into the radio, keying the
// link when encryption is on. Never called with bus.mu held.
func (bus *Bus) registerRadioPeer(mac radio.MAC) error {
	var lmk *[16]byte
	if bus.cfg.UseEncryption {
		key := bus.keys.LMK
		lmk = &key
	}
	if err := bus.radio.AddPeer(mac, lmk); err != nil {
		return fmt.Errorf("bus: radio add peer %v: %w", mac, err)
	}
	return nil
}

// enqueue frames a payload into a pool buffer and hands the descriptor
// to the transmit queue, honoring the producer timeout.
func (bus *Bus) enqueue(dest radio.MAC, t packetType, payload []byte, timeout time.Duration) error {
	if !bus.running.Load() {
		return ErrClosed
	}
	if framedSize(t, len(payload)) > bus.cfg.MaxPayload {
		bus.log.Errorf("payload too large (%d > %d)", framedSize(t, len(payload)), bus.cfg.MaxPayload)
		bus.report(dest, TooLarge)
		return ErrTooLarge
	}
	if timeout == TimeoutDefault {
		timeout = bus.cfg.SendTimeout
	}
	// The pool is as large as the queue, so a full queue shows up
	// here first: wait for a free buffer within the producer timeout.
	idx, ok := bus.pool.alloc()
	for start := time.Now(); !ok && timeout > 0 && time.Since(start) < timeout; {
		select {
		case <-bus.stop:
			return ErrClosed
		case <-time.After(time.Millisecond):
		}
		idx, ok = bus.pool.alloc()
	}
	if !ok {
		bus.log.Verbosef("queue full: drop %v to %v", t, dest)
		bus.report(dest, DroppedFull)
		return ErrQueueFull
	}

	bus.mu.Lock()
	var id uint16
	if t.usesSeq() {
		bus.broadcastSeq++
		id = bus.broadcastSeq
	} else {
		bus.msgCounter++
		id = bus.msgCounter
	}
	bus.mu.Unlock()

	item := txItem{
		bufferIndex: idx,
		id:          id,
		dest:        dest,
		pktType:     t,
		expectAck:   bus.cfg.EnableAppAck && t == packetDataUnicast,
	}
	item.length = encodeFrame(bus.pool.buf(idx), t, id, false, &bus.keys, payload)

	switch {
	case timeout == TimeoutForever:
		select {
		case bus.queue <- item:
		case <-bus.stop:
			bus.pool.free(idx)
			return ErrClosed
		}
	case timeout <= 0:
		select {
		case bus.queue <- item:
		default:
			bus.pool.free(idx)
			bus.report(dest, DroppedFull)
			return ErrQueueFull
		}
	default:
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case bus.queue <- item:
		case <-timer.C:
			bus.pool.free(idx)
			bus.report(dest, DroppedFull)
			return ErrQueueFull
		case <-bus.stop:
			bus.pool.free(idx)
			return ErrClosed
		}
	}
	bus.report(dest, Queued)
	return nil
}
