/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025-2026 EspNowBus Authors. All Rights Reserved.
 */

package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tanakamasayuki/espnowbus/radio"
	"github.com/tanakamasayuki/espnowbus/radio/radiotest"
)

const (
	waitFor = 3 * time.Second
	tick    = 2 * time.Millisecond
)

func radioMAC(b byte) radio.MAC {
	return radio.MAC{b, b, b, b, b, b}
}

// quietConfig disables the periodic machinery so scenarios control all
// traffic themselves.
func quietConfig(group string) Config {
	cfg := DefaultConfig(group)
	cfg.AutoJoinInterval = 0
	cfg.HeartbeatInterval = 0
	return cfg
}

type statusRecorder struct {
	mu     sync.Mutex
	events []SendStatus
}

func (r *statusRecorder) record(mac radio.MAC, status SendStatus) {
	r.mu.Lock()
	r.events = append(r.events, status)
	r.mu.Unlock()
}

func (r *statusRecorder) list() []SendStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SendStatus(nil), r.events...)
}

func (r *statusRecorder) count(status SendStatus) int {
	n := 0
	for _, s := range r.list() {
		if s == status {
			n++
		}
	}
	return n
}

func (r *statusRecorder) contains(status SendStatus) bool {
	return r.count(status) > 0
}

type rxRecord struct {
	src         radio.MAC
	payload     []byte
	wasRetry    bool
	isBroadcast bool
}

type rxRecorder struct {
	mu   sync.Mutex
	recs []rxRecord
}

func (r *rxRecorder) record(src radio.MAC, payload []byte, wasRetry, isBroadcast bool) {
	r.mu.Lock()
	r.recs = append(r.recs, rxRecord{
		src:         src,
		payload:     append([]byte(nil), payload...),
		wasRetry:    wasRetry,
		isBroadcast: isBroadcast,
	})
	r.mu.Unlock()
}

func (r *rxRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recs)
}

func (r *rxRecorder) at(i int) rxRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recs[i]
}

type joinRecord struct {
	mac      radio.MAC
	accepted bool
	isAck    bool
}

type joinRecorder struct {
	mu   sync.Mutex
	recs []joinRecord
}

func (r *joinRecorder) record(mac radio.MAC, accepted, isAck bool) {
	r.mu.Lock()
	r.recs = append(r.recs, joinRecord{mac, accepted, isAck})
	r.mu.Unlock()
}

func (r *joinRecorder) list() []joinRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]joinRecord(nil), r.recs...)
}

func (r *joinRecorder) countOf(rec joinRecord) int {
	n := 0
	for _, got := range r.list() {
		if got == rec {
			n++
		}
	}
	return n
}

type capturedFrame struct {
	src, dst radio.MAC
	frame    []byte
}

type frameCapture struct {
	mu     sync.Mutex
	frames []capturedFrame
}

func (c *frameCapture) observe(src, dst radio.MAC, frame []byte) {
	c.mu.Lock()
	c.frames = append(c.frames, capturedFrame{src, dst, append([]byte(nil), frame...)})
	c.mu.Unlock()
}

func (c *frameCapture) ofType(t packetType, src radio.MAC) []capturedFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []capturedFrame
	for _, f := range c.frames {
		if f.src == src && len(f.frame) > 2 && packetType(f.frame[2]) == t {
			out = append(out, f)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

/* Scenarios */

func TestUnicastWithAppAck(t *testing.T) {
	mesh := radiotest.NewMesh()
	macA, macB := radioMAC(0xA1), radioMAC(0xB1)
	ra, rb := mesh.NewRadio(macA), mesh.NewRadio(macB)
	trace := &frameCapture{}
	mesh.SetObserve(trace.observe)

	a, b := NewBus(ra, nil), NewBus(rb, nil)
	recA := &statusRecorder{}
	a.OnSendResult(recA.record)
	rxB := &rxRecorder{}
	b.OnReceive(rxB.record)
	var ackCount atomic.Int32
	a.OnAppAck(func(mac radio.MAC, msgID uint16) { ackCount.Add(1) })

	require.NoError(t, a.Begin(quietConfig("demo")))
	defer a.End()
	require.NoError(t, b.Begin(quietConfig("demo")))
	defer b.End()

	require.NoError(t, a.SendTo(macB, []byte("hi"), TimeoutForever))
	require.Eventually(t, func() bool { return recA.contains(AppAckReceived) }, waitFor, tick)

	events := recA.list()
	require.ElementsMatch(t, []SendStatus{Queued, SentOk, AppAckReceived}, events)
	require.Equal(t, AppAckReceived, events[len(events)-1])

	require.Equal(t, 1, rxB.count())
	got := rxB.at(0)
	require.Equal(t, macA, got.src)
	require.Equal(t, []byte("hi"), got.payload)
	require.False(t, got.wasRetry)
	require.False(t, got.isBroadcast)

	// exactly one app-ack came back
	require.Len(t, trace.ofType(packetAppAck, macB), 1)
	require.EqualValues(t, 1, ackCount.Load())
}

// A lost app-ack triggers a retry of the data frame. The receiver sees
// the duplicate, suppresses the second callback, but acknowledges
// again so the sender can finish.
func TestDuplicateSuppression(t *testing.T) {
	mesh := radiotest.NewMesh()
	macA, macB := radioMAC(0xA2), radioMAC(0xB2)
	ra, rb := mesh.NewRadio(macA), mesh.NewRadio(macB)
	trace := &frameCapture{}
	mesh.SetObserve(trace.observe)

	var ackDropped atomic.Bool
	mesh.SetDrop(func(src, dst radio.MAC, frame []byte) bool {
		if src == macB && len(frame) > 2 && packetType(frame[2]) == packetAppAck {
			return ackDropped.CompareAndSwap(false, true)
		}
		return false
	})

	a, b := NewBus(ra, nil), NewBus(rb, nil)
	recA := &statusRecorder{}
	a.OnSendResult(recA.record)
	recB := &statusRecorder{}
	b.OnSendResult(recB.record)
	rxB := &rxRecorder{}
	b.OnReceive(rxB.record)

	cfgA := quietConfig("demo")
	cfgA.TxTimeout = 80 * time.Millisecond
	cfgA.MaxRetries = 1
	cfgB := quietConfig("demo")
	cfgB.MaxRetries = 0 // the first ack is simply lost
	require.NoError(t, a.Begin(cfgA))
	defer a.End()
	require.NoError(t, b.Begin(cfgB))
	defer b.End()

	require.NoError(t, a.SendTo(macB, []byte("hi"), TimeoutForever))
	require.Eventually(t, func() bool { return recA.contains(AppAckReceived) }, waitFor, tick)

	require.True(t, recA.contains(Retrying))
	require.Equal(t, 1, rxB.count(), "duplicate must not reach the callback")
	require.False(t, rxB.at(0).wasRetry)

	dataFrames := trace.ofType(packetDataUnicast, macA)
	require.Len(t, dataFrames, 2)
	require.Zero(t, dataFrames[0].frame[3]&flagRetry)
	require.NotZero(t, dataFrames[1].frame[3]&flagRetry)

	// B queued an ack for both copies
	require.Equal(t, 2, recB.count(Queued))
}

func TestBroadcastReplay(t *testing.T) {
	mesh := radiotest.NewMesh()
	macA, macB := radioMAC(0xA3), radioMAC(0xB3)
	ra, rb := mesh.NewRadio(macA), mesh.NewRadio(macB)
	trace := &frameCapture{}
	mesh.SetObserve(trace.observe)

	a, b := NewBus(ra, nil), NewBus(rb, nil)
	rxA := &rxRecorder{}
	a.OnReceive(rxA.record)

	require.NoError(t, a.Begin(quietConfig("demo")))
	defer a.End()
	require.NoError(t, b.Begin(quietConfig("demo")))
	defer b.End()

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, b.Broadcast([]byte(msg), TimeoutForever))
	}
	require.Eventually(t, func() bool { return rxA.count() == 3 }, waitFor, tick)

	for i, want := range []string{"one", "two", "three"} {
		got := rxA.at(i)
		require.Equal(t, []byte(want), got.payload)
		require.True(t, got.isBroadcast)
	}

	// the radio re-injects the middle frame: silently dropped
	bcasts := trace.ofType(packetDataBroadcast, macB)
	require.Len(t, bcasts, 3)
	mesh.Inject(macB, macA, bcasts[1].frame)
	require.Equal(t, 3, rxA.count())
}

func TestHandshake(t *testing.T) {
	mesh := radiotest.NewMesh()
	macA, macB := radioMAC(0xA4), radioMAC(0xB4)
	ra, rb := mesh.NewRadio(macA), mesh.NewRadio(macB)
	trace := &frameCapture{}
	mesh.SetObserve(trace.observe)

	a, b := NewBus(ra, nil), NewBus(rb, nil)
	joinA, joinB := &joinRecorder{}, &joinRecorder{}
	a.OnJoinEvent(joinA.record)
	b.OnJoinEvent(joinB.record)

	require.NoError(t, a.Begin(quietConfig("demo")))
	defer a.End()
	require.NoError(t, b.Begin(quietConfig("demo")))
	defer b.End()

	require.NoError(t, a.SendJoinRequest(radio.Broadcast, TimeoutForever))
	accepted := joinRecord{mac: macB, accepted: true, isAck: true}
	require.Eventually(t, func() bool { return joinA.countOf(accepted) == 1 }, waitFor, tick)

	require.Equal(t, 1, joinB.countOf(joinRecord{mac: macA, accepted: true, isAck: false}))
	require.True(t, a.HasPeer(macB))
	require.True(t, b.HasPeer(macA))

	// a replayed join ack lands after pendingJoin was spent: ignored
	acks := trace.ofType(packetJoinAck, macB)
	require.Len(t, acks, 1)
	mesh.Inject(macB, macA, acks[0].frame)
	require.Equal(t, 1, joinA.countOf(accepted))
	require.Len(t, joinA.list(), 1)
}

// A join ack is accepted iff a join is pending, it targets us, and it
// echoes the pending nonce; anything else mutates no state.
func TestHandshakeFreshness(t *testing.T) {
	mesh := radiotest.NewMesh()
	macA, macB := radioMAC(0xA0), radioMAC(0xB0)
	ra := mesh.NewRadio(macA)

	a := NewBus(ra, nil)
	joinA := &joinRecorder{}
	a.OnJoinEvent(joinA.record)

	require.NoError(t, a.Begin(quietConfig("demo")))
	defer a.End()

	require.NoError(t, a.SendJoinRequest(radio.Broadcast, TimeoutForever))
	a.mu.Lock()
	nonceA := a.pendingNonceA
	a.mu.Unlock()

	keys := DeriveKeys("demo")
	forge := func(ack joinAckPayload) []byte {
		var payload [joinAckSize]byte
		buf := make([]byte, 64)
		n := encodeFrame(buf, packetJoinAck, 1, false, &keys, ack.marshal(payload[:]))
		return buf[:n]
	}

	// wrong nonce: rejected, reported, no peer state
	bad := joinAckPayload{Target: macA}
	copy(bad.NonceA[:], "XXXXXXXX")
	copy(bad.NonceB[:], "YYYYYYYY")
	mesh.Inject(macB, macA, forge(bad))
	require.Equal(t, 1, joinA.countOf(joinRecord{mac: macB, accepted: false, isAck: true}))
	require.False(t, a.HasPeer(macB))

	// wrong target: silently ignored
	other := joinAckPayload{NonceA: nonceA, Target: radioMAC(0xCC)}
	mesh.Inject(macB, macA, forge(other))
	require.Len(t, joinA.list(), 1)
	require.False(t, a.HasPeer(macB))

	// correct nonce and target: accepted, nonceB stored, join spent
	good := joinAckPayload{NonceA: nonceA, Target: macA}
	copy(good.NonceB[:], "BBBBBBBB")
	mesh.Inject(macB, macA, forge(good))
	require.Equal(t, 1, joinA.countOf(joinRecord{mac: macB, accepted: true, isAck: true}))
	require.True(t, a.HasPeer(macB))

	a.mu.Lock()
	require.False(t, a.pendingJoin)
	require.True(t, a.storedNonceBValid)
	require.Equal(t, good.NonceB, a.storedNonceB)
	a.mu.Unlock()

	// replayed good ack after the join is spent: ignored
	mesh.Inject(macB, macA, forge(good))
	require.Len(t, joinA.list(), 2)
}

func TestLivenessEscalationAndTimeout(t *testing.T) {
	mesh := radiotest.NewMesh()
	macA, macB := radioMAC(0xA5), radioMAC(0xB5)
	ra, rb := mesh.NewRadio(macA), mesh.NewRadio(macB)
	trace := &frameCapture{}
	mesh.SetObserve(trace.observe)

	// B exists on the channel but never answers
	require.NoError(t, rb.SetChannel(5))
	require.NoError(t, rb.Open())

	clock := newFakeClock()
	a := NewBus(ra, nil)
	a.timeNow = clock.Now
	joinA := &joinRecorder{}
	a.OnJoinEvent(joinA.record)

	cfg := quietConfig("demo")
	cfg.Channel = 5
	cfg.HeartbeatInterval = time.Second
	require.NoError(t, a.Begin(cfg))
	defer a.End()

	require.NoError(t, a.AddPeer(macB))
	require.True(t, a.HasPeer(macB))

	// 1x heartbeat: ping
	clock.Advance(1050 * time.Millisecond)
	require.Eventually(t, func() bool {
		return len(trace.ofType(packetHeartbeat, macA)) > 0
	}, waitFor, tick)
	ping := trace.ofType(packetHeartbeat, macA)[0]
	require.EqualValues(t, heartbeatPing, ping.frame[headerSize+groupIDSize])

	// 2x heartbeat: targeted join request
	clock.Advance(1050 * time.Millisecond)
	require.Eventually(t, func() bool {
		return len(trace.ofType(packetJoinReq, macA)) > 0
	}, waitFor, tick)
	req, ok := parseJoinReq(trace.ofType(packetJoinReq, macA)[0].frame[headerSize+groupIDSize:])
	require.True(t, ok)
	require.Equal(t, macB, req.Target)

	// 3x heartbeat: evicted with a leave event
	clock.Advance(1050 * time.Millisecond)
	require.Eventually(t, func() bool { return !a.HasPeer(macB) }, waitFor, tick)
	require.Equal(t, 1, joinA.countOf(joinRecord{mac: macB, accepted: false, isAck: false}))
}

func TestQueueOverflow(t *testing.T) {
	mesh := radiotest.NewMesh()
	macA, macB := radioMAC(0xA6), radioMAC(0xB6)
	ra, _ := mesh.NewRadio(macA), mesh.NewRadio(macB)

	// completions never arrive, so the worker stays blocked in flight
	ra.HoldCompletions(true)

	a := NewBus(ra, nil)
	recA := &statusRecorder{}
	a.OnSendResult(recA.record)

	cfg := quietConfig("demo")
	cfg.QueueLength = 4
	cfg.EnableAppAck = false
	require.NoError(t, a.Begin(cfg))
	defer a.End()

	var errs []error
	for i := 0; i < 6; i++ {
		errs = append(errs, a.SendTo(macB, []byte{byte(i)}, 0))
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, errs[i], "send %d", i)
	}
	require.ErrorIs(t, errs[4], ErrQueueFull)
	require.ErrorIs(t, errs[5], ErrQueueFull)
	require.Equal(t, 4, recA.count(Queued))
	require.Equal(t, 2, recA.count(DroppedFull))
}

func TestRetryBound(t *testing.T) {
	mesh := radiotest.NewMesh()
	macA, macB := radioMAC(0xA7), radioMAC(0xB7)
	ra, rb := mesh.NewRadio(macA), mesh.NewRadio(macB)

	var attempts atomic.Int32
	mesh.SetDrop(func(src, dst radio.MAC, frame []byte) bool {
		if src == macA && len(frame) > 2 && packetType(frame[2]) == packetDataUnicast {
			attempts.Add(1)
			return true
		}
		return false
	})

	a, b := NewBus(ra, nil), NewBus(rb, nil)
	recA := &statusRecorder{}
	a.OnSendResult(recA.record)

	cfgA := quietConfig("demo")
	cfgA.MaxRetries = 2
	cfgA.EnableAppAck = false
	require.NoError(t, a.Begin(cfgA))
	defer a.End()
	require.NoError(t, b.Begin(quietConfig("demo")))
	defer b.End()

	require.NoError(t, a.SendTo(macB, []byte("lost"), TimeoutForever))
	require.Eventually(t, func() bool { return recA.contains(SendFailed) }, waitFor, tick)

	// the radio saw the frame exactly 1+MaxRetries times
	require.EqualValues(t, 3, attempts.Load())
	require.ElementsMatch(t, []SendStatus{Queued, Retrying, Retrying, SendFailed}, recA.list())
}

func TestGroupIsolation(t *testing.T) {
	mesh := radiotest.NewMesh()
	macA, macB := radioMAC(0xA8), radioMAC(0xB8)
	ra, rb := mesh.NewRadio(macA), mesh.NewRadio(macB)
	trace := &frameCapture{}
	mesh.SetObserve(trace.observe)

	a, b := NewBus(ra, nil), NewBus(rb, nil)
	rxA := &rxRecorder{}
	a.OnReceive(rxA.record)

	cfgA := quietConfig("alpha")
	cfgA.Channel = 5
	cfgB := quietConfig("beta")
	cfgB.Channel = 5
	require.NoError(t, a.Begin(cfgA))
	defer a.End()
	require.NoError(t, b.Begin(cfgB))
	defer b.End()

	require.NoError(t, b.Broadcast([]byte("wrong group"), TimeoutForever))
	require.Eventually(t, func() bool {
		return len(trace.ofType(packetDataBroadcast, macB)) == 1
	}, waitFor, tick)

	// the frame reached A's radio but failed group verification
	require.Equal(t, 0, rxA.count())
}

func TestLeaveRemovesPeer(t *testing.T) {
	mesh := radiotest.NewMesh()
	macA, macB := radioMAC(0xA9), radioMAC(0xB9)
	ra, rb := mesh.NewRadio(macA), mesh.NewRadio(macB)

	a, b := NewBus(ra, nil), NewBus(rb, nil)
	joinA, joinB := &joinRecorder{}, &joinRecorder{}
	a.OnJoinEvent(joinA.record)
	b.OnJoinEvent(joinB.record)

	require.NoError(t, a.Begin(quietConfig("demo")))
	defer a.End()
	require.NoError(t, b.Begin(quietConfig("demo")))
	defer b.End()

	require.NoError(t, a.AddPeer(macB))
	require.NoError(t, b.SendLeaveRequest(TimeoutForever))

	left := joinRecord{mac: macB, accepted: false, isAck: false}
	require.Eventually(t, func() bool { return joinA.countOf(left) == 1 }, waitFor, tick)
	require.False(t, a.HasPeer(macB))
	// the leaving node reports its own departure locally too
	require.Equal(t, 1, joinB.countOf(left))
}

func TestAutoJoinRendezvous(t *testing.T) {
	mesh := radiotest.NewMesh()
	macA, macB := radioMAC(0xAA), radioMAC(0xBA)
	ra, rb := mesh.NewRadio(macA), mesh.NewRadio(macB)

	a, b := NewBus(ra, nil), NewBus(rb, nil)
	cfg := quietConfig("demo")
	cfg.AutoJoinInterval = 50 * time.Millisecond
	require.NoError(t, a.Begin(cfg))
	defer a.End()
	require.NoError(t, b.Begin(cfg))
	defer b.End()

	require.Eventually(t, func() bool {
		return a.HasPeer(macB) && b.HasPeer(macA)
	}, waitFor, tick)
}

func TestHeartbeatPong(t *testing.T) {
	mesh := radiotest.NewMesh()
	macA, macB := radioMAC(0xAB), radioMAC(0xBB)
	ra, rb := mesh.NewRadio(macA), mesh.NewRadio(macB)
	trace := &frameCapture{}
	mesh.SetObserve(trace.observe)

	clock := newFakeClock()
	a, b := NewBus(ra, nil), NewBus(rb, nil)
	a.timeNow = clock.Now

	cfgA := quietConfig("demo")
	cfgA.HeartbeatInterval = time.Second
	require.NoError(t, a.Begin(cfgA))
	defer a.End()
	require.NoError(t, b.Begin(quietConfig("demo")))
	defer b.End()

	require.NoError(t, a.AddPeer(macB))
	clock.Advance(1050 * time.Millisecond)

	require.Eventually(t, func() bool {
		for _, f := range trace.ofType(packetHeartbeat, macB) {
			if f.frame[headerSize+groupIDSize] == heartbeatPong {
				return true
			}
		}
		return false
	}, waitFor, tick)
}

func TestTooLargeRejected(t *testing.T) {
	mesh := radiotest.NewMesh()
	macA, macB := radioMAC(0xAC), radioMAC(0xBC)
	ra := mesh.NewRadio(macA)

	a := NewBus(ra, nil)
	recA := &statusRecorder{}
	a.OnSendResult(recA.record)

	cfg := quietConfig("demo")
	cfg.MaxPayload = 64
	require.NoError(t, a.Begin(cfg))
	defer a.End()

	require.ErrorIs(t, a.SendTo(macB, make([]byte, 100), TimeoutForever), ErrTooLarge)
	require.ErrorIs(t, a.Broadcast(make([]byte, 64), TimeoutForever), ErrTooLarge)
	require.Equal(t, 2, recA.count(TooLarge))

	// just under the ceiling is fine
	require.NoError(t, a.Broadcast(make([]byte, 64-headerSize-groupIDSize-authTagSize), TimeoutForever))
}

func TestBeginValidation(t *testing.T) {
	mesh := radiotest.NewMesh()
	ra := mesh.NewRadio(radioMAC(0xAD))
	a := NewBus(ra, nil)

	cfg := quietConfig("")
	require.ErrorIs(t, a.Begin(cfg), ErrInvalidConfig)

	cfg = quietConfig("demo")
	cfg.QueueLength = 0
	require.ErrorIs(t, a.Begin(cfg), ErrInvalidConfig)

	cfg = quietConfig("demo")
	cfg.MaxPayload = 0
	require.ErrorIs(t, a.Begin(cfg), ErrInvalidConfig)

	ra.FailOpen(true)
	require.Error(t, a.Begin(quietConfig("demo")))
	ra.FailOpen(false)

	require.NoError(t, a.Begin(quietConfig("demo")))
	require.Error(t, a.Begin(quietConfig("demo")), "second Begin must fail")
	a.End()
	a.End() // idempotent
}

func TestAutoChannelDerivation(t *testing.T) {
	mesh := radiotest.NewMesh()
	ra := mesh.NewRadio(radioMAC(0xAE))
	a := NewBus(ra, nil)

	require.NoError(t, a.Begin(quietConfig("demo")))
	defer a.End()

	// groupId("demo") mod 13 + 1
	want := int(a.GroupID()%13) + 1
	require.Equal(t, want, ra.Channel())
	require.Equal(t, 11, ra.Channel())
}
