/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025-2026 EspNowBus Authors. All Rights Reserved.
 */

package bus

import (
	"time"

	"github.com/tanakamasayuki/espnowbus/radio"
)

/* Transmit flow
 *
 * 1. enqueue: frame into a pool buffer, descriptor into the queue
 * 2. worker: dequeue, hand to the radio, await completion
 * 3. retry ladder on failure or deadline
 * 4. optional wait for the application-level ack
 *
 * Exactly one frame is in flight at a time. That invariant is what
 * makes retry accounting, ack matching, and buffer ownership provable:
 * only the worker frees the buffer of a dequeued descriptor.
 */

// txState is the worker's view of the in-flight frame. Owned by the
// worker goroutine exclusively.
type txState struct {
	item        txItem
	inFlight    bool
	awaitingAck bool
	retries     int
	deadline    time.Time
}

// handleSendDone is the radio's send-complete callback. Driver
// context: hand the status to the worker and get out.
func (bus *Bus) handleSendDone(mac radio.MAC, ok bool) {
	bus.notify.put(ok)
}

func (bus *Bus) routineTransmit() {
	defer bus.done.Done()
	bus.log.Verbosef("Routine: transmit - started")
	defer bus.log.Verbosef("Routine: transmit - stopped")

	var st txState
	for {
		select {
		case <-bus.stop:
			if st.inFlight {
				bus.pool.free(st.item.bufferIndex)
			}
			return
		default:
		}

		bus.runMaintenance(bus.timeNow())

		if !st.inFlight {
			idle := time.NewTimer(idleQueuePoll)
			select {
			case <-bus.stop:
				idle.Stop()
				return
			case item := <-bus.queue:
				idle.Stop()
				bus.dispatch(&st, item)
			case <-idle.C:
			}
			continue
		}

		wait := st.deadline.Sub(bus.timeNow())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-bus.stop:
			timer.Stop()
			bus.pool.free(st.item.bufferIndex)
			return
		case ok := <-bus.notify.c:
			timer.Stop()
			bus.completePhysical(&st, ok)
		case ev := <-bus.acks:
			timer.Stop()
			bus.completeAck(&st, ev)
		case <-timer.C:
			bus.retryOrRetire(&st, true)
		}
	}
}

// dispatch moves a descriptor from the queue into flight.
func (bus *Bus) dispatch(st *txState, item txItem) {
	st.item = item
	st.inFlight = true
	st.awaitingAck = false
	st.retries = 0
	bus.notify.clear()
	if err := bus.startSend(&st.item); err != nil {
		bus.log.Errorf("send %v to %v: %v", item.pktType, item.dest, err)
		bus.retryOrRetire(st, false)
		return
	}
	st.deadline = bus.timeNow().Add(bus.cfg.TxTimeout)
}

// startSend writes the retry flag, reseals authenticated frames (the
// flag byte is part of the tag input), and hands the frame to the
// radio. An error here is a physical send failure.
func (bus *Bus) startSend(item *txItem) error {
	frame := bus.pool.buf(item.bufferIndex)[:item.length]
	if item.isRetry {
		frame[3] |= flagRetry
		sealFrame(frame, item.pktType, &bus.keys)
	}
	return bus.radio.Send(item.dest, frame)
}

// completePhysical handles the radio's completion status for the
// in-flight frame.
func (bus *Bus) completePhysical(st *txState, ok bool) {
	if !st.inFlight {
		return
	}
	if !ok {
		bus.retryOrRetire(st, false)
		return
	}
	if st.item.expectAck {
		// physical success; stay in flight until the matching
		// app-ack arrives or the ack deadline expires
		if !st.awaitingAck {
			st.awaitingAck = true
			bus.report(st.item.dest, SentOk)
		}
		st.deadline = bus.timeNow().Add(bus.cfg.TxTimeout)
		return
	}
	bus.report(st.item.dest, SentOk)
	bus.retire(st)
}

// completeAck retires the in-flight frame when a matching application
// ack arrives. The msgId is authoritative; the source MAC is
// informational.
func (bus *Bus) completeAck(st *txState, ev ackEvent) {
	if !st.inFlight || !st.item.expectAck || ev.msgID != st.item.id {
		bus.log.Verbosef("app-ack late or unmatched msgId=%d from %v", ev.msgID, ev.mac)
		return
	}
	if !st.awaitingAck {
		// the ack can only exist if the frame was delivered, so it
		// may overtake the driver's completion notification
		bus.report(st.item.dest, SentOk)
	}
	bus.report(ev.mac, AppAckReceived)
	bus.retire(st)
}

// retryOrRetire advances the retry ladder after a physical failure, a
// physical timeout, or an expired ack deadline. The radio is called at
// most 1+MaxRetries times per descriptor.
func (bus *Bus) retryOrRetire(st *txState, timedOut bool) {
	if !st.inFlight {
		return
	}
	for st.retries < bus.cfg.MaxRetries {
		st.retries++
		st.item.isRetry = true
		if bus.cfg.RetryDelay > 0 {
			time.Sleep(bus.cfg.RetryDelay)
		}
		err := bus.startSend(&st.item)
		bus.report(st.item.dest, Retrying)
		if err == nil {
			st.deadline = bus.timeNow().Add(bus.cfg.TxTimeout)
			return
		}
		bus.log.Errorf("retry send to %v: %v", st.item.dest, err)
	}
	status := SendFailed
	switch {
	case st.awaitingAck:
		status = AppAckTimeout
	case timedOut:
		status = Timeout
	}
	bus.log.Verbosef("send to %v retired: %v", st.item.dest, status)
	bus.report(st.item.dest, status)
	bus.retire(st)
}

// retire releases the in-flight buffer and resets the worker state.
func (bus *Bus) retire(st *txState) {
	bus.pool.free(st.item.bufferIndex)
	st.inFlight = false
	st.awaitingAck = false
	st.retries = 0
	bus.notify.clear()
}
