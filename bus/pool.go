/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025-2026 EspNowBus Authors. All Rights Reserved.
 */

package bus

import "sync"

// bufferPool is a fixed set of equally sized frame buffers, allocated
// once at Begin. The pool is sized equal to the transmit queue, so a
// full queue implies a full pool. The in-flight frame keeps its buffer
// outside the queue, so a full pool can leave one queue slot free.
type bufferPool struct {
	mu   sync.Mutex
	slab []byte
	busy []bool
	size int
}

func newBufferPool(count, size int) *bufferPool {
	return &bufferPool{
		slab: make([]byte, count*size),
		busy: make([]bool, count),
		size: size,
	}
}

// alloc claims the first free buffer. First-fit linear scan; the pool
// is small enough that this never matters.
func (p *bufferPool) alloc() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.busy {
		if !p.busy[i] {
			p.busy[i] = true
			return i, true
		}
	}
	return 0, false
}

// free releases a buffer. Out-of-range indices are ignored and double
// frees are harmless.
func (p *bufferPool) free(idx int) {
	if idx < 0 || idx >= len(p.busy) {
		return
	}
	p.mu.Lock()
	p.busy[idx] = false
	p.mu.Unlock()
}

// buf returns the byte region of a claimed buffer. The slice aliases
// the slab; it is valid until free(idx).
func (p *bufferPool) buf(idx int) []byte {
	return p.slab[idx*p.size : (idx+1)*p.size]
}

func (p *bufferPool) busyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.busy {
		if b {
			n++
		}
	}
	return n
}
