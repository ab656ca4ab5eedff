/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025-2026 EspNowBus Authors. All Rights Reserved.
 */

package bus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferPoolExhaustion(t *testing.T) {
	p := newBufferPool(4, 32)

	seen := map[int]bool{}
	for i := 0; i < 4; i++ {
		idx, ok := p.alloc()
		require.True(t, ok)
		require.False(t, seen[idx], "index handed out twice")
		require.Len(t, p.buf(idx), 32)
		seen[idx] = true
	}
	require.Equal(t, 4, p.busyCount())

	_, ok := p.alloc()
	require.False(t, ok, "full pool must refuse")

	p.free(2)
	require.Equal(t, 3, p.busyCount())
	idx, ok := p.alloc()
	require.True(t, ok)
	require.Equal(t, 2, idx, "first-fit returns the freed slot")
}

func TestBufferPoolFreeIsSafe(t *testing.T) {
	p := newBufferPool(2, 16)
	idx, ok := p.alloc()
	require.True(t, ok)

	// double free and out-of-range frees must be harmless
	p.free(idx)
	p.free(idx)
	p.free(-1)
	p.free(99)
	require.Equal(t, 0, p.busyCount())

	a, _ := p.alloc()
	b, _ := p.alloc()
	require.NotEqual(t, a, b)
}

func TestBufferPoolRegionsDisjoint(t *testing.T) {
	p := newBufferPool(3, 8)
	a, _ := p.alloc()
	b, _ := p.alloc()
	for i := range p.buf(a) {
		p.buf(a)[i] = 0xAA
	}
	for _, v := range p.buf(b) {
		require.EqualValues(t, 0, v)
	}
}
