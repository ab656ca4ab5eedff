/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025-2026 EspNowBus Authors. All Rights Reserved.
 */

package bus

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

// Vectors pinned so that independently developed nodes agree on the
// key schedule byte for byte.
func TestDeriveKeysVectors(t *testing.T) {
	tests := []struct {
		group string
		pmk   string
		lmk   string
		auth  string
		bcast string
		gid   uint32
	}{
		{
			group: "demo",
			pmk:   "6f9d7f646f1c5fbf9e98e41d47490f09",
			lmk:   "c12f648467a888045d24cf6304dcd170",
			auth:  "2bb9d9554e725ae80bef85d2e1fcf043",
			bcast: "0968120bec4cf14e64c7e6d982f8cdc1",
			gid:   0x61d3502a,
		},
		{
			group: "espnowbus",
			pmk:   "da7abd1444fd6ea84be57e38ca0d8758",
			lmk:   "e1e3da9c0e20da5f9bf43203f058916c",
			auth:  "0dc9d98ee8e4a538e8300746af47130f",
			bcast: "f14d7e84efcdd7f5416004f12951761a",
			gid:   0xcc028686,
		},
	}
	for _, tt := range tests {
		keys := DeriveKeys(tt.group)
		require.Equal(t, tt.pmk, hex.EncodeToString(keys.PMK[:]), tt.group)
		require.Equal(t, tt.lmk, hex.EncodeToString(keys.LMK[:]), tt.group)
		require.Equal(t, tt.auth, hex.EncodeToString(keys.AuthKey[:]), tt.group)
		require.Equal(t, tt.bcast, hex.EncodeToString(keys.BcastKey[:]), tt.group)
		require.Equal(t, tt.gid, keys.GroupID, tt.group)
	}
}

func TestDeriveKeysDeterministic(t *testing.T) {
	a := DeriveKeys("sensor-floor-3")
	b := DeriveKeys("sensor-floor-3")
	require.Equal(t, a, b)

	c := DeriveKeys("sensor-floor-4")
	require.NotEqual(t, a.Secret, c.Secret)
	require.NotEqual(t, a.GroupID, c.GroupID)
	require.NotEqual(t, a.AuthKey, c.BcastKey)
}

func TestAuthKeySelection(t *testing.T) {
	keys := DeriveKeys("demo")
	require.Equal(t, keys.BcastKey[:], keys.authKeyFor(packetDataBroadcast))
	for _, typ := range []packetType{packetJoinReq, packetJoinAck, packetHeartbeat, packetAppAck, packetLeave} {
		require.Equal(t, keys.AuthKey[:], keys.authKeyFor(typ))
	}
}
