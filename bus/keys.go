/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025-2026 EspNowBus Authors. All Rights Reserved.
 */

package bus

import (
	"crypto/sha256"
	"encoding/binary"
)

// DerivedKeys holds every secret expanded from a group name. Two nodes
// configured with the same group name derive identical keys and group
// id, which is the entire onboarding story: whoever knows the name is
// in the group.
type DerivedKeys struct {
	Secret   [32]byte // SHA-256(group name)
	PMK      [16]byte // link-layer primary master key
	LMK      [16]byte // link-layer per-peer key
	AuthKey  [16]byte // HMAC key for control frames
	BcastKey [16]byte // HMAC key for broadcast data frames
	GroupID  uint32   // public group tag, little-endian from label "gid"
}

func deriveLabel(label string, secret []byte, out []byte) {
	h := sha256.New()
	h.Write([]byte(label))
	h.Write(secret)
	copy(out, h.Sum(nil))
}

// DeriveKeys expands a group name into the bus key set. It is a pure
// function: no randomness, no state.
func DeriveKeys(groupName string) DerivedKeys {
	var keys DerivedKeys
	keys.Secret = sha256.Sum256([]byte(groupName))
	deriveLabel("pmk", keys.Secret[:], keys.PMK[:])
	deriveLabel("lmk", keys.Secret[:], keys.LMK[:])
	deriveLabel("auth", keys.Secret[:], keys.AuthKey[:])
	deriveLabel("bcast", keys.Secret[:], keys.BcastKey[:])
	var gid [4]byte
	deriveLabel("gid", keys.Secret[:], gid[:])
	keys.GroupID = binary.LittleEndian.Uint32(gid[:])
	return keys
}

// authKeyFor selects the HMAC key for an authenticated packet type.
func (keys *DerivedKeys) authKeyFor(t packetType) []byte {
	if t == packetDataBroadcast {
		return keys.BcastKey[:]
	}
	return keys.AuthKey[:]
}
