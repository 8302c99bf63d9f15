// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"io"
	"math/rand/v2"

	"github.com/hxrts/aura-sub026/lib/digest"
	"github.com/hxrts/aura-sub026/lib/ids"
)

// Rand returns a deterministic byte stream seeded from seed. Not for
// production keys.
func Rand(seed uint64) io.Reader {
	var key [32]byte
	for i := range 4 {
		for j := range 8 {
			key[i*8+j] = byte(seed >> (8 * j))
		}
		key[i*8] ^= byte(i)
	}
	return rand.NewChaCha8(key)
}

// Device derives a stable device id from name.
func Device(name string) ids.DeviceID { return ids.DeriveDeviceID([]byte(name)) }

// Authority derives a stable authority id from name.
func Authority(name string) ids.AuthorityID {
	return ids.AuthorityIDFromEntropy(digest.Sum([]byte(name)))
}

// Context derives a stable context id from name.
func Context(name string) ids.ContextID { return ids.DeriveContextID([]byte(name)) }
