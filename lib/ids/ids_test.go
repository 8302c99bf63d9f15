// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ids

import (
	"testing"
)

func TestAuthorityFromEntropyIsDeterministic(t *testing.T) {
	var entropy Hash32
	entropy[0] = 0x42

	first := AuthorityIDFromEntropy(entropy)
	second := AuthorityIDFromEntropy(entropy)
	if first != second {
		t.Fatal("same entropy produced different authorities")
	}
	if first == AuthorityID(entropy) {
		t.Error("authority derivation should not be the identity function")
	}

	entropy[0] = 0x43
	if AuthorityIDFromEntropy(entropy) == first {
		t.Error("different entropy produced the same authority")
	}
}

func TestTextRoundTrip(t *testing.T) {
	device := DeriveDeviceID([]byte("device-a"))
	text, err := device.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	var decoded DeviceID
	if err := decoded.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if decoded != device {
		t.Errorf("device round trip: got %s, want %s", decoded, device)
	}

	authority := AuthorityIDFromEntropy(Hash32{1})
	parsed, err := ParseAuthorityID(authority.String())
	if err != nil {
		t.Fatalf("ParseAuthorityID: %v", err)
	}
	if parsed != authority {
		t.Error("authority round trip mismatch")
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	if _, err := ParseHash32("abcd"); err == nil {
		t.Error("short hash accepted")
	}
	if _, err := ParseHash32(string(make([]byte, 64))); err == nil {
		t.Error("non-hex hash accepted")
	}
	if _, err := ParseDeviceID("not-a-uuid"); err == nil {
		t.Error("malformed device id accepted")
	}
}

func TestDerivationDomainsAreSeparate(t *testing.T) {
	seed := []byte("same seed")
	device := DeriveDeviceID(seed)
	account := DeriveAccountID(seed)
	if [16]byte(device) == [16]byte(account) {
		t.Error("device and account derivations collide for the same seed")
	}
}

func TestCompareIsBytewise(t *testing.T) {
	low := DeviceID{0x00, 0xff}
	high := DeviceID{0x01}
	if low.Compare(high) >= 0 || high.Compare(low) <= 0 || low.Compare(low) != 0 {
		t.Error("DeviceID.Compare is not bytewise")
	}
}
