package persist_test

import (
	"bytes"
	"testing"

	"sbm/internal/persist"
	"sbm/pkg/sbmerr"
)

func TestGCMChunkRoundTrip(t *testing.T) {
	t.Log("Test a begin/update/end GCM cycle seals then opens the same plaintext")

	p := persist.New(16)
	var key, iv [16]byte
	copy(key[:], []byte("0123456789abcdef"))
	copy(iv[:], []byte("fedcba9876543210"))

	if err := p.BeginGCM(key, iv, nil); err != nil {
		t.Fatalf("BeginGCM failed: %v", err)
	}
	if err := p.UpdateGCM([]byte("hello, ")); err != nil {
		t.Fatalf("UpdateGCM failed: %v", err)
	}
	if err := p.UpdateGCM([]byte("world")); err != nil {
		t.Fatalf("UpdateGCM failed: %v", err)
	}
	ciphertext, tag, err := p.EndGCMSeal()
	if err != nil {
		t.Fatalf("EndGCMSeal failed: %v", err)
	}
	if p.GCMBusy() {
		t.Fatalf("expected busy flag cleared after EndGCMSeal")
	}

	if err := p.BeginGCM(key, iv, nil); err != nil {
		t.Fatalf("BeginGCM (decrypt) failed: %v", err)
	}
	if err := p.UpdateGCM(ciphertext); err != nil {
		t.Fatalf("UpdateGCM (decrypt) failed: %v", err)
	}
	plain, err := p.EndGCM(tag)
	if err != nil {
		t.Fatalf("EndGCM failed: %v", err)
	}
	if !bytes.Equal(plain, []byte("hello, world")) {
		t.Fatalf("expected round-tripped plaintext, got %q", plain)
	}
}

func TestNestedBeginGCMFails(t *testing.T) {
	t.Log("Test a nested BeginGCM call fails without disturbing the open operation")

	p := persist.New(0)
	var key, iv [16]byte
	if err := p.BeginGCM(key, iv, nil); err != nil {
		t.Fatalf("BeginGCM failed: %v", err)
	}
	if err := p.BeginGCM(key, iv, nil); err != sbmerr.CommandFailed {
		t.Fatalf("expected CommandFailed on nested begin, got %v", err)
	}
	if !p.GCMBusy() {
		t.Fatalf("expected the first operation to remain open")
	}
}

func TestEndGCMWithoutBeginFails(t *testing.T) {
	t.Log("Test EndGCM without a prior BeginGCM fails cleanly")

	p := persist.New(0)
	if _, err := p.EndGCM([16]byte{}); err != sbmerr.CommandFailed {
		t.Fatalf("expected CommandFailed, got %v", err)
	}
}

func TestECIESChunkStateDerivesKeyIVAndClears(t *testing.T) {
	t.Log("Test BeginECIES derives a key/iv and EndECIES scrubs it")

	p := persist.New(0)
	var secret [32]byte
	copy(secret[:], []byte("0123456789abcdef0123456789abcdef"))

	if err := p.BeginECIES(secret); err != nil {
		t.Fatalf("BeginECIES failed: %v", err)
	}
	key, iv, err := p.ECIESKeyIV()
	if err != nil {
		t.Fatalf("ECIESKeyIV failed: %v", err)
	}
	if !bytes.Equal(key[:], secret[:16]) || !bytes.Equal(iv[:], secret[16:]) {
		t.Fatalf("unexpected key/iv split")
	}

	p.EndECIES()
	if _, _, err := p.ECIESKeyIV(); err != sbmerr.CommandFailed {
		t.Fatalf("expected ECIESKeyIV to fail after EndECIES, got %v", err)
	}
}

func TestWipeEphemeralZeroesBuffer(t *testing.T) {
	t.Log("Test WipeEphemeral zero-fills the ephemeral RAM block")

	p := persist.New(8)
	copy(p.EphemeralRAM, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	p.WipeEphemeral()
	for i, b := range p.EphemeralRAM {
		if b != 0 {
			t.Fatalf("byte %d not wiped: %#x", i, b)
		}
	}
}

func TestWipePlaintextPDBZeroesAndReleases(t *testing.T) {
	t.Log("Test WipePlaintextPDB zero-fills then releases the plaintext buffer")

	p := persist.New(0)
	p.PlaintextPDB = []byte{1, 2, 3}
	buf := p.PlaintextPDB
	p.WipePlaintextPDB()
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d not wiped: %#x", i, b)
		}
	}
	if p.PlaintextPDB != nil {
		t.Fatalf("expected PlaintextPDB released")
	}
}

func TestCachedIAVVCSIsLiveBackingSlice(t *testing.T) {
	t.Log("Test CachedIAVVCS exposes a live view, not a copy, of the persistent buffer")

	p := persist.New(0)
	view := p.CachedIAVVCS()
	view[0] = 0xAB
	if p.CachedIAVVCS()[0] != 0xAB {
		t.Fatalf("expected mutation through CachedIAVVCS to persist")
	}
}
