// Package persist models the reference firmware's persistent-RAM block:
// the single owner object that survives across secure API calls (but not
// across a reset), and the ephemeral RAM block wiped just before the
// application launches.
package persist

import (
	"sync"

	"sbm/internal/piem"
	"sbm/internal/sbmcrypto"
	"sbm/pkg/sbmerr"
)

// CachedIAVVCSSize is the fixed size of the persistent-RAM region set
// aside for the cached IAVVCS record, matching the reference firmware's
// persisted-state layout; only piem.IAVVCSSize bytes of it are ever
// meaningful.
const CachedIAVVCSSize = 1024

// SbmPersistent owns every piece of boot-persistent state: the singleton
// chunked-crypto operations, the plaintext PDB buffer, install
// bookkeeping, and the update-slot write cursor. It is constructed once
// during boot and passed by pointer to the orchestrator and, after
// launch, to secure API handlers.
type SbmPersistent struct {
	mu sync.Mutex

	gcm     *sbmcrypto.GCMStream
	gcmBusy bool

	ecies eciesChunkState

	// PlaintextPDB is the decrypted copy of an encrypted provisioned data
	// block, materialized by VerifyAndDecryptPDB and wiped by
	// ClearPlaintextPDB. Nil when the PDB is not encrypted or has not
	// been decrypted yet.
	PlaintextPDB []byte

	LastInstallStatus sbmerr.InstallResult
	LastInstalledUUID [16]byte

	cachedIAVVCS [CachedIAVVCSSize]byte

	// ActiveUpdateSlot is the secure API's currently-selected update
	// slot id, nil when none has been selected via SetActiveUpdateSlot.
	ActiveUpdateSlot *int
	WriteCursor         int64
	WriteSizeRemembered int64
	// WriteOpen is true between a successful UpdateSlotBeginWrite and
	// the matching UpdateSlotEndWrite; SetActiveUpdateSlot clears it to
	// abort any in-progress sequence.
	WriteOpen bool

	// stagingBuffer is the persistent-RAM-owned scratch copy the secure
	// API gate stages an input buffer into on firewall platforms, before
	// dereferencing any pointer field it contains.
	stagingBuffer []byte

	// BootTimeStart/BootTimeTotal are populated only when
	// config.FeatureSet.BootTimeRecording is set; both remain zero
	// otherwise.
	BootTimeStart int64
	BootTimeTotal int64

	// EphemeralRAM is zero-wiped by WipeEphemeral immediately before
	// application launch.
	EphemeralRAM []byte
}

// eciesChunkState wraps a derived ECDH shared secret and the AES key/IV
// split from it, cleared before release per the chunk-state discipline:
// wrap the singleton GCM state, then scrub the secret bytes that derived
// it.
type eciesChunkState struct {
	active bool
	secret [32]byte
	key    [16]byte
	iv     [16]byte
}

// New constructs an SbmPersistent with an ephemeral RAM block of the
// given size.
func New(ephemeralSize int) *SbmPersistent {
	return &SbmPersistent{EphemeralRAM: make([]byte, ephemeralSize)}
}

// BeginGCM starts a chunked AES-GCM operation. A nested call while one is
// already in progress fails without disturbing the existing operation,
// matching the reference firmware's "nested calls fail" singleton rule.
func (p *SbmPersistent) BeginGCM(key, iv [16]byte, aad []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gcmBusy {
		return sbmerr.CommandFailed
	}
	stream, err := sbmcrypto.Begin(key, iv, aad)
	if err != nil {
		return sbmerr.CommandFailed
	}
	p.gcm = stream
	p.gcmBusy = true
	return nil
}

// UpdateGCM feeds the next ciphertext (or plaintext) chunk into the
// in-progress operation.
func (p *SbmPersistent) UpdateGCM(chunk []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.gcmBusy {
		return sbmerr.CommandFailed
	}
	p.gcm.Update(chunk)
	return nil
}

// EndGCM finalizes a decrypt operation against tag, clearing busy
// regardless of outcome so a failed operation cannot wedge the singleton.
func (p *SbmPersistent) EndGCM(tag [16]byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.gcmBusy {
		return nil, sbmerr.CommandFailed
	}
	stream := p.gcm
	p.gcm, p.gcmBusy = nil, false
	plain, err := stream.End(tag)
	if err != nil {
		return nil, sbmerr.CommandFailed
	}
	return plain, nil
}

// EndGCMSeal finalizes an encrypt operation, returning ciphertext and tag.
func (p *SbmPersistent) EndGCMSeal() (ciphertext []byte, tag [16]byte, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.gcmBusy {
		return nil, tag, sbmerr.CommandFailed
	}
	stream := p.gcm
	p.gcm, p.gcmBusy = nil, false
	ciphertext, tag, err = stream.EndSeal()
	if err != nil {
		return nil, tag, sbmerr.CommandFailed
	}
	return ciphertext, tag, nil
}

// GCMBusy reports whether a chunked AES-GCM operation is currently open.
func (p *SbmPersistent) GCMBusy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gcmBusy
}

// BeginECIES derives and stashes the wrap key/IV from an ECDH shared
// secret and keeps its own copy of secret in the chunk state until
// EndECIES clears it; the caller's copy of secret should be discarded
// immediately after this call.
func (p *SbmPersistent) BeginECIES(secret [32]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ecies.active {
		return sbmerr.CommandFailed
	}
	p.ecies.secret = secret
	p.ecies.key, p.ecies.iv = sbmcrypto.ECIESDeriveKeyIV(secret)
	p.ecies.active = true
	return nil
}

// ECIESKeyIV returns the key/IV derived by the in-progress ECIES
// operation.
func (p *SbmPersistent) ECIESKeyIV() (key, iv [16]byte, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ecies.active {
		return key, iv, sbmerr.CommandFailed
	}
	return p.ecies.key, p.ecies.iv, nil
}

// EndECIES clears the derived shared-secret bytes and key/IV before
// releasing the chunk state, per the ECIES wrap discipline.
func (p *SbmPersistent) EndECIES() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ecies = eciesChunkState{}
}

// CachedIAVVCS returns the live backing bytes of the cached IAVVCS
// record (piem.IAVVCSSize meaningful bytes at the front of a
// CachedIAVVCSSize-byte reservation), for WriteIAVVCS/NewIAVVCSView to
// read and write directly.
func (p *SbmPersistent) CachedIAVVCS() []byte { return p.cachedIAVVCS[:piem.IAVVCSSize] }

// WipeEphemeral zero-fills EphemeralRAM. Called immediately before
// application launch, per the ephemeral-state contract.
func (p *SbmPersistent) WipeEphemeral() {
	for i := range p.EphemeralRAM {
		p.EphemeralRAM[i] = 0
	}
}

// StageInput copies data into the persistent staging buffer and returns
// the copy, reusing the backing array across calls the way the reference
// firmware reuses a single staging union. Callers must not retain the
// returned slice past the next StageInput call.
func (p *SbmPersistent) StageInput(data []byte) []byte {
	if cap(p.stagingBuffer) < len(data) {
		p.stagingBuffer = make([]byte, len(data))
	} else {
		p.stagingBuffer = p.stagingBuffer[:len(data)]
	}
	copy(p.stagingBuffer, data)
	return p.stagingBuffer
}

// WipePlaintextPDB zero-fills and releases the plaintext PDB buffer,
// matching pdb.ClearPlaintextPDB's must-call-after-use contract.
func (p *SbmPersistent) WipePlaintextPDB() {
	for i := range p.PlaintextPDB {
		p.PlaintextPDB[i] = 0
	}
	p.PlaintextPDB = nil
}
