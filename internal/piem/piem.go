// Package piem implements the Permanently Installed Executable Module
// layout and the verification chain that confirms an image staged in
// the exec slot matches the header/footer recorded at install time.
//
// Field offsets are taken from the reference firmware's pie_module_t /
// pie_module_footer_t / pie_module_sbm_exec_info_t structures, since the
// distilled specification describes the fields but not their exact byte
// layout.
package piem

import (
	"encoding/binary"

	"sbm/internal/sbmcrypto"
	"sbm/pkg/sbmerr"

	"github.com/google/uuid"
)

// HeaderSize is the fixed size of a PIEM header (pie_module_t.header
// padded to PIEM_IMAGE_OFFSET). The image body starts here.
const HeaderSize = 1024

// ExpectedModuleStatus is the required value of Header.ModuleStatus.
const ExpectedModuleStatus uint32 = 0x5555AAAA

// Header field byte offsets within the fixed HeaderSize block.
const (
	offModuleStatus  = 0x00
	offFooterOffset  = 0x04
	offHeaderRandom  = 0x08
	offFieldPresence = 0x0c
	offNumSignatures = 0x0d
	offFooterLength  = 0x0e
	offSbmExecInfo   = 0x10
)

// FieldPresenceReservedMask is the set of reserved field_presence bits
// that must be zero.
const FieldPresenceReservedMask uint8 = 0xF8

// HeaderView is a read-only typed view over a PIEM header.
type HeaderView struct{ b []byte }

// NewHeaderView wraps a HeaderSize-byte slice.
func NewHeaderView(b []byte) HeaderView { return HeaderView{b[:HeaderSize]} }

func (h HeaderView) ModuleStatus() uint32  { return binary.LittleEndian.Uint32(h.b[offModuleStatus:]) }
func (h HeaderView) FooterOffset() uint32  { return binary.LittleEndian.Uint32(h.b[offFooterOffset:]) }
func (h HeaderView) HeaderRandom() uint32  { return binary.LittleEndian.Uint32(h.b[offHeaderRandom:]) }
func (h HeaderView) FieldPresence() uint8  { return h.b[offFieldPresence] }
func (h HeaderView) NumSignatures() uint8  { return h.b[offNumSignatures] }
func (h HeaderView) FooterLength() uint16  { return binary.LittleEndian.Uint16(h.b[offFooterLength:]) }

// ExecInfo returns the sbm_exec_info region following the fixed header
// fields, up to HeaderSize — this is where the IAVVCS lives once SBM has
// installed an update.
func (h HeaderView) ExecInfo() []byte { return h.b[offSbmExecInfo:HeaderSize] }

// FooterSize is the fixed size of a PIEM footer.
const FooterSize = 4 + 32 + 64 + 2 + 2 + 4 // version + hash + sig + checksum + pad + random

// Footer field byte offsets.
const (
	offVersionNumber = 0x00
	offBlockHash     = 0x04
	offBlockSig      = 0x24
	offBlockChecksum = 0x64
	offFooterPad     = 0x66
	offFooterRandom  = 0x68
)

// FooterView is a read-only typed view over a PIEM footer.
type FooterView struct{ b []byte }

// NewFooterView wraps a FooterSize-byte slice.
func NewFooterView(b []byte) FooterView { return FooterView{b[:FooterSize]} }

func (f FooterView) VersionNumber() uint32 { return binary.LittleEndian.Uint32(f.b[offVersionNumber:]) }
func (f FooterView) BlockHash() []byte     { return f.b[offBlockHash : offBlockHash+32] }
func (f FooterView) BlockSig() [64]byte {
	var out [64]byte
	copy(out[:], f.b[offBlockSig:offBlockSig+64])
	return out
}
func (f FooterView) BlockChecksum() uint16 { return binary.LittleEndian.Uint16(f.b[offBlockChecksum:]) }
func (f FooterView) FooterRandom() uint32  { return binary.LittleEndian.Uint32(f.b[offFooterRandom:]) }

// HashedRegion returns the footer bytes that participate in the
// block-hash computation: everything up to, but not including, block_hash.
func (f FooterView) HashedRegion() []byte { return f.b[:offBlockHash] }

// ExpectedIAVVCSCapability is the required value of IAVVCS.CapabilityIndicator.
const ExpectedIAVVCSCapability uint16 = 0x55AA

// IAVVCS capability flag bits.
const (
	CapFlagMUFSupplied   uint16 = 1 << 0
	CapFlagReservedMask  uint16 = 0xFFFE
)

// ValidCapabilityFlags is the single source of truth for which IAVVCS
// capability bits are acceptable: only MUFSupplied may be set. Both
// Verify and the installer that fabricates a fresh IAVVCS consult this,
// so there is exactly one place that defines "reserved bits".
func ValidCapabilityFlags(flags uint16) bool {
	return flags&CapFlagReservedMask == 0 && flags&CapFlagMUFSupplied != 0
}

// IAVVCSSize is the fixed size of the sbm_exec_info record SBM writes
// into a header's ExecInfo region: a 16-byte UUID, two uint16 capability
// fields, and a full footer copy.
const IAVVCSSize = 16 + 2 + 2 + FooterSize

// IAVVCS field byte offsets, relative to the start of ExecInfo().
const (
	offInstalledUUID  = 0x00
	offCapIndicator   = 0x10
	offCapFlags       = 0x12
	offInstalledMUF   = 0x14
)

// IAVVCSView is a read-only typed view over an Installed Application
// Validity, Versioning and Capability Slot record.
type IAVVCSView struct{ b []byte }

// NewIAVVCSView wraps an IAVVCSSize-byte slice.
func NewIAVVCSView(b []byte) IAVVCSView { return IAVVCSView{b[:IAVVCSSize]} }

func (v IAVVCSView) InstalledUUID() uuid.UUID {
	var raw [16]byte
	copy(raw[:], v.b[offInstalledUUID:offInstalledUUID+16])
	return uuid.UUID(raw)
}
func (v IAVVCSView) CapabilityIndicator() uint16 {
	return binary.LittleEndian.Uint16(v.b[offCapIndicator:])
}
func (v IAVVCSView) CapabilityFlags() uint16 { return binary.LittleEndian.Uint16(v.b[offCapFlags:]) }
func (v IAVVCSView) InstalledMUF() FooterView {
	return NewFooterView(v.b[offInstalledMUF : offInstalledMUF+FooterSize])
}

// WriteIAVVCS fabricates a fresh IAVVCS record into dst (which must be
// at least IAVVCSSize bytes): the installed UUID, the fixed capability
// indicator/flags, and a copy of footer.
func WriteIAVVCS(dst []byte, installedUUID uuid.UUID, footer FooterView) {
	v := dst[:IAVVCSSize]
	copy(v[offInstalledUUID:offInstalledUUID+16], installedUUID[:])
	binary.LittleEndian.PutUint16(v[offCapIndicator:], ExpectedIAVVCSCapability)
	binary.LittleEndian.PutUint16(v[offCapFlags:], CapFlagMUFSupplied)
	copy(v[offInstalledMUF:offInstalledMUF+FooterSize], footer.b)
}

// Verifier supplies the two externally-sourced facts Verify needs: the
// exec slot's image bytes and the OEM public-unit validation key.
type Verifier struct {
	// ExecImage reads n bytes from the exec slot starting at offset 0
	// (the image body, not including the 1 KiB header).
	ExecImage func(n int) ([]byte, error)
	// VerifySignature checks sig over hash using the provisioned
	// PU-validation key and reports whether it is valid.
	VerifySignature func(hash [32]byte, sig [64]byte) (bool, error)
}

// Verify implements the six-step integrity chain against a candidate
// IAVVCS: sanity checks, synthetic-header reconstruction, chunked
// SHA-256 over (synthetic header, image body, footer-up-to-hash), and
// ECDSA verification. On success it returns nil.
func (vf Verifier) Verify(header HeaderView, iavvcs IAVVCSView) error {
	if header.ModuleStatus() != ExpectedModuleStatus {
		return sbmerr.CommandFailed
	}
	if invalidRandom(header.HeaderRandom()) {
		return sbmerr.CommandFailed
	}
	if header.FieldPresence()&FieldPresenceReservedMask != 0 {
		return sbmerr.CommandFailed
	}
	if header.NumSignatures() != 1 {
		return sbmerr.CommandFailed
	}
	footer := iavvcs.InstalledMUF()
	if int(header.FooterLength()) != FooterSize {
		return sbmerr.CommandFailed
	}
	if header.HeaderRandom() != footer.FooterRandom() {
		return sbmerr.CommandFailed
	}
	if iavvcs.InstalledUUID() == uuid.Nil {
		return sbmerr.CommandFailed
	}
	if iavvcs.CapabilityIndicator() != ExpectedIAVVCSCapability || !ValidCapabilityFlags(iavvcs.CapabilityFlags()) {
		return sbmerr.CommandFailed
	}

	// Reconstruct the synthetic header: the fixed header fields as
	// installed, everything after them (the fabricated IAVVCS) zeroed
	// out, recreating the header's state when it was still part of a
	// SWUP and its hash/checksum were first computed.
	synthetic := make([]byte, HeaderSize)
	copy(synthetic, header.b[:offSbmExecInfo])

	bodyLen := int(header.FooterOffset()) - HeaderSize
	if bodyLen < 0 {
		return sbmerr.CommandFailed
	}
	body, err := vf.ExecImage(bodyLen)
	if err != nil {
		return sbmerr.CommandFailed
	}

	h := sbmcrypto.Sha256(synthetic, body, footer.HashedRegion())
	if !bytesEqual(h[:], footer.BlockHash()) {
		return sbmerr.CommandFailed
	}

	ok, err := vf.VerifySignature(h, footer.BlockSig())
	if err != nil || !ok {
		return sbmerr.CommandFailed
	}
	return nil
}

func invalidRandom(r uint32) bool { return r == 0 || r == 0xFFFFFFFF }

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
