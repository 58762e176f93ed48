// Package pdb implements the Provisioned Data Block: the one-time,
// read-only record of identity certificates, keys, and update-key
// instances a device is provisioned with before first boot.
//
// Layouts and offsets are taken verbatim from the provisioning summary
// record (psr), provisioned data slot header (pdsh_*), and provisioned
// data security footer (pdsf) structures of the reference firmware's
// datastore, so that a PDB built by internal/provtool or captured from a
// real device parses identically here.
package pdb

import "encoding/binary"

// PresentMagic is the PSR "presence" magic: 0xFFFF XOR 0x8888.
const PresentMagic uint16 = 0x7777

// The PSR is laid out as:
//
//	0   presence        uint16
//	2   reserved_0      uint16
//	4   pd_pc_seed      [16]byte
//	20  pd_pc_hash      [32]byte
//	52  capability      uint32
//	56  length          uint32
//	60  data_slots      uint16
//	62  reserved_1      uint16
//	64  pdsh_offset     uint32
//	68  pdsf_offset     uint16
//	70  krd_offset      uint16
//	72  reserved        [8]byte
const (
	PSRSize = 80

	offPresence   = 0
	offSeed       = 4
	offHash       = 20
	offCapability = 52
	offLength     = 56
	offDataSlots  = 60
	offPdshOffset = 64
	offPdsfOffset = 68
	offKrdOffset  = 70
)

// PSRView is a read-only typed view over a PSR's raw bytes.
type PSRView struct{ b []byte }

// NewPSRView wraps raw bytes as a PSR. The caller must ensure len(b) >=
// PSRSize.
func NewPSRView(b []byte) PSRView { return PSRView{b} }

func (p PSRView) Presence() uint16  { return binary.LittleEndian.Uint16(p.b[offPresence:]) }
func (p PSRView) Seed() []byte      { return p.b[offSeed : offSeed+16] }
func (p PSRView) Hash() []byte      { return p.b[offHash : offHash+32] }
func (p PSRView) Capability() uint32 { return binary.LittleEndian.Uint32(p.b[offCapability:]) }
func (p PSRView) Length() uint32    { return binary.LittleEndian.Uint32(p.b[offLength:]) }
func (p PSRView) DataSlots() uint16 { return binary.LittleEndian.Uint16(p.b[offDataSlots:]) }
func (p PSRView) PdshOffset() uint32 { return binary.LittleEndian.Uint32(p.b[offPdshOffset:]) }
func (p PSRView) PdsfOffset() uint16 { return binary.LittleEndian.Uint16(p.b[offPdsfOffset:]) }
func (p PSRView) KrdOffset() uint16  { return binary.LittleEndian.Uint16(p.b[offKrdOffset:]) }

// Valid checks the presence magic, per the datastore_data_present rule.
func (p PSRView) Valid() bool {
	return len(p.b) >= PSRSize && p.Presence() == PresentMagic
}

// Encrypted reports capability bit 0 — the PDB-encrypted flag.
func (p PSRView) Encrypted() bool { return p.Capability()&0x1 != 0 }

// HashRegion returns the bytes from the capability field to the end of
// the PSR, the span hashed by the PDB integrity check.
func (p PSRView) HashRegion() []byte {
	end := int(p.Length())
	if end > len(p.b) {
		end = len(p.b)
	}
	return p.b[offCapability:end]
}

// Slot header purpose nibble values, the upper-nibble encoding of
// sh_type.
const (
	PurposeIdentityCert   = 0x1
	PurposeIdentityKey    = 0x2
	PurposeTrustAnchorKey = 0x3
	PurposeUpdateKey      = 0x4
	PurposeProvisionInfo  = 0x5
)

// PDSHSize is the fixed size of every slot header variant (pdsh_only and
// overlays), 16 bytes.
const PDSHSize = 16

const (
	pdshOffType   = 0
	pdshOffDevice = 2
	pdshOffOffset = 4
	pdshOffSize   = 8
	// Variant-specific fields begin at byte 10.
	pdshOffUsage     = 10 // pdsh_usage / cert_usage
	pdshOffParentID  = 12 // pdsh_cert
	pdshOffKeySlot   = 15 // pdsh_cert
	pdshOffPurpose   = 10 // pdsh_update_key
	pdshOffKeySet    = 11 // pdsh_update_key
)

// SlotHeaderView is a read-only typed view over one 16-byte provisioned
// data slot header, overlaying whichever variant applies based on
// Purpose().
type SlotHeaderView struct{ b []byte }

// NewSlotHeaderView wraps one PDSH-sized slice.
func NewSlotHeaderView(b []byte) SlotHeaderView { return SlotHeaderView{b[:PDSHSize]} }

func (s SlotHeaderView) ShType() uint16 { return binary.LittleEndian.Uint16(s.b[pdshOffType:]) }

// Purpose is the upper nibble of sh_type.
func (s SlotHeaderView) Purpose() uint16 { return s.ShType() >> 12 }

// Subtype is the lower 12 bits of sh_type.
func (s SlotHeaderView) Subtype() uint16 { return s.ShType() & 0x0FFF }

func (s SlotHeaderView) Device() uint8 { return s.b[pdshOffDevice] }
func (s SlotHeaderView) Offset() uint32 {
	return binary.LittleEndian.Uint32(s.b[pdshOffOffset:])
}
func (s SlotHeaderView) Size() uint16 { return binary.LittleEndian.Uint16(s.b[pdshOffSize:]) }

// Usage is valid for identity-key, trust-anchor-key, and certificate
// slots (pdsh_usage / cert_usage overlay the same offset).
func (s SlotHeaderView) Usage() uint16 { return binary.LittleEndian.Uint16(s.b[pdshOffUsage:]) }

// ParentID is valid for certificate slots.
func (s SlotHeaderView) ParentID() uint16 { return binary.LittleEndian.Uint16(s.b[pdshOffParentID:]) }

// KeySlot is valid for certificate slots; a sentinel value (0xFF) means
// "no associated key".
func (s SlotHeaderView) KeySlot() uint8 { return s.b[pdshOffKeySlot] }

// Purpose/Set below are valid for update-key slots — distinct from the
// sh_type Purpose()/Subtype() split, these overlay the usage field.
func (s SlotHeaderView) KeyPurpose() uint8 { return s.b[pdshOffPurpose] }
func (s SlotHeaderView) KeySet() uint8     { return s.b[pdshOffKeySet] }

// NoKeySlot is the sentinel meaning "no associated key slot".
const NoKeySlot uint8 = 0xFF

// Key usage/category bits encoded in Usage(): public vs private,
// algorithm/curve.
const (
	KeyCategoryPublic  = 0x0000
	KeyCategoryPrivate = 0x8000
	KeyCategoryMask    = 0x8000
)

// PDSFSize is the fixed portion of the provisioned data security footer
// preceding its variable-length mac/iv/krd fields.
const PDSFSize = 16

const (
	pdsfOffEncKeyAlgo  = 0
	pdsfOffAuthKeyAlgo = 4
	pdsfOffEncStart    = 8
	pdsfOffEncEnd      = 10
	pdsfOffMacLen      = 12
	pdsfOffIvLen       = 14
)

// PDSFView is a read-only typed view over the fixed part of the
// provisioned data security footer.
type PDSFView struct{ b []byte }

// NewPDSFView wraps the fixed-size prefix of a PDSF.
func NewPDSFView(b []byte) PDSFView { return PDSFView{b[:PDSFSize]} }

func (p PDSFView) EncryptedStartOffset() uint16 {
	return binary.LittleEndian.Uint16(p.b[pdsfOffEncStart:])
}
func (p PDSFView) EncryptedEndOffset() uint16 {
	return binary.LittleEndian.Uint16(p.b[pdsfOffEncEnd:])
}
func (p PDSFView) MacLength() uint16 { return binary.LittleEndian.Uint16(p.b[pdsfOffMacLen:]) }
func (p PDSFView) IVLength() uint16  { return binary.LittleEndian.Uint16(p.b[pdsfOffIvLen:]) }

// Mac returns the MAC bytes following the fixed PDSF header, given the
// full PDB buffer and this footer's offset within it.
func (p PDSFView) Mac(pdbAt int, pdb []byte) []byte {
	start := pdbAt + PDSFSize
	return pdb[start : start+int(p.MacLength())]
}

// IV returns the IV bytes following the MAC.
func (p PDSFView) IV(pdbAt int, pdb []byte) []byte {
	start := pdbAt + PDSFSize + int(p.MacLength())
	return pdb[start : start+int(p.IVLength())]
}
