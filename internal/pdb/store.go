package pdb

import (
	"crypto/ecdsa"

	"sbm/internal/sbmcrypto"
	"sbm/internal/tlv"
	"sbm/pkg/sbmerr"

	"github.com/google/uuid"
)

// TLV node tags carried in certificate/key slot payloads.
const (
	TagX509Cert     uint16 = 0x0001
	TagPublicKey    uint16 = 0x0010
	TagPrivateKey   uint16 = 0x0011
)

// MaxDataSlots is the cap on the PSR's data_slots field.
const MaxDataSlots = 127

// Store is a read-only view over a fully materialized PDB buffer: either
// the plaintext body of the sbm slot, or a decrypted copy staged in
// persistent RAM by VerifyAndDecryptPDB.
type Store struct {
	buf       []byte
	psr       PSRView
	headers   []SlotHeaderView
	headerOff []int // absolute offset of each header's payload
}

// Open parses a PDB buffer's PSR and slot header table. It does not
// validate the integrity hash or decrypt anything — callers that need
// those guarantees call HashCheck / VerifyAndDecryptPDB explicitly.
func Open(buf []byte) (*Store, error) {
	if len(buf) < PSRSize {
		return nil, sbmerr.CommandFailed
	}
	psr := NewPSRView(buf)
	if !psr.Valid() {
		return nil, sbmerr.CommandFailed
	}
	n := int(psr.DataSlots())
	if n > MaxDataSlots {
		return nil, sbmerr.CommandFailed
	}
	s := &Store{buf: buf, psr: psr}
	if psr.Encrypted() {
		// The slot header table and payloads live in the ciphertext
		// region; they aren't parseable until VerifyAndDecryptPDB
		// produces a plaintext copy. DataPresent still reports true off
		// the PSR alone, matching datastore_data_present's own
		// encrypted-aware contract.
		return s, nil
	}
	if err := s.parseSlotTable(); err != nil {
		return nil, err
	}
	return s, nil
}

// parseSlotTable fills in s.headers/s.headerOff from s.buf, assuming the
// slot header table and payloads are plaintext (either because the PDB
// was never encrypted, or because s.buf is a decrypted copy).
func (s *Store) parseSlotTable() error {
	n := int(s.psr.DataSlots())
	tableStart := int(s.psr.PdshOffset())
	for i := 0; i < n; i++ {
		off := tableStart + i*PDSHSize
		if off+PDSHSize > len(s.buf) {
			return sbmerr.CommandFailed
		}
		h := NewSlotHeaderView(s.buf[off : off+PDSHSize])
		// slot_offset is relative to the PSR (buffer start), per the
		// provisioned data slot header's own documented convention.
		payloadOff := int(h.Offset())
		if payloadOff < 0 || payloadOff+int(h.Size()) > len(s.buf) {
			return sbmerr.CommandFailed
		}
		s.headers = append(s.headers, h)
		s.headerOff = append(s.headerOff, payloadOff)
	}
	return nil
}

// DataPresent reports whether this Store holds a validly-provisioned PDB.
// For an encrypted PDB this is true as soon as the PSR itself parses —
// the slot table isn't readable until VerifyAndDecryptPDB runs.
func (s *Store) DataPresent() bool {
	if !s.psr.Valid() {
		return false
	}
	if s.psr.Encrypted() {
		return s.psr.DataSlots() > 0
	}
	return len(s.headers) > 0
}

func (s *Store) slot(idx int) (SlotHeaderView, int, error) {
	if idx < 0 || idx >= len(s.headers) {
		return SlotHeaderView{}, 0, sbmerr.SlotOutOfRange
	}
	return s.headers[idx], s.headerOff[idx], nil
}

// Count returns the number of slots matching sType under search_mask and
// usage, per datastore_count.
func (s *Store) Count(sType, usage, searchMask uint16) int {
	n := 0
	for i, h := range s.headers {
		if h.ShType()&searchMask != sType&searchMask {
			continue
		}
		if usage != 0 && s.headerUsage(i) != usage {
			continue
		}
		n++
	}
	return n
}

func (s *Store) headerUsage(idx int) uint16 {
	h := s.headers[idx]
	switch h.Purpose() {
	case PurposeIdentityCert:
		return h.Usage()
	case PurposeIdentityKey, PurposeTrustAnchorKey:
		return h.Usage()
	default:
		return 0
	}
}

// Find returns the index of the instance'th slot matching sType/usage
// under search_mask, per datastore_find.
func (s *Store) Find(sType, usage uint16, instance uint8, searchMask uint16) (int, error) {
	count := uint8(0)
	for i, h := range s.headers {
		if h.ShType()&searchMask != sType&searchMask {
			continue
		}
		if usage != 0 && s.headerUsage(i) != usage {
			continue
		}
		if count == instance {
			return i, nil
		}
		count++
	}
	return -1, sbmerr.NoMatchingSlotFound
}

// SlotData returns the raw payload bytes of a slot.
func (s *Store) SlotData(idx int) ([]byte, error) {
	h, off, err := s.slot(idx)
	if err != nil {
		return nil, err
	}
	return s.buf[off : off+int(h.Size())], nil
}

// CopyData copies a certificate slot's X.509 payload (TLV tag
// TagX509Cert) into buf. If buf is too small, no data is copied but
// dataLen still reports the required size, matching datastore_copy_data.
func (s *Store) CopyData(idx int, buf []byte) (dataLen int, err error) {
	h, off, err := s.slot(idx)
	if err != nil {
		return 0, err
	}
	if h.Purpose() != PurposeIdentityCert {
		return 0, sbmerr.SlotTypeMismatch
	}
	payload := s.buf[off : off+int(h.Size())]
	node, _, ok := tlv.WalkRAM(payload, TagX509Cert)
	if !ok {
		return 0, sbmerr.CommandFailed
	}
	dataLen = node.ValueLen
	if len(buf) < dataLen {
		return dataLen, sbmerr.BufferSizeInvalid
	}
	copy(buf, payload[node.ValueOffset:node.ValueOffset+node.ValueLen])
	return dataLen, nil
}

// Parent returns the index of a certificate slot's parent certificate.
func (s *Store) Parent(idx int) (int, error) {
	h, _, err := s.slot(idx)
	if err != nil {
		return -1, err
	}
	if h.Purpose() != PurposeIdentityCert {
		return -1, sbmerr.SlotTypeMismatch
	}
	parent := int(h.ParentID())
	if parent < 0 || parent >= len(s.headers) {
		return -1, sbmerr.NoMatchingSlotFound
	}
	return parent, nil
}

// FindCertKey returns the index of the identity-key slot associated with
// a certificate, and that key's sh_type.
func (s *Store) FindCertKey(certIdx int) (keyIdx int, keyType uint16, err error) {
	h, _, err := s.slot(certIdx)
	if err != nil {
		return -1, 0, err
	}
	if h.Purpose() != PurposeIdentityCert {
		return -1, 0, sbmerr.SlotTypeMismatch
	}
	if h.KeySlot() == NoKeySlot {
		return -1, 0, sbmerr.NoMatchingSlotFound
	}
	ki := int(h.KeySlot())
	kh, _, err := s.slot(ki)
	if err != nil {
		return -1, 0, sbmerr.NoMatchingSlotFound
	}
	if kh.Purpose() != PurposeIdentityKey {
		return -1, 0, sbmerr.NoMatchingSlotFound
	}
	return ki, kh.ShType(), nil
}

// KeyDetails extracts the key type, usage class, and public key bytes
// from a slot.
func (s *Store) KeyDetails(idx int) (keyType, keyUsage uint16, publicKey [64]byte, err error) {
	h, off, slotErr := s.slot(idx)
	if slotErr != nil {
		return 0, 0, publicKey, slotErr
	}
	if h.Purpose() != PurposeIdentityKey && h.Purpose() != PurposeTrustAnchorKey {
		return 0, 0, publicKey, sbmerr.SlotTypeMismatch
	}
	payload := s.buf[off : off+int(h.Size())]
	node, _, ok := tlv.WalkRAM(payload, TagPublicKey)
	if !ok || node.ValueLen != 64 {
		return 0, 0, publicKey, sbmerr.CommandFailed
	}
	copy(publicKey[:], payload[node.ValueOffset:node.ValueOffset+64])
	return h.ShType(), h.Usage(), publicKey, nil
}

func (s *Store) privateKeyBytes(idx int) ([]byte, SlotHeaderView, error) {
	h, off, err := s.slot(idx)
	if err != nil {
		return nil, h, err
	}
	if h.Usage()&KeyCategoryMask != KeyCategoryPrivate {
		return nil, h, sbmerr.SlotTypeMismatch
	}
	payload := s.buf[off : off+int(h.Size())]
	node, _, ok := tlv.WalkRAM(payload, TagPrivateKey)
	if !ok || node.ValueLen != 32 {
		return nil, h, sbmerr.CommandFailed
	}
	return payload[node.ValueOffset : node.ValueOffset+32], h, nil
}

// PrivateKey extracts an identity or update key's private scalar,
// requiring the slot's usage category to be private.
func (s *Store) PrivateKey(idx int) (*ecdsa.PrivateKey, error) {
	raw, _, err := s.privateKeyBytes(idx)
	if err != nil {
		return nil, err
	}
	priv, err := sbmcrypto.PrivateKeyFromScalar(raw)
	if err != nil {
		return nil, sbmerr.CommandFailed
	}
	return priv, nil
}

// PublicKey extracts an identity, trust-anchor, or update key's public
// point, requiring the slot's usage category to be public.
func (s *Store) PublicKey(idx int) (*ecdsa.PublicKey, error) {
	h, off, err := s.slot(idx)
	if err != nil {
		return nil, err
	}
	if h.Usage()&KeyCategoryMask != KeyCategoryPublic {
		return nil, sbmerr.SlotTypeMismatch
	}
	payload := s.buf[off : off+int(h.Size())]
	node, _, ok := tlv.WalkRAM(payload, TagPublicKey)
	if !ok || node.ValueLen != 64 {
		return nil, sbmerr.CommandFailed
	}
	var raw [64]byte
	copy(raw[:], payload[node.ValueOffset:node.ValueOffset+64])
	pub, err := sbmcrypto.DecodePublicKey(raw)
	if err != nil {
		return nil, sbmerr.CommandFailed
	}
	return pub, nil
}

// Sign signs hash with the private identity key in slot idx.
func (s *Store) Sign(idx int, hash [32]byte) ([64]byte, error) {
	priv, err := s.PrivateKey(idx)
	if err != nil {
		return [64]byte{}, err
	}
	sig, err := sbmcrypto.ECDSASign(priv, hash)
	if err != nil {
		return [64]byte{}, sbmerr.CommandFailed
	}
	return sig, nil
}

// Verify verifies sig over hash using the public key in slot idx
// (identity, trust-anchor, or update key).
func (s *Store) Verify(idx int, hash [32]byte, sig [64]byte) (bool, error) {
	pub, err := s.PublicKey(idx)
	if err != nil {
		return false, err
	}
	return sbmcrypto.ECDSAVerify(pub, hash, sig), nil
}

// SharedSecret computes an ECDH shared secret between the private
// identity key in slot idx and peerPub.
func (s *Store) SharedSecret(idx int, peerPub [64]byte) ([32]byte, error) {
	priv, err := s.PrivateKey(idx)
	if err != nil {
		return [32]byte{}, err
	}
	secret, err := sbmcrypto.ECDH(peerPub, priv)
	if err != nil {
		return [32]byte{}, sbmerr.CommandFailed
	}
	return secret, nil
}

// ContextUUID wraps a raw 16-byte security-context identifier as a
// uuid.UUID; it reads nothing from the PDB itself.
func (s *Store) ContextUUID(raw [16]byte) uuid.UUID {
	return uuid.UUID(raw)
}

// HashCheck recomputes the PDB integrity hash: SHA-256 over
// (pd_pc_seed ‖ contextRandom ‖ deviceUID ‖ PSR[capability:length]) and
// compares it against psr.pd_pc_hash.
func (s *Store) HashCheck(contextRandom [4]byte, deviceUID []byte) bool {
	h := sbmcrypto.Sha256(s.psr.Seed(), contextRandom[:], deviceUID, s.psr.HashRegion())
	return bytesEqual(h[:], s.psr.Hash())
}

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

// PSR exposes the parsed PSR view for callers that need encryption/
// capability flags directly (e.g. the decrypt path).
func (s *Store) PSR() PSRView { return s.psr }

// Raw exposes the backing buffer, for VerifyAndDecryptPDB's caller to
// locate the PDSF tail.
func (s *Store) Raw() []byte { return s.buf }

// VerifyAndDecryptPDB decrypts the PDSF-described encrypted range of an
// encrypted PDB into dst using the device's AES-GCM key, authenticating
// against the footer's MAC and IV, and returns a Store parsed from the
// resulting plaintext. dst must be at least as large as the ciphertext
// PDB; the caller (internal/persist) owns dst's lifetime and is
// responsible for wiping it via ClearPlaintextPDB once the returned
// Store is no longer needed. If the PDB is not marked encrypted, the
// original Store is returned unchanged and dst is left untouched.
func (s *Store) VerifyAndDecryptPDB(key [16]byte, dst []byte) (*Store, error) {
	if !s.psr.Encrypted() {
		return s, nil
	}
	if len(dst) < len(s.buf) {
		return nil, sbmerr.BufferSizeInvalid
	}
	footerOff := int(s.psr.PdsfOffset())
	if footerOff+PDSFSize > len(s.buf) {
		return nil, sbmerr.CommandFailed
	}
	footer := NewPDSFView(s.buf[footerOff:])
	start := int(footer.EncryptedStartOffset())
	end := int(footer.EncryptedEndOffset())
	if start < 0 || end > len(s.buf) || start > end {
		return nil, sbmerr.CommandFailed
	}
	mac := footer.Mac(footerOff, s.buf)
	iv := footer.IV(footerOff, s.buf)
	if len(mac) != 16 || len(iv) != 16 {
		return nil, sbmerr.CommandFailed
	}
	var ivArr, tagArr [16]byte
	copy(ivArr[:], iv)
	copy(tagArr[:], mac)

	plain, err := sbmcrypto.AESGCMOpen(key, ivArr, s.buf[start:end], tagArr, nil)
	if err != nil {
		return nil, sbmerr.EdpDecryptError
	}

	copy(dst, s.buf)
	copy(dst[start:start+len(plain)], plain)

	plaintext := dst[:len(s.buf)]
	decrypted := &Store{buf: plaintext, psr: NewPSRView(plaintext)}
	if err := decrypted.parseSlotTable(); err != nil {
		return nil, err
	}
	return decrypted, nil
}

// ClearPlaintextPDB wipes a buffer previously populated by
// VerifyAndDecryptPDB, matching datastore_clear_plaintext_pdb's
// must-call-after-use contract.
func ClearPlaintextPDB(dst []byte) {
	for i := range dst {
		dst[i] = 0
	}
}
