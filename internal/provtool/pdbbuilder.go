package provtool

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"fmt"

	"sbm/internal/pdb"
	"sbm/internal/sbmcrypto"
	"sbm/internal/tlv"
)

// slot is one provisioned data slot queued for serialization: a
// certificate, a private key, or a public key. The field layout
// mirrors the 16-byte provisioned data slot header described in
// internal/pdb/types.go, minus the fields (offset, size) that depend
// on final placement and are resolved by Build.
type slot struct {
	purpose uint16 // upper nibble of sh_type: pdb.PurposeIdentityCert, etc.
	usage   uint16 // cert usage bits, or key category (pdb.KeyCategoryPublic/Private)
	keySlot uint8  // certificate slots only: index of the matching private-key slot
	payload []byte // TLV body, terminator not yet appended
}

// Builder assembles a plaintext Provisioned Data Block one slot at a
// time. Certificates and keys are added in any order; Add* methods
// return the slot's final index so callers can wire a certificate's
// key_slot field to the key they just added.
type Builder struct {
	slots []slot
}

// NewBuilder returns an empty PDB builder.
func NewBuilder() *Builder { return &Builder{} }

// AddCert appends an X.509 certificate slot. keySlot is the index of
// the certificate's associated private-key slot (as returned by
// AddPrivateKey), or pdb.NoKeySlot if the certificate carries no
// associated key.
func (b *Builder) AddCert(purpose uint16, usage uint16, der []byte, keySlot uint8) int {
	idx := len(b.slots)
	b.slots = append(b.slots, slot{
		purpose: purpose,
		usage:   usage,
		keySlot: keySlot,
		payload: tlv.Encode(pdb.TagX509Cert, der),
	})
	return idx
}

// AddCertPEM decodes a single PEM-encoded CERTIFICATE block as supplied
// by an operator, parses it with crypto/x509 to reject anything that
// isn't a well-formed certificate, and appends its raw DER bytes as a
// cert slot via AddCert. This is the one place the builder accepts
// certificate material straight from outside the device's own PDB
// format.
func (b *Builder) AddCertPEM(purpose uint16, usage uint16, pemBytes []byte, keySlot uint8) (int, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		return 0, fmt.Errorf("provtool: no CERTIFICATE PEM block found")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return 0, fmt.Errorf("provtool: parse certificate: %w", err)
	}
	return b.AddCert(purpose, usage, cert.Raw, keySlot), nil
}

// AddPrivateKey appends a slot holding priv's raw scalar under the
// private key category, readable later via pdb.Store.PrivateKey /
// pdb.Store.Sign / pdb.Store.SharedSecret.
func (b *Builder) AddPrivateKey(purpose uint16, priv *ecdsa.PrivateKey) int {
	scalar := make([]byte, 32)
	priv.D.FillBytes(scalar)
	idx := len(b.slots)
	b.slots = append(b.slots, slot{
		purpose: purpose,
		usage:   pdb.KeyCategoryPrivate,
		keySlot: pdb.NoKeySlot,
		payload: tlv.Encode(pdb.TagPrivateKey, scalar),
	})
	return idx
}

// AddPublicKey appends a slot holding pub's encoded coordinates under
// the public key category, readable later via pdb.Store.PublicKey /
// pdb.Store.Verify. pdb.Store checks the category bit on the same slot
// a sign/verify call targets, so a key pair that must do both needs
// separate private and public slots — AddKeyPair returns both.
func (b *Builder) AddPublicKey(purpose uint16, pub *ecdsa.PublicKey) int {
	enc := sbmcrypto.EncodePublicKey(pub)
	idx := len(b.slots)
	b.slots = append(b.slots, slot{
		purpose: purpose,
		usage:   pdb.KeyCategoryPublic,
		keySlot: pdb.NoKeySlot,
		payload: tlv.Encode(pdb.TagPublicKey, enc[:]),
	})
	return idx
}

// AddKeyPair appends both halves of priv as separate slots and returns
// their indices.
func (b *Builder) AddKeyPair(purpose uint16, priv *ecdsa.PrivateKey) (privIdx, pubIdx int) {
	privIdx = b.AddPrivateKey(purpose, priv)
	pubIdx = b.AddPublicKey(purpose, &priv.PublicKey)
	return privIdx, pubIdx
}

// Build serializes the queued slots into a plaintext PDB image: a PSR,
// one fixed-size slot header per slot, then each slot's
// terminator-closed TLV payload back to back. The result parses
// directly with pdb.Open.
func (b *Builder) Build() []byte {
	const headerSize = pdb.PDSHSize
	tableStart := pdb.PSRSize

	payloads := make([][]byte, len(b.slots))
	offsets := make([]int, len(b.slots))
	cursor := tableStart + len(b.slots)*headerSize
	for i, s := range b.slots {
		payloads[i] = append(append([]byte{}, s.payload...), tlv.EncodeTerminator()...)
		offsets[i] = cursor
		cursor += len(payloads[i])
	}
	total := cursor

	buf := make([]byte, total)
	binary.LittleEndian.PutUint16(buf[0:], pdb.PresentMagic)
	binary.LittleEndian.PutUint32(buf[56:], uint32(total))
	binary.LittleEndian.PutUint16(buf[60:], uint16(len(b.slots)))
	binary.LittleEndian.PutUint32(buf[64:], uint32(tableStart))

	for i, s := range b.slots {
		h := buf[tableStart+i*headerSize : tableStart+(i+1)*headerSize]
		binary.LittleEndian.PutUint16(h[0:], s.purpose<<12)
		binary.LittleEndian.PutUint32(h[4:], uint32(offsets[i]))
		binary.LittleEndian.PutUint16(h[8:], uint16(len(payloads[i])))
		binary.LittleEndian.PutUint16(h[10:], s.usage)
		h[15] = s.keySlot
		copy(buf[offsets[i]:], payloads[i])
	}
	return buf
}
