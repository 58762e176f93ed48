package pdb_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"sbm/internal/pdb"
	"sbm/internal/sbmcrypto"
	"sbm/internal/tlv"
)

// pdbFixture assembles a minimal well-formed PDB: one identity-key slot
// (public) and one update-key slot (private), laid out after a two-entry
// slot header table.
type pdbFixture struct {
	buf        []byte
	pubKeyIdx  int
	privKeyIdx int
	priv       []byte
	pub        [64]byte
}

func buildPDBFixture(t *testing.T) pdbFixture {
	t.Helper()

	priv, err := sbmcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	pub := sbmcrypto.EncodePublicKey(&priv.PublicKey)
	privScalar := make([]byte, 32)
	priv.D.FillBytes(privScalar)

	const (
		psrSize    = pdb.PSRSize
		headerSize = pdb.PDSHSize
		tableStart = psrSize
		numSlots   = 2
	)

	pubPayload := append(tlv.Encode(pdb.TagPublicKey, pub[:]), tlv.EncodeTerminator()...)
	privPayload := append(tlv.Encode(pdb.TagPrivateKey, privScalar), tlv.EncodeTerminator()...)

	pubSlotOff := tableStart + numSlots*headerSize
	privSlotOff := pubSlotOff + len(pubPayload)
	total := privSlotOff + len(privPayload)

	buf := make([]byte, total)

	// PSR
	binary.LittleEndian.PutUint16(buf[0:], pdb.PresentMagic)
	binary.LittleEndian.PutUint32(buf[52:], 0) // capability: not encrypted
	binary.LittleEndian.PutUint32(buf[56:], uint32(total))
	binary.LittleEndian.PutUint16(buf[60:], numSlots)
	binary.LittleEndian.PutUint32(buf[64:], uint32(tableStart))

	// Slot 0: identity public key, usage = public category.
	h0 := buf[tableStart : tableStart+headerSize]
	binary.LittleEndian.PutUint16(h0[0:], uint16(pdb.PurposeIdentityKey)<<12)
	binary.LittleEndian.PutUint32(h0[4:], uint32(pubSlotOff))
	binary.LittleEndian.PutUint16(h0[8:], uint16(len(pubPayload)))
	binary.LittleEndian.PutUint16(h0[10:], pdb.KeyCategoryPublic)

	// Slot 1: update key, usage = private category.
	h1 := buf[tableStart+headerSize : tableStart+2*headerSize]
	binary.LittleEndian.PutUint16(h1[0:], uint16(pdb.PurposeUpdateKey)<<12)
	binary.LittleEndian.PutUint32(h1[4:], uint32(privSlotOff))
	binary.LittleEndian.PutUint16(h1[8:], uint16(len(privPayload)))
	binary.LittleEndian.PutUint16(h1[10:], pdb.KeyCategoryPrivate)

	copy(buf[pubSlotOff:], pubPayload)
	copy(buf[privSlotOff:], privPayload)

	return pdbFixture{buf: buf, pubKeyIdx: 0, privKeyIdx: 1, priv: privScalar, pub: pub}
}

func TestOpenParsesSlotHeaderTable(t *testing.T) {
	t.Log("Test Open parses the PSR and slot header table of a well-formed PDB")

	fx := buildPDBFixture(t)
	store, err := pdb.Open(fx.buf)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !store.DataPresent() {
		t.Fatalf("expected DataPresent to be true")
	}
}

func TestOpenRejectsBadPresenceMagic(t *testing.T) {
	t.Log("Test Open rejects a PSR whose presence magic is wrong")

	fx := buildPDBFixture(t)
	binary.LittleEndian.PutUint16(fx.buf[0:], 0x0000)
	if _, err := pdb.Open(fx.buf); err == nil {
		t.Fatalf("expected Open to reject bad presence magic")
	}
}

func TestKeyDetailsReturnsPublicKey(t *testing.T) {
	t.Log("Test KeyDetails extracts the public key from an identity-key slot")

	fx := buildPDBFixture(t)
	store, err := pdb.Open(fx.buf)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	_, usage, pub, err := store.KeyDetails(fx.pubKeyIdx)
	if err != nil {
		t.Fatalf("KeyDetails failed: %v", err)
	}
	if usage != pdb.KeyCategoryPublic {
		t.Fatalf("expected public usage category, got %#x", usage)
	}
	if pub != fx.pub {
		t.Fatalf("Except: %v\nBut: %v", fx.pub, pub)
	}
}

func TestSignVerifyRoundTripThroughStore(t *testing.T) {
	t.Log("Test Sign with the private identity key verifies with PublicKey of the same pair")

	priv, err := sbmcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	pub := sbmcrypto.EncodePublicKey(&priv.PublicKey)
	privScalar := make([]byte, 32)
	priv.D.FillBytes(privScalar)

	const headerSize = pdb.PDSHSize
	tableStart := pdb.PSRSize

	pubPayload := append(tlv.Encode(pdb.TagPublicKey, pub[:]), tlv.EncodeTerminator()...)
	privPayload := append(tlv.Encode(pdb.TagPrivateKey, privScalar), tlv.EncodeTerminator()...)
	pubOff := tableStart + 2*headerSize
	privOff := pubOff + len(pubPayload)
	total := privOff + len(privPayload)

	buf := make([]byte, total)
	binary.LittleEndian.PutUint16(buf[0:], pdb.PresentMagic)
	binary.LittleEndian.PutUint32(buf[56:], uint32(total))
	binary.LittleEndian.PutUint16(buf[60:], 2)
	binary.LittleEndian.PutUint32(buf[64:], uint32(tableStart))

	h0 := buf[tableStart : tableStart+headerSize]
	binary.LittleEndian.PutUint16(h0[0:], uint16(pdb.PurposeIdentityKey)<<12)
	binary.LittleEndian.PutUint32(h0[4:], uint32(pubOff))
	binary.LittleEndian.PutUint16(h0[8:], uint16(len(pubPayload)))
	binary.LittleEndian.PutUint16(h0[10:], pdb.KeyCategoryPublic)

	h1 := buf[tableStart+headerSize : tableStart+2*headerSize]
	binary.LittleEndian.PutUint16(h1[0:], uint16(pdb.PurposeIdentityKey)<<12)
	binary.LittleEndian.PutUint32(h1[4:], uint32(privOff))
	binary.LittleEndian.PutUint16(h1[8:], uint16(len(privPayload)))
	binary.LittleEndian.PutUint16(h1[10:], pdb.KeyCategoryPrivate)

	copy(buf[pubOff:], pubPayload)
	copy(buf[privOff:], privPayload)

	store, err := pdb.Open(buf)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	hash := sbmcrypto.Sha256([]byte("epilogue"))
	sig, err := store.Sign(1, hash)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	ok, err := store.Verify(0, hash, sig)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !ok {
		t.Fatalf("expected signature to verify against the paired public key")
	}
}

func TestCopyDataReportsRequiredSizeWhenBufferTooSmall(t *testing.T) {
	t.Log("Test CopyData writes the required length without copying when buf is undersized")

	const headerSize = pdb.PDSHSize
	tableStart := pdb.PSRSize
	cert := bytes.Repeat([]byte{0xCC}, 40)
	certPayload := append(tlv.Encode(pdb.TagX509Cert, cert), tlv.EncodeTerminator()...)
	certOff := tableStart + headerSize
	total := certOff + len(certPayload)

	buf := make([]byte, total)
	binary.LittleEndian.PutUint16(buf[0:], pdb.PresentMagic)
	binary.LittleEndian.PutUint32(buf[56:], uint32(total))
	binary.LittleEndian.PutUint16(buf[60:], 1)
	binary.LittleEndian.PutUint32(buf[64:], uint32(tableStart))

	h0 := buf[tableStart : tableStart+headerSize]
	binary.LittleEndian.PutUint16(h0[0:], uint16(pdb.PurposeIdentityCert)<<12)
	binary.LittleEndian.PutUint32(h0[4:], uint32(certOff))
	binary.LittleEndian.PutUint16(h0[8:], uint16(len(certPayload)))
	h0[15] = pdb.NoKeySlot

	copy(buf[certOff:], certPayload)

	store, err := pdb.Open(buf)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	small := make([]byte, 4)
	n, err := store.CopyData(0, small)
	if err == nil {
		t.Fatalf("expected undersize buffer to be rejected")
	}
	if n != len(cert) {
		t.Fatalf("Except: %d\nBut: %d", len(cert), n)
	}

	full := make([]byte, len(cert))
	n, err = store.CopyData(0, full)
	if err != nil {
		t.Fatalf("CopyData failed on correctly sized buffer: %v", err)
	}
	if !bytes.Equal(full[:n], cert) {
		t.Fatalf("Except: %v\nBut: %v", cert, full[:n])
	}
}

func TestHashCheckDetectsTamperedPSR(t *testing.T) {
	t.Log("Test HashCheck fails once the hashed region of the PSR is tampered with")

	fx := buildPDBFixture(t)
	store, err := pdb.Open(fx.buf)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	var ctxRandom [4]byte
	deviceUID := []byte("device-unique-id")

	h := sbmcrypto.Sha256(store.PSR().Seed(), ctxRandom[:], deviceUID, store.PSR().HashRegion())
	copy(fx.buf[20:52], h[:])
	if !store.HashCheck(ctxRandom, deviceUID) {
		t.Fatalf("expected hash check to pass once pd_pc_hash matches")
	}

	fx.buf[52] ^= 0xFF // tamper with capability, inside the hashed region
	if store.HashCheck(ctxRandom, deviceUID) {
		t.Fatalf("expected hash check to fail after tampering with the hashed region")
	}
}

func TestVerifyAndDecryptPDBRoundTrip(t *testing.T) {
	t.Log("Test VerifyAndDecryptPDB recovers a plaintext Store from an encrypted PDB")

	plain := buildPDBFixture(t).buf

	const footerOff = 256
	var key, iv [16]byte
	copy(key[:], bytes.Repeat([]byte{0x55}, 16))
	copy(iv[:], bytes.Repeat([]byte{0x66}, 16))

	encStart, encEnd := pdb.PSRSize, len(plain)
	ciphertext, tag, err := sbmcrypto.AESGCMSeal(key, iv, plain[encStart:encEnd], nil)
	if err != nil {
		t.Fatalf("AESGCMSeal failed: %v", err)
	}

	total := footerOff + pdb.PDSFSize + 16 + 16 + len(ciphertext)
	// The encrypted buffer keeps the plaintext PSR/header prefix (so Open
	// can still parse the PSR) up to encStart, then ciphertext, then the
	// footer and its MAC/IV tail.
	buf := make([]byte, total)
	copy(buf[:encStart], plain[:encStart])
	copy(buf[encStart:encStart+len(ciphertext)], ciphertext)
	binary.LittleEndian.PutUint32(buf[52:], 0x1) // capability bit 0: encrypted
	binary.LittleEndian.PutUint32(buf[56:], uint32(total))
	binary.LittleEndian.PutUint16(buf[68:], uint16(footerOff))

	binary.LittleEndian.PutUint16(buf[footerOff+8:], uint16(encStart))
	binary.LittleEndian.PutUint16(buf[footerOff+10:], uint16(encStart+len(ciphertext)))
	binary.LittleEndian.PutUint16(buf[footerOff+12:], 16)
	binary.LittleEndian.PutUint16(buf[footerOff+14:], 16)
	copy(buf[footerOff+pdb.PDSFSize:], tag[:])
	copy(buf[footerOff+pdb.PDSFSize+16:], iv[:])

	encStore, err := pdb.Open(buf)
	if err != nil {
		t.Fatalf("Open of encrypted PDB failed: %v", err)
	}
	if !encStore.PSR().Encrypted() {
		t.Fatalf("expected PSR to report encrypted")
	}

	dst := make([]byte, len(buf))
	decStore, err := encStore.VerifyAndDecryptPDB(key, dst)
	if err != nil {
		t.Fatalf("VerifyAndDecryptPDB failed: %v", err)
	}
	if !decStore.DataPresent() {
		t.Fatalf("expected decrypted store to have data present")
	}

	pdb.ClearPlaintextPDB(dst)
	for _, b := range dst {
		if b != 0 {
			t.Fatalf("expected ClearPlaintextPDB to wipe dst")
		}
	}
}
