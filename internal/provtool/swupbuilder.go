package provtool

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/ulikunitz/xz"

	"sbm/internal/piem"
	"sbm/internal/sbmcrypto"
	"sbm/internal/swup"
	"sbm/internal/tlv"
)

// SWUP header field byte offsets, mirrored from internal/swup/layout.go
// (unexported there, so a package assembling packages from scratch has
// to know the same layout rather than import it). Magic numbers,
// capability bits, and tag/size constants that layout.go does export
// are used directly via the swup package instead of being re-declared
// here.
const (
	hdrOffMagic          = 0x00
	hdrOffLayoutVersion  = 0x04
	hdrOffSwupCapability = 0x08
	hdrOffEubCapability  = 0x0c
	hdrOffLengthOfSwup   = 0x10
	hdrOffNumEubs        = 0x14
	hdrOffFooterLength   = 0x1c

	hdrOffEubClearStart     = 0x20
	hdrOffEubEncryptedStart = 0x22
	hdrOffEpilogueStart     = 0x24
	hdrOffFirstEubStart     = 0x26

	hdrOffHeaderRandom      = 0x28
	hdrOffUpdateKey         = 0x2c
	hdrOffSecurityWorldUUID = 0x6c
	hdrOffSecurityWorldIter = 0x7c
	hdrOffUpdateUUID        = 0x7e

	hdrOffOptionalElements = 0xb4

	seerSize = 16 + 16 + 16 + 64
)

// SWUPSpec describes the one software update package BuildSWUP
// assembles: a single executable update block carrying body as the
// image programmed into the exec slot.
type SWUPSpec struct {
	SecurityWorldUUID      [16]byte
	SecurityWorldIteration uint16
	UpdateUUID             [16]byte

	// UpdateKeyPub is embedded verbatim in the header; the installing
	// device matches it against a provisioned update-key instance via
	// swup.Dependencies.FindUpdateKeyInstance.
	UpdateKeyPub [64]byte

	HwSku   uint32
	Version uint32
	Body    []byte

	// Compress xz-compresses Body before it is framed, hashed, and
	// signed, setting swup.CapCompression in the header's
	// swup_capability word so a board that supports it knows to
	// decompress the installed image before launch. Phase A's
	// capability-mask check only admits this bit at the package level
	// (SupportedEubCapabilityMask does not carry it), matching how the
	// teacher's own compress.go keeps compression a transport-layer
	// concern rather than a per-block content flag.
	Compress bool

	// EubDetailsPub is the device's public counterpart to the private
	// key slot swup.InstallDependencies.EubDetailsKeySlot names; the
	// ECDH step that unwraps the payload key runs against it.
	EubDetailsPub *ecdsa.PublicKey

	OEM *OEMKeys
}

// BuildSWUP assembles a complete, AES-GCM-encrypted, OEM-signed
// software update package carrying a single EUB: a PIEM-framed,
// checksummed and hashed exec image, a software encryption element
// wrapping its payload key via ECIES, and a header epilogue/footer
// sealed with the OEM header key. The result is byte-for-byte what
// swup.ValidatePhaseA/B/C and swup.Install expect to read back.
func BuildSWUP(spec SWUPSpec) ([]byte, error) {
	ephemeral, err := sbmcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("provtool: generate ephemeral key: %w", err)
	}

	payload, version, err := buildEUBPayload(spec)
	if err != nil {
		return nil, err
	}

	eubKey, eubIV, err := randomKeyIV()
	if err != nil {
		return nil, err
	}
	ciphertext, eubTag, err := sbmcrypto.AESGCMSeal(eubKey, eubIV, payload, nil)
	if err != nil {
		return nil, fmt.Errorf("provtool: seal EUB payload: %w", err)
	}

	aesgcmElement, err := buildAESGCMElement(spec, ephemeral, eubKey, eubIV, eubTag)
	if err != nil {
		return nil, err
	}

	// Header optional elements: just the AES-GCM wrap, terminated.
	headerOE := append(tlv.Encode(swup.AESGCMOptionalElementTag, aesgcmElement), tlv.EncodeTerminator()...)
	eubClearStart := hdrOffOptionalElements + len(headerOE)

	versionBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(versionBytes, version)
	eubOE := append(tlv.Encode(swup.VersionOptionalElementTag, versionBytes), tlv.EncodeTerminator()...)

	epilogueStart := eubClearStart + swup.EubOptionalElementsOffset + len(eubOE)
	firstEubStart := epilogueStart + swup.EpilogueSize
	payloadStart := firstEubStart
	length := payloadStart + len(ciphertext) + swup.FooterSize

	swupCapability := swup.CapEncryptionMode
	if spec.Compress {
		swupCapability |= swup.CapCompression
	}

	buf := make([]byte, length)
	binary.LittleEndian.PutUint32(buf[hdrOffMagic:], swup.HeaderMagic)
	binary.LittleEndian.PutUint32(buf[hdrOffLayoutVersion:], swup.SupportedLayoutVersion)
	binary.LittleEndian.PutUint32(buf[hdrOffSwupCapability:], swupCapability)
	binary.LittleEndian.PutUint32(buf[hdrOffEubCapability:], swup.CapEncryptionMode)
	binary.LittleEndian.PutUint32(buf[hdrOffLengthOfSwup:], uint32(length))
	binary.LittleEndian.PutUint16(buf[hdrOffNumEubs:], 1)
	binary.LittleEndian.PutUint16(buf[hdrOffFooterLength:], swup.FooterSize)

	binary.LittleEndian.PutUint16(buf[hdrOffEubClearStart:], uint16(eubClearStart))
	binary.LittleEndian.PutUint16(buf[hdrOffEubEncryptedStart:], uint16(payloadStart))
	binary.LittleEndian.PutUint16(buf[hdrOffEpilogueStart:], uint16(epilogueStart))
	binary.LittleEndian.PutUint16(buf[hdrOffFirstEubStart:], uint16(firstEubStart))

	headerRandom, err := randomNonzero32()
	if err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint32(buf[hdrOffHeaderRandom:], headerRandom)
	copy(buf[hdrOffUpdateKey:hdrOffUpdateKey+64], spec.UpdateKeyPub[:])
	copy(buf[hdrOffSecurityWorldUUID:hdrOffSecurityWorldUUID+16], spec.SecurityWorldUUID[:])
	binary.LittleEndian.PutUint16(buf[hdrOffSecurityWorldIter:], spec.SecurityWorldIteration)
	copy(buf[hdrOffUpdateUUID:hdrOffUpdateUUID+16], spec.UpdateUUID[:])

	copy(buf[hdrOffOptionalElements:], headerOE)

	eubCursor := eubClearStart
	eub := buf[eubCursor : eubCursor+swup.EubClearSize]
	binary.LittleEndian.PutUint16(eub[0x00:], swup.EubContentSWUpdate)
	binary.LittleEndian.PutUint16(eub[0x02:], swup.EubParametersMasterModule)
	binary.LittleEndian.PutUint32(eub[0x08:], uint32(payloadStart))
	binary.LittleEndian.PutUint32(eub[0x0c:], uint32(len(ciphertext)))
	binary.LittleEndian.PutUint32(eub[0x10:], spec.HwSku)
	binary.LittleEndian.PutUint16(eub[0x14:], sbmcrypto.Checksum16(ciphertext))
	payloadHash := sbmcrypto.Sha256(ciphertext)
	copy(eub[0x18:0x38], payloadHash[:])
	copy(buf[eubCursor+swup.EubOptionalElementsOffset:], eubOE)

	copy(buf[payloadStart:], ciphertext)

	// Epilogue: checksum/hash/sign the header region [0, epilogueStart).
	region := buf[:epilogueStart]
	regionChecksum := sbmcrypto.Checksum16(region)
	regionHash := sbmcrypto.Sha256(region)
	sig, err := sbmcrypto.ECDSASign(spec.OEM.Header, regionHash)
	if err != nil {
		return nil, fmt.Errorf("provtool: sign header: %w", err)
	}
	epilogue := buf[epilogueStart : epilogueStart+swup.EpilogueSize]
	copy(epilogue[0x00:0x20], regionHash[:])
	copy(epilogue[0x20:0x60], sig[:])
	binary.LittleEndian.PutUint16(epilogue[0x60:], regionChecksum)

	// Footer: a random value matched against the header's HeaderRandom,
	// plus a copy of the epilogue's checksum/hash/signature.
	footer := buf[length-swup.FooterSize:]
	copy(footer[0x00:0x20], regionHash[:])
	copy(footer[0x20:0x60], sig[:])
	binary.LittleEndian.PutUint16(footer[0x60:], regionChecksum)
	binary.LittleEndian.PutUint32(footer[0x64:], headerRandom)

	return buf, nil
}

// randomKeyIV draws a fresh AES-128-GCM key and IV for one EUB
// payload's encryption.
func randomKeyIV() (key, iv [16]byte, err error) {
	if _, err = rand.Read(key[:]); err != nil {
		return key, iv, err
	}
	if _, err = rand.Read(iv[:]); err != nil {
		return key, iv, err
	}
	return key, iv, nil
}

// randomNonzero32 draws a uint32 excluding the two sentinel values
// internal/swup and internal/piem treat as "random field never set".
func randomNonzero32() (uint32, error) {
	for {
		var b [4]byte
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}
		v := binary.LittleEndian.Uint32(b[:])
		if v != 0 && v != 0xFFFFFFFF {
			return v, nil
		}
	}
}

// buildAESGCMElement wraps the EUB payload key/iv/tag and a signature
// over them into the ciphertext swup.Install's unwrapSEER expects: the
// provisioning session's ephemeral public key, the ECIES-encrypted
// software encryption element record, and its detached GCM tag.
func buildAESGCMElement(spec SWUPSpec, ephemeral *ecdsa.PrivateKey, eubKey, eubIV [16]byte, eubTag [16]byte) ([]byte, error) {
	devicePub := sbmcrypto.EncodePublicKey(spec.EubDetailsPub)
	secret, err := sbmcrypto.ECDH(devicePub, ephemeral)
	if err != nil {
		return nil, fmt.Errorf("provtool: ECDH with EUB details key: %w", err)
	}
	wrapKey, wrapIV := sbmcrypto.ECIESDeriveKeyIV(secret)

	seer := make([]byte, seerSize)
	copy(seer[0:16], eubKey[:])
	copy(seer[16:32], eubIV[:])
	copy(seer[32:48], eubTag[:])
	seerHash := sbmcrypto.Sha256(seer[:48])
	sig, err := sbmcrypto.ECDSASign(spec.OEM.SEER, seerHash)
	if err != nil {
		return nil, fmt.Errorf("provtool: sign SEER: %w", err)
	}
	copy(seer[48:112], sig[:])

	ciphertext, wrapTag, err := sbmcrypto.AESGCMSeal(wrapKey, wrapIV, seer, nil)
	if err != nil {
		return nil, fmt.Errorf("provtool: seal SEER: %w", err)
	}

	ephemeralPub := sbmcrypto.EncodePublicKey(&ephemeral.PublicKey)
	element := make([]byte, 64+len(ciphertext)+16)
	copy(element[:64], ephemeralPub[:])
	copy(element[64:64+len(ciphertext)], ciphertext)
	copy(element[64+len(ciphertext):], wrapTag[:])
	return element, nil
}

// buildEUBPayload frames body in a PIEM header and footer: the fixed
// header fields, a zeroed ExecInfo region (overwritten with the real
// IAVVCS at install time), and a footer whose block hash/signature
// cover the header and body the way piem.Verifier recomputes them
// after install.
func buildEUBPayload(spec SWUPSpec) (plain []byte, version uint32, err error) {
	body := spec.Body
	if spec.Compress {
		body, err = xzCompress(body)
		if err != nil {
			return nil, 0, fmt.Errorf("provtool: compress EUB payload: %w", err)
		}
	}

	// EUB ciphertext length must stay 4-byte aligned (swup.ValidatePhaseA's
	// length%4 rule); AES-GCM emits ciphertext exactly as long as the
	// plaintext, so pad the body itself rather than the encrypted package.
	pad := (-len(body)) & 3
	padded := make([]byte, len(body)+pad)
	copy(padded, body)
	body = padded

	header := make([]byte, piem.HeaderSize)
	binary.LittleEndian.PutUint32(header[0x00:], piem.ExpectedModuleStatus)
	binary.LittleEndian.PutUint32(header[0x04:], uint32(piem.HeaderSize+len(body)))
	headerRandom, err := randomNonzero32()
	if err != nil {
		return nil, 0, err
	}
	binary.LittleEndian.PutUint32(header[0x08:], headerRandom)
	header[0x0c] = 0 // field_presence: no optional fields
	header[0x0d] = 1 // num_signatures
	binary.LittleEndian.PutUint16(header[0x0e:], piem.FooterSize)

	var versionBytes [4]byte
	binary.LittleEndian.PutUint32(versionBytes[:], spec.Version)

	footer := make([]byte, piem.FooterSize)
	copy(footer[0x00:0x04], versionBytes[:])
	hash := sbmcrypto.Sha256(header, body, versionBytes[:])
	copy(footer[0x04:0x24], hash[:])
	sig, err := sbmcrypto.ECDSASign(spec.OEM.Exec, hash)
	if err != nil {
		return nil, 0, fmt.Errorf("provtool: sign exec image: %w", err)
	}
	copy(footer[0x24:0x64], sig[:])
	binary.LittleEndian.PutUint16(footer[0x64:], sbmcrypto.Checksum16(append(append([]byte{}, header...), body...)))
	binary.LittleEndian.PutUint32(footer[0x68:], headerRandom)

	plain = make([]byte, 0, piem.HeaderSize+len(body)+piem.FooterSize)
	plain = append(plain, header...)
	plain = append(plain, body...)
	plain = append(plain, footer...)
	return plain, spec.Version, nil
}

// xzCompress runs data through an xz encoder in one shot, the same
// codec the teacher's own compress.go reaches for ahead of gzip/bzip2
// for anything larger than a trivial buffer.
func xzCompress(data []byte) ([]byte, error) {
	var out bytes.Buffer
	w, err := xz.NewWriter(&out)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
