package swup

import (
	"encoding/binary"

	"sbm/internal/memdev"
	"sbm/internal/pdb"
	"sbm/internal/piem"
	"sbm/internal/sbmcrypto"
	"sbm/internal/tlv"
	"sbm/pkg/sbmerr"

	"github.com/google/uuid"
)

// streamChunkSize bounds how much ciphertext Install feeds to a GCMStream
// per Update call, mirroring the bounce-buffer discipline of the device
// program/erase path even though the underlying AEAD still finalizes in
// one shot.
const streamChunkSize = 4096

// seerSize is the length of a decrypted software encryption element
// record: the per-package EUB payload key, its IV, the GCM tag that
// authenticates the payload, and a signature over all three.
const seerSize = 16 + 16 + 16 + 64

// InstallDependencies supplies the provisioned key material, OEM
// signature verifiers, and target slots the installer needs but does
// not own.
type InstallDependencies struct {
	// Store is the open provisioned data block; EubDetailsKeySlot names
	// the private-key slot within it used for the ECDH step.
	Store             *pdb.Store
	EubDetailsKeySlot int

	// VerifySEERSignature checks the unwrapped key/iv/tag triple against
	// the OEM EUB-details validation key.
	VerifySEERSignature func(hash [32]byte, sig [64]byte) (bool, error)

	// VerifyExecSignature checks a freshly installed image's footer
	// signature against the OEM PU-validation key. Nil skips the
	// immediate post-install verification step.
	VerifyExecSignature func(hash [32]byte, sig [64]byte) (bool, error)

	AppStatus *memdev.Slot
	Exec      *memdev.Slot

	InstalledUUID uuid.UUID
}

// Install unwraps the per-package payload key from the header's AES-GCM
// optional element via ECDH, verifies the unwrapped key material,
// decrypts and authenticates every EUB payload in memory, and only then
// erases the app_status and exec slots and programs the resulting PIEM
// header (with a freshly fabricated IAVVCS) and body into place.
//
// A payload that fails to decrypt or authenticate is therefore reported
// as InstallFailure with both slots untouched; decryption does not
// overlap programming. From the exec erase on there is no path back to
// the previous image: every failure from that point is reported as
// InstallBricked rather than InstallFailure.
func Install(buf []byte, res PhaseAResult, deps InstallDependencies) sbmerr.InstallResult {
	h := NewHeaderView(buf)

	eubKey, eubIV, eubTag, ok := unwrapSEER(h, res, deps)
	if !ok {
		return sbmerr.InstallFailure
	}

	records, ok := collectEubRecords(h, res)
	if !ok {
		return sbmerr.InstallFailure
	}

	plaintexts := make([][]byte, len(records))
	versions := make([]uint32, len(records))
	for i, rec := range records {
		if rec.payloadStart+rec.payloadLen > len(buf) {
			return sbmerr.InstallFailure
		}
		payload := buf[rec.payloadStart : rec.payloadStart+rec.payloadLen]
		plain, err := streamDecrypt(eubKey, eubIV, eubTag, payload)
		if err != nil {
			return sbmerr.InstallFailure
		}
		if len(plain) < piem.HeaderSize+piem.FooterSize {
			return sbmerr.InstallFailure
		}
		plaintexts[i] = plain
		versions[i] = rec.version
	}

	// Past this point a failure cannot be rolled back: both target slots
	// are about to be erased.
	if err := deps.AppStatus.Erase(0, deps.AppStatus.Size); err != nil {
		return sbmerr.InstallFailure
	}
	if err := deps.Exec.Erase(0, deps.Exec.Size); err != nil {
		return sbmerr.InstallBricked
	}

	var lastHeader []byte
	for i, plain := range plaintexts {
		header := append([]byte{}, plain[:piem.HeaderSize]...)
		footerBytes := plain[len(plain)-piem.FooterSize:]
		body := plain[piem.HeaderSize : len(plain)-piem.FooterSize]

		footer := piem.NewFooterView(footerBytes)
		hv := piem.NewHeaderView(header)
		piem.WriteIAVVCS(hv.ExecInfo(), deps.InstalledUUID, footer)

		if footer.VersionNumber() != versions[i] {
			return sbmerr.InstallBricked
		}

		if err := deps.Exec.Program(0, body); err != nil {
			return sbmerr.InstallBricked
		}
		if err := deps.AppStatus.Program(0, header); err != nil {
			return sbmerr.InstallBricked
		}
		lastHeader = header
	}

	if deps.VerifyExecSignature == nil || lastHeader == nil {
		return sbmerr.InstallSuccess
	}

	vf := piem.Verifier{
		ExecImage: func(n int) ([]byte, error) {
			out := make([]byte, n)
			if err := deps.Exec.Read(0, out); err != nil {
				return nil, err
			}
			return out, nil
		},
		VerifySignature: deps.VerifyExecSignature,
	}
	lastHeaderView := piem.NewHeaderView(lastHeader)
	if err := vf.Verify(lastHeaderView, piem.NewIAVVCSView(lastHeaderView.ExecInfo())); err != nil {
		return sbmerr.InstallBricked
	}
	return sbmerr.InstallSuccessVerified
}

// unwrapSEER locates the header's AES-GCM optional element, derives the
// ECIES key/iv from an ECDH exchange against the element's peer public
// key, decrypts the wrapped software encryption element record, and
// verifies its signature. It returns the per-package EUB payload key,
// iv, and GCM tag on success.
func unwrapSEER(h HeaderView, res PhaseAResult, deps InstallDependencies) (key, iv, tag [16]byte, ok bool) {
	oes := h.OptionalElements(res.MaxOffset)
	node, _, found := tlv.WalkRAM(oes, AESGCMOptionalElementTag)
	if !found || node.ValueLen < 64+16 {
		return key, iv, tag, false
	}
	element := oes[node.ValueOffset : node.ValueOffset+node.ValueLen]

	var peerPub [64]byte
	copy(peerPub[:], element[:64])
	var elementTag [16]byte
	copy(elementTag[:], element[len(element)-16:])
	ciphertext := element[64 : len(element)-16]

	secret, err := deps.Store.SharedSecret(deps.EubDetailsKeySlot, peerPub)
	if err != nil {
		return key, iv, tag, false
	}
	wrapKey, wrapIV := sbmcrypto.ECIESDeriveKeyIV(secret)

	seer, err := sbmcrypto.AESGCMOpen(wrapKey, wrapIV, ciphertext, elementTag, nil)
	if err != nil || len(seer) != seerSize {
		return key, iv, tag, false
	}

	copy(key[:], seer[0:16])
	copy(iv[:], seer[16:32])
	copy(tag[:], seer[32:48])
	var sig [64]byte
	copy(sig[:], seer[48:112])

	seerHash := sbmcrypto.Sha256(seer[:48])
	valid, err := deps.VerifySEERSignature(seerHash, sig)
	if err != nil || !valid {
		return key, iv, tag, false
	}
	return key, iv, tag, true
}

// eubRecord is the subset of an EUB clear-details record the installer
// needs, already resolved against the package buffer.
type eubRecord struct {
	payloadStart int
	payloadLen   int
	version      uint32
}

// collectEubRecords re-walks the clear-details run ValidatePhaseC already
// confirmed well-formed, extracting each record's payload location and
// installed version number.
func collectEubRecords(h HeaderView, res PhaseAResult) ([]eubRecord, bool) {
	out := make([]eubRecord, 0, res.NumEubs)
	cursor := int(h.EubClearStart())
	b := h.b

	for i := 0; i < int(res.NumEubs); i++ {
		if cursor+EubClearSize > len(b) {
			return nil, false
		}
		eub := NewEubClearView(b[cursor : cursor+EubClearSize])

		oeRegion := b[cursor+EubOptionalElementsOffset:]
		node, _, found := tlv.WalkRAM(oeRegion, VersionOptionalElementTag)
		if !found || node.ValueLen != 4 {
			return nil, false
		}
		version := binary.LittleEndian.Uint32(oeRegion[node.ValueOffset : node.ValueOffset+4])

		oeLen, ok := tlv.ScanEnd(oeRegion)
		if !ok {
			return nil, false
		}

		out = append(out, eubRecord{
			payloadStart: int(eub.PayloadStart()),
			payloadLen:   int(eub.PayloadLength()),
			version:      version,
		})
		cursor += EubOptionalElementsOffset + oeLen
	}
	return out, true
}

// streamDecrypt feeds ciphertext through a GCMStream in bounded chunks
// and finalizes against tag.
func streamDecrypt(key, iv, tag [16]byte, ciphertext []byte) ([]byte, error) {
	stream, err := sbmcrypto.Begin(key, iv, nil)
	if err != nil {
		return nil, err
	}
	for off := 0; off < len(ciphertext); off += streamChunkSize {
		end := off + streamChunkSize
		if end > len(ciphertext) {
			end = len(ciphertext)
		}
		stream.Update(ciphertext[off:end])
	}
	return stream.End(tag)
}
