package swup

import (
	"sbm/internal/piem"
	"sbm/internal/sbmcrypto"
	"sbm/internal/tlv"
	"sbm/pkg/sbmerr"
)

// Dependencies supplies the provisioned-data facts the validator needs
// but does not own: the security-world identity to match against, the
// currently-installed update UUID (the zero UUID if nothing is
// installed yet), update-key lookup, and OEM header-signature
// verification.
type Dependencies struct {
	SecurityWorldUUID      [16]byte
	SecurityWorldIteration uint16
	InstalledUUID          [16]byte
	FindUpdateKeyInstance  func(pub [64]byte) (instance uint8, found bool)
	VerifyHeaderSignature  func(hash [32]byte, sig [64]byte) (bool, error)
}

// PhaseAResult carries the facts later phases and the installer need,
// extracted while Phase A was already reading the same bytes.
type PhaseAResult struct {
	MaxOffset   int
	NumEubs     uint16
	KeyInstance uint8
	Encrypted   bool
}

// ValidatePhaseA runs the cheap structural checks against a fully
// materialized SWUP buffer: magic, layout version, capability words,
// EUB count, total length, footer length, layout offsets, random
// values, update UUID, security-world identity, and update key. It
// bails at the first failing check, per the reject-cost-minimizing
// order of the reference implementation.
func ValidatePhaseA(buf []byte, slotSize int, deps Dependencies) (sbmerr.SwupStatus, PhaseAResult) {
	var res PhaseAResult
	if len(buf) < offOptionalElements {
		return sbmerr.BadMagic, res
	}
	h := NewHeaderView(buf)

	if h.Magic() != HeaderMagic {
		return sbmerr.BadMagic, res
	}
	if h.LayoutVersion() != SupportedLayoutVersion {
		return sbmerr.BadLayoutVersion, res
	}

	swupCap := h.SwupCapability()
	if swupCap&CapEncryptionMode == 0 {
		return sbmerr.BadSwupCapability, res
	}
	if swupCap&^SupportedSwupCapabilityMask != 0 {
		return sbmerr.BadSwupCapability, res
	}

	eubCap := h.EubCapability()
	if eubCap&CapEncryptionMode == 0 {
		return sbmerr.BadEubCapability, res
	}
	if eubCap&^SupportedEubCapabilityMask != 0 {
		return sbmerr.BadEubCapability, res
	}

	numEubs := h.NumEubs()
	if numEubs < 1 || int(numEubs) > SupportedEubs {
		return sbmerr.BadNumEubs, res
	}
	res.NumEubs = numEubs

	minLen := offOptionalElements + int(numEubs)*EubClearSize + EpilogueSize + FooterSize
	length := h.LengthOfSwup()
	if int(length) < minLen || int(length) > slotSize || length%4 != 0 {
		return sbmerr.BadTotalLength, res
	}
	maxOffset := int(length)
	res.MaxOffset = maxOffset

	if h.FooterLength() != FooterSize {
		return sbmerr.BadFooterLength, res
	}
	if int(h.FirstEubStart())-int(h.EpilogueStart()) != EpilogueSize {
		return sbmerr.BadLayout, res
	}

	headerRandom := h.HeaderRandom()
	if invalidRandom(headerRandom) {
		return sbmerr.BadHeaderRandom, res
	}
	footerOff := maxOffset - FooterSize
	if footerOff+FooterSize > len(buf) {
		return sbmerr.BadTotalLength, res
	}
	footer := NewFooterView(buf[footerOff:])
	if invalidRandom(footer.Random()) || footer.Random() != headerRandom {
		return sbmerr.BadHeaderRandom, res
	}

	for _, off := range []uint16{h.EubClearStart(), h.EubEncryptedStart(), h.EpilogueStart(), h.FirstEubStart()} {
		if off%4 != 0 {
			return sbmerr.BadOffsetAlignment, res
		}
	}

	updateUUID := h.UpdateUUID()
	if isZeroUUID(updateUUID) {
		return sbmerr.BadUpdateUUID, res
	}
	if updateUUID == deps.InstalledUUID && !isZeroUUID(deps.InstalledUUID) {
		return sbmerr.InstalledPrevious, res
	}

	if h.SecurityWorldUUID() != deps.SecurityWorldUUID {
		return sbmerr.BadSecurityWorld, res
	}
	if h.SecurityWorldIteration() != deps.SecurityWorldIteration {
		return sbmerr.BadSecurityWorld, res
	}

	instance, ok := deps.FindUpdateKeyInstance(h.UpdateKey())
	if !ok {
		return sbmerr.BadUpdateKey, res
	}
	res.KeyInstance = instance

	oes := h.OptionalElements(maxOffset)
	_, _, hasAESGCM := tlv.WalkRAM(oes, AESGCMOptionalElementTag)
	if !hasAESGCM {
		return sbmerr.BadEncryptionElement, res
	}
	res.Encrypted = true

	return sbmerr.Initial, res
}

// ValidatePhaseB checksums and hashes the header region [0, epilogue),
// compares against the epilogue's own checksum/hash, and verifies the
// epilogue signature with the OEM validation key.
func ValidatePhaseB(buf []byte, res PhaseAResult, deps Dependencies) sbmerr.SwupStatus {
	h := NewHeaderView(buf)
	epilogueStart := int(h.EpilogueStart())
	if epilogueStart > len(buf) {
		return sbmerr.BadLayout
	}
	region := buf[:epilogueStart]
	checksum := sbmcrypto.Checksum16(region)
	hash := sbmcrypto.Sha256(region)

	epilogueOff := epilogueStart
	if epilogueOff+EpilogueSize > len(buf) {
		return sbmerr.BadLayout
	}
	epilogue := NewEpilogueView(buf[epilogueOff:])
	if checksum != epilogue.Checksum() {
		return sbmerr.BadHeaderChecksum
	}
	if !bytesEqual(hash[:], epilogue.Hash()) {
		return sbmerr.BadHeaderHash
	}
	ok, err := deps.VerifyHeaderSignature(hash, epilogue.Signature())
	if err != nil || !ok {
		return sbmerr.BadHeaderSignature
	}
	return sbmerr.Initial
}

// ValidatePhaseC walks the EUB clear-details records starting at
// eub_clear_details_start, validating content/parameters/hw_sku,
// payload bounds, checksum/hash, and the version optional element for
// each, then confirms the records and their optional-element trailers
// exactly fill the run up to epilogue_start.
func ValidatePhaseC(buf []byte, res PhaseAResult, execSlotSize int, supportedHwSku uint32) sbmerr.SwupStatus {
	h := NewHeaderView(buf)
	cursor := int(h.EubClearStart())
	epilogueStart := int(h.EpilogueStart())
	firstEubStart := int(h.FirstEubStart())
	lengthOfSwup := int(h.LengthOfSwup())

	for i := 0; i < int(res.NumEubs); i++ {
		if cursor+EubClearSize > len(buf) {
			return sbmerr.BadEubLayout
		}
		eub := NewEubClearView(buf[cursor : cursor+EubClearSize])

		if eub.Content() != EubContentSWUpdate || eub.Parameters() != EubParametersMasterModule {
			return sbmerr.BadEubContent
		}
		if eub.HwSku() != supportedHwSku {
			return sbmerr.BadEubContent
		}

		payloadStart := int(eub.PayloadStart())
		payloadLen := int(eub.PayloadLength())
		minPayload := piem.HeaderSize + piem.FooterSize
		maxPayload := execSlotSize + piem.HeaderSize
		if payloadStart%4 != 0 || payloadStart < firstEubStart || payloadStart >= lengthOfSwup {
			return sbmerr.BadEubPayloadBounds
		}
		if payloadLen < minPayload || payloadLen > maxPayload {
			return sbmerr.BadEubPayloadBounds
		}
		if payloadStart+payloadLen > len(buf) {
			return sbmerr.BadEubPayloadBounds
		}

		payload := buf[payloadStart : payloadStart+payloadLen]
		checksum := sbmcrypto.Checksum16(payload)
		hash := sbmcrypto.Sha256(payload)
		if checksum != eub.Checksum() {
			return sbmerr.BadEubChecksum
		}
		if !bytesEqual(hash[:], eub.Hash()) {
			return sbmerr.BadEubHash
		}

		oeRegion := buf[cursor+EubOptionalElementsOffset:]
		node, _, ok := tlv.WalkRAM(oeRegion, VersionOptionalElementTag)
		if !ok || node.ValueLen != 4 {
			return sbmerr.BadEubVersionElement
		}
		oeLen, ok := tlv.ScanEnd(oeRegion)
		if !ok {
			return sbmerr.BadEubLayout
		}

		cursor += EubOptionalElementsOffset + oeLen
	}

	// The fixed-size clear-details records must exactly fill the run
	// from eub_clear_details_start to epilogue_start; Phase A already
	// confirmed first_eub_start - epilogue_start == EpilogueSize, so
	// this is the remaining layout cross-check clear-details owns.
	if cursor != epilogueStart {
		return sbmerr.BadEubLayout
	}
	return sbmerr.Initial
}

func invalidRandom(r uint32) bool { return r == 0 || r == 0xFFFFFFFF }

func isZeroUUID(u [16]byte) bool {
	for _, b := range u {
		if b != 0 {
			return false
		}
	}
	return true
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
