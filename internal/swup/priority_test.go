package swup_test

import (
	"encoding/binary"
	"testing"

	"sbm/internal/memdev"
	"sbm/internal/sbmcrypto"
	"sbm/internal/swup"
	"sbm/internal/tlv"
	"sbm/pkg/sbmerr"
)

// writeMinimalSwupToSlot builds a single-EUB SWUP laid out like
// buildSwupFixture's, with a caller-supplied version, and programs it
// into slot. It is complete enough for Phase A only: the payload is
// opaque zero bytes, and no EUB checksum/hash, hw_sku, or epilogue is
// filled in.
func writeMinimalSwupToSlot(t *testing.T, slot *memdev.Slot, version uint32, worldUUID [16]byte, worldIter uint16, updateKey [64]byte) {
	t.Helper()

	const headerSize = 0xb4
	versionOE := append(tlv.Encode(swup.VersionOptionalElementTag, leBytes(version)), tlv.EncodeTerminator()...)
	aesOE := append(tlv.Encode(swup.AESGCMOptionalElementTag, make([]byte, 96)), tlv.EncodeTerminator()...)

	eubClearStart := headerSize + len(aesOE)
	epilogueStart := eubClearStart + swup.EubOptionalElementsOffset + len(versionOE)
	if pad := epilogueStart % 4; pad != 0 {
		epilogueStart += 4 - pad
	}
	firstEubStart := epilogueStart + swup.EpilogueSize

	payload := make([]byte, 1200) // arbitrary opaque EUB payload bytes; Phase A never reads them
	payloadStart := firstEubStart
	totalLen := payloadStart + len(payload) + swup.FooterSize

	buf := make([]byte, totalLen)
	binary.LittleEndian.PutUint32(buf[0x00:], swup.HeaderMagic)
	binary.LittleEndian.PutUint32(buf[0x04:], swup.SupportedLayoutVersion)
	binary.LittleEndian.PutUint32(buf[0x08:], swup.CapEncryptionMode)
	binary.LittleEndian.PutUint32(buf[0x0c:], swup.CapEncryptionMode)
	binary.LittleEndian.PutUint32(buf[0x10:], uint32(totalLen))
	binary.LittleEndian.PutUint16(buf[0x14:], 1)
	binary.LittleEndian.PutUint16(buf[0x1c:], uint16(swup.FooterSize))
	binary.LittleEndian.PutUint16(buf[0x20:], uint16(eubClearStart))
	binary.LittleEndian.PutUint16(buf[0x24:], uint16(epilogueStart))
	binary.LittleEndian.PutUint16(buf[0x26:], uint16(firstEubStart))
	binary.LittleEndian.PutUint32(buf[0x28:], 0x11223344)
	copy(buf[0x2c:0x6c], updateKey[:])
	copy(buf[0x6c:0x7c], worldUUID[:])
	binary.LittleEndian.PutUint16(buf[0x7c:], worldIter)
	var updateUUID [16]byte
	for i := range updateUUID {
		updateUUID[i] = byte(0xB0 + i)
	}
	copy(buf[0x7e:0x8e], updateUUID[:])

	copy(buf[0xb4:], aesOE)

	eub := buf[eubClearStart : eubClearStart+swup.EubClearSize]
	binary.LittleEndian.PutUint16(eub[0x00:], swup.EubContentSWUpdate)
	binary.LittleEndian.PutUint16(eub[0x02:], swup.EubParametersMasterModule)
	binary.LittleEndian.PutUint32(eub[0x08:], uint32(payloadStart))
	binary.LittleEndian.PutUint32(eub[0x0c:], uint32(len(payload)))
	copy(buf[eubClearStart+swup.EubOptionalElementsOffset:], versionOE)

	foot := buf[payloadStart+len(payload) : totalLen]
	binary.LittleEndian.PutUint32(foot[0x64:], 0x11223344)

	if err := slot.Program(0, buf); err != nil {
		t.Fatalf("Program failed: %v", err)
	}
}

func TestBuildPriorityQueueOrdersByDescendingVersion(t *testing.T) {
	t.Log("Test the priority queue orders valid candidates by descending version")

	var worldUUID [16]byte
	for i := range worldUUID {
		worldUUID[i] = byte(i + 1)
	}
	worldIter := uint16(3)
	updatePriv, err := sbmcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	updateKey := sbmcrypto.EncodePublicKey(&updatePriv.PublicKey)

	const slotSize = 4096
	devA := memdev.NewRAMDevice("update0", slotSize, 0xFF)
	devB := memdev.NewRAMDevice("update1", slotSize, 0xFF)
	slotA := &memdev.Slot{Name: "update0", ID: 3, Device: devA, Start: 0, Size: slotSize}
	slotB := &memdev.Slot{Name: "update1", ID: 4, Device: devB, Start: 0, Size: slotSize}

	writeMinimalSwupToSlot(t, slotA, 2, worldUUID, worldIter, updateKey)
	writeMinimalSwupToSlot(t, slotB, 9, worldUUID, worldIter, updateKey)

	deps := swup.Dependencies{
		SecurityWorldUUID:      worldUUID,
		SecurityWorldIteration: worldIter,
		FindUpdateKeyInstance:  func(pub [64]byte) (uint8, bool) { return 0, pub == updateKey },
	}

	queue := swup.BuildPriorityQueue([]*memdev.Slot{slotA, slotB}, deps)
	if len(queue) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(queue))
	}
	if !queue[0].Valid() || !queue[1].Valid() {
		t.Fatalf("expected both candidates valid: %+v", queue)
	}
	if queue[0].Slot != slotB || queue[0].Version != 9 {
		t.Fatalf("expected slotB (version 9) first, got slot=%s version=%d", queue[0].Slot.Name, queue[0].Version)
	}
	if queue[1].Slot != slotA || queue[1].Version != 2 {
		t.Fatalf("expected slotA (version 2) second, got slot=%s version=%d", queue[1].Slot.Name, queue[1].Version)
	}
}

func TestBuildPriorityQueueSortsInvalidCandidatesLast(t *testing.T) {
	t.Log("Test a slot that fails Phase A sorts after every valid candidate")

	var worldUUID [16]byte
	for i := range worldUUID {
		worldUUID[i] = byte(i + 1)
	}
	worldIter := uint16(3)
	updatePriv, err := sbmcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	updateKey := sbmcrypto.EncodePublicKey(&updatePriv.PublicKey)

	const slotSize = 4096
	devGood := memdev.NewRAMDevice("update0", slotSize, 0xFF)
	devBad := memdev.NewRAMDevice("update1", slotSize, 0xFF)
	slotGood := &memdev.Slot{Name: "update0", ID: 3, Device: devGood, Start: 0, Size: slotSize}
	slotBad := &memdev.Slot{Name: "update1", ID: 4, Device: devBad, Start: 0, Size: slotSize}

	writeMinimalSwupToSlot(t, slotGood, 1, worldUUID, worldIter, updateKey)
	// slotBad is left fully erased (0xFF), which fails the magic check.

	deps := swup.Dependencies{
		SecurityWorldUUID:      worldUUID,
		SecurityWorldIteration: worldIter,
		FindUpdateKeyInstance:  func(pub [64]byte) (uint8, bool) { return 0, pub == updateKey },
	}

	queue := swup.BuildPriorityQueue([]*memdev.Slot{slotBad, slotGood}, deps)
	if !queue[0].Valid() || queue[0].Slot != slotGood {
		t.Fatalf("expected the valid slot first regardless of device index, got %+v", queue[0])
	}
	if queue[1].Valid() {
		t.Fatalf("expected the second candidate to be invalid")
	}
}

func TestInstallFromQueueStopsOnBricked(t *testing.T) {
	t.Log("Test InstallFromQueue stops at the first Bricked result without trying the next candidate")

	queue := []swup.Candidate{
		{Status: sbmerr.Initial, Version: 2},
		{Status: sbmerr.Initial, Version: 1},
	}
	calls := 0
	_, result, ok := swup.InstallFromQueue(queue, func(c swup.Candidate) sbmerr.InstallResult {
		calls++
		return sbmerr.InstallBricked
	})
	if !ok || result != sbmerr.InstallBricked {
		t.Fatalf("expected InstallBricked, got result=%v ok=%v", result, ok)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 install attempt, got %d", calls)
	}
}

func TestInstallFromQueueFallsThroughOnFailure(t *testing.T) {
	t.Log("Test InstallFromQueue tries the next candidate after a plain Failure")

	queue := []swup.Candidate{
		{Status: sbmerr.Initial, Version: 2},
		{Status: sbmerr.Initial, Version: 1},
	}
	var seen []uint32
	_, result, ok := swup.InstallFromQueue(queue, func(c swup.Candidate) sbmerr.InstallResult {
		seen = append(seen, c.Version)
		if c.Version == 2 {
			return sbmerr.InstallFailure
		}
		return sbmerr.InstallSuccess
	})
	if !ok || result != sbmerr.InstallSuccess {
		t.Fatalf("expected InstallSuccess, got result=%v ok=%v", result, ok)
	}
	if len(seen) != 2 || seen[0] != 2 || seen[1] != 1 {
		t.Fatalf("expected both candidates tried in order, got %v", seen)
	}
}
