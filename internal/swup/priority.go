package swup

import (
	"encoding/binary"
	"sort"

	"sbm/internal/memdev"
	"sbm/internal/tlv"
	"sbm/pkg/sbmerr"
)

// Candidate is one update slot's cheap prequalification result: enough
// to order slots without paying for Phase B/C on any but the one
// eventually chosen.
type Candidate struct {
	Slot        *memdev.Slot
	DeviceIndex int
	Buf         []byte
	Status      sbmerr.SwupStatus
	Result      PhaseAResult
	Version     uint32
}

// Valid reports whether this candidate passed Phase A and is eligible
// for installation.
func (c Candidate) Valid() bool { return c.Status == sbmerr.Initial }

// BuildPriorityQueue runs Phase A against every update slot's contents
// (the "cheap" pass — no checksum, hash, or signature work) and orders
// the results by descending version, ascending device index on a tie.
// DeviceIndex follows the slot's position in slots, which callers
// construct on-chip-first so the tie-break naturally prefers on-chip
// flash over external/removable media.
func BuildPriorityQueue(slots []*memdev.Slot, deps Dependencies) []Candidate {
	queue := make([]Candidate, 0, len(slots))
	for i, slot := range slots {
		buf := make([]byte, slot.Size)
		if err := slot.Read(0, buf); err != nil {
			queue = append(queue, Candidate{Slot: slot, DeviceIndex: i, Status: sbmerr.BadMagic})
			continue
		}
		status, res := ValidatePhaseA(buf, len(buf), deps)
		cand := Candidate{Slot: slot, DeviceIndex: i, Buf: buf, Status: status, Result: res}
		if status == sbmerr.Initial {
			cand.Version = peekVersion(buf, res)
		}
		queue = append(queue, cand)
	}

	sort.SliceStable(queue, func(i, j int) bool {
		a, b := queue[i], queue[j]
		if a.Valid() != b.Valid() {
			return a.Valid()
		}
		if a.Version != b.Version {
			return a.Version > b.Version
		}
		return a.DeviceIndex < b.DeviceIndex
	})
	return queue
}

// peekVersion cheaply reads the first EUB clear-details record's version
// optional element without validating checksum, hash, or layout
// termination — good enough to order candidates, not to install one.
func peekVersion(buf []byte, res PhaseAResult) uint32 {
	h := NewHeaderView(buf)
	cursor := int(h.EubClearStart())
	if cursor+EubClearSize > len(buf) {
		return 0
	}
	oeRegion := buf[cursor+EubOptionalElementsOffset:]
	node, _, ok := tlv.WalkRAM(oeRegion, VersionOptionalElementTag)
	if !ok || node.ValueLen != 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(oeRegion[node.ValueOffset : node.ValueOffset+4])
}

// InstallFromQueue walks queue in priority order, skipping invalid
// candidates, and calls install on the first valid one. On InstallFailure
// it falls through to the next candidate; on InstallBricked it stops
// immediately, per the no-second-attempt rule.
func InstallFromQueue(queue []Candidate, install func(Candidate) sbmerr.InstallResult) (Candidate, sbmerr.InstallResult, bool) {
	for _, cand := range queue {
		if !cand.Valid() {
			continue
		}
		result := install(cand)
		switch result {
		case sbmerr.InstallSuccess, sbmerr.InstallSuccessVerified:
			return cand, result, true
		case sbmerr.InstallBricked:
			return cand, result, true
		case sbmerr.InstallFailure:
			continue
		}
	}
	return Candidate{}, sbmerr.InstallFailure, false
}
