// Package secureapi implements the single post-launch entry point the
// application calls into: a function-table dispatcher that validates
// every caller-supplied buffer against the memory it is permitted to
// touch before handing off to a service handler, then returns a stable
// numeric status drawn from pkg/sbmerr.
package secureapi

import (
	"encoding/binary"
	"unsafe"

	"github.com/rs/zerolog"

	"sbm/internal/bufcheck"
	"sbm/internal/config"
	"sbm/internal/memdev"
	"sbm/internal/oem"
	"sbm/internal/pdb"
	"sbm/internal/persist"
	"sbm/internal/swup"
	"sbm/pkg/sbmerr"
)

// Fidx names a secure API service table entry. Values are the stable
// dispatch indices the application calls with; like the error codes in
// pkg/sbmerr, once assigned these must never be renumbered.
type Fidx uint32

const (
	FidxCertEnumerate Fidx = iota
	FidxCertLookup
	FidxCertCopy
	FidxCertParent
	FidxKeyEnumerate
	FidxKeyLookup
	FidxKeyDetails
	FidxKeySign
	FidxKeyVerify
	FidxKeySharedSecret
	FidxSBMInfo
	FidxUpdateInfo
	FidxApplicationInfo
	FidxUpdateSlotInfo
	FidxCheckUpdateSlot
	FidxInstallUpdate
	FidxUpdateSlotBeginWrite
	FidxUpdateSlotWrite
	FidxUpdateSlotEndWrite
	FidxSetActiveUpdateSlot
	FidxGetSBMPerformance
)

// SBM info selector values for FidxSBMInfo's input word.
const (
	SBMInfoVersion uint32 = iota
	SBMInfoBuildTime
	SBMInfoProvisioningDate
	SBMInfoProvisioningMachine
)

// variableLen marks a service table entry's in/out length as
// caller-determined rather than a fixed compile-time size — the
// "required size" fill pattern and the update-slot write payload both
// need it.
const variableLen = -1

// SBMInfo carries the build/provisioning facts FidxSBMInfo reports,
// each rendered as the exact bytes returned to the caller.
type SBMInfo struct {
	Version             []byte
	BuildTime           []byte
	ProvisioningDate    []byte
	ProvisioningMachine []byte
}

// Gate is the secure API dispatcher. One Gate is constructed per boot,
// after the application has launched, and is the only surface through
// which the application touches provisioned data, update slots, or
// install bookkeeping.
type Gate struct {
	Registry *memdev.Registry
	Persist  *persist.SbmPersistent
	Checker  *bufcheck.Checker
	Sink     oem.StatusSink
	Log      zerolog.Logger
	Features config.FeatureSet

	// RawStore is the PDB as opened at boot: still ciphertext if
	// FeatureSet.PDBEncrypted and the PSR's encrypted bit is set. Every
	// call that touches cert/key data re-decrypts into Persist's
	// plaintext buffer and wipes it again on the way out, minimizing
	// the window a plaintext copy exists now that boot no longer keeps
	// one resident.
	RawStore      *pdb.Store
	PDBDecryptKey [16]byte

	SwupDeps    swup.Dependencies
	InstallDeps func(candidate swup.Candidate) swup.InstallDependencies

	Info SBMInfo

	table map[Fidx]serviceEntry
}

type serviceEntry struct {
	inLen        int
	outLen       int
	allowOverlap bool
	handler      func(g *Gate, store *pdb.Store, in, out []byte) int32
}

// New builds a Gate and its service table. GetSBMPerformance is wired
// into the table only when cfg.Benchmarking is set; calling it
// otherwise returns UnimplementedFunction via the ordinary
// missing-handler path.
func New(registry *memdev.Registry, p *persist.SbmPersistent, checker *bufcheck.Checker, rawStore *pdb.Store, sink oem.StatusSink, log zerolog.Logger, cfg config.FeatureSet) *Gate {
	g := &Gate{
		Registry: registry,
		Persist:  p,
		Checker:  checker,
		Sink:     sink,
		Log:      log,
		Features: cfg,
		RawStore: rawStore,
	}
	g.table = map[Fidx]serviceEntry{
		FidxCertEnumerate:        {inLen: 6, outLen: 0, handler: enumerateHandler},
		FidxCertLookup:           {inLen: 8, outLen: 0, handler: lookupHandler},
		FidxCertCopy:             {inLen: 4, outLen: variableLen, handler: certCopyHandler},
		FidxCertParent:           {inLen: 4, outLen: 0, handler: certParentHandler},
		FidxKeyEnumerate:         {inLen: 6, outLen: 0, handler: enumerateHandler},
		FidxKeyLookup:            {inLen: 8, outLen: 0, handler: lookupHandler},
		FidxKeyDetails:           {inLen: 4, outLen: keyDetailsOutSize, handler: keyDetailsHandler},
		FidxKeySign:              {inLen: 36, outLen: 64, handler: keySignHandler},
		FidxKeyVerify:            {inLen: 100, outLen: 4, handler: keyVerifyHandler},
		FidxKeySharedSecret:      {inLen: 68, outLen: 32, handler: keySharedSecretHandler},
		FidxSBMInfo:              {inLen: 4, outLen: variableLen, handler: sbmInfoHandler},
		FidxUpdateInfo:           {inLen: 0, outLen: 20, handler: updateInfoHandler},
		FidxApplicationInfo:      {inLen: 0, outLen: 16, handler: applicationInfoHandler},
		FidxUpdateSlotInfo:       {inLen: 4, outLen: 16, handler: updateSlotInfoHandler},
		FidxCheckUpdateSlot:      {inLen: 4, outLen: 8, handler: checkUpdateSlotHandler},
		FidxInstallUpdate:        {inLen: 4, outLen: 4, handler: installUpdateHandler},
		FidxUpdateSlotBeginWrite: {inLen: 4, outLen: 4, handler: beginWriteHandler},
		FidxUpdateSlotWrite:      {inLen: variableLen, outLen: 0, handler: writeHandler},
		FidxUpdateSlotEndWrite:   {inLen: 0, outLen: 0, handler: endWriteHandler},
		FidxSetActiveUpdateSlot:  {inLen: 4, outLen: 0, handler: setActiveSlotHandler},
	}
	if cfg.Benchmarking {
		g.table[FidxGetSBMPerformance] = serviceEntry{inLen: 0, outLen: 8, handler: performanceHandler}
	} else {
		g.table[FidxGetSBMPerformance] = serviceEntry{inLen: 0, outLen: 8}
	}
	return g
}

// Call implements the twelve-step validation/dispatch sequence: range
// and size checks, buffer-permission checks, overlap rejection, a debug
// trace of the dispatch (logging is not quiesced), on-demand PDB decrypt, TOCTOU input staging on firewall
// platforms, the handler call itself, and plaintext-PDB cleanup.
func (g *Gate) Call(fidx uint32, in []byte, out []byte) int32 {
	entry, ok := g.table[Fidx(fidx)]
	if !ok {
		return int32(sbmerr.MissingFunction)
	}
	if entry.handler == nil {
		return int32(sbmerr.UnimplementedFunction)
	}

	if code := g.validateIn(in, entry.inLen); code != sbmerr.Success {
		return int32(code)
	}
	if code := g.validateOut(out, entry.outLen); code != sbmerr.Success {
		return int32(code)
	}

	if len(in) > 0 && len(out) > 0 && !entry.allowOverlap && rangesOverlap(in, out) {
		return int32(sbmerr.BufOverlap)
	}

	g.Log.Debug().Uint32("fidx", fidx).Msg("secure api dispatch")

	store, err := g.resolveStore()
	if err != nil {
		return int32(sbmerr.EdpDecryptError)
	}

	inCopy := in
	if g.Features.Firewall {
		inCopy = g.Persist.StageInput(in)
	}

	result := entry.handler(g, store, inCopy, out)

	g.Persist.WipePlaintextPDB()

	return result
}

// resolveStore returns the store service handlers should read from for
// this call, re-decrypting the PDB into persistent RAM when it is
// provisioned encrypted. The decrypted copy is wiped again by Call once
// the handler returns, mirroring the boot orchestrator's own
// decrypt-then-wipe discipline but on a per-call basis since the
// orchestrator already wiped its own copy before launch.
func (g *Gate) resolveStore() (*pdb.Store, error) {
	if !g.Features.PDBEncrypted || !g.RawStore.PSR().Encrypted() {
		return g.RawStore, nil
	}
	g.Persist.PlaintextPDB = make([]byte, len(g.RawStore.Raw()))
	return g.RawStore.VerifyAndDecryptPDB(g.PDBDecryptKey, g.Persist.PlaintextPDB)
}

// validateIn applies the in_len/check_app_rom rules of steps 2-3: a
// void entry rejects any non-empty buffer, a fixed-size entry requires
// an exact-length present buffer passing the ROM check, and a
// variable-size entry (the "required size" fill pattern, or a
// data-carrying payload) accepts any length including an empty probe
// buffer, validating location only once bytes are actually supplied.
func (g *Gate) validateIn(buf []byte, expected int) sbmerr.Code {
	switch {
	case expected == 0:
		if len(buf) != 0 {
			return sbmerr.InBufSizeError
		}
		return sbmerr.Success
	case expected == variableLen:
		if len(buf) == 0 {
			return sbmerr.Success
		}
	case len(buf) == 0:
		return sbmerr.InBufMissing
	case len(buf) != expected:
		return sbmerr.InBufSizeError
	}
	if !g.Checker.CheckAppROM(bufAddr(buf), uintptr(len(buf))) {
		return sbmerr.BufferLocationInvalid
	}
	return sbmerr.Success
}

// validateOut is validateIn's mirror for steps 4-5, checking writable
// RAM instead of readable ROM.
func (g *Gate) validateOut(buf []byte, expected int) sbmerr.Code {
	switch {
	case expected == 0:
		if len(buf) != 0 {
			return sbmerr.OutBufSizeError
		}
		return sbmerr.Success
	case expected == variableLen:
		if len(buf) == 0 {
			return sbmerr.Success
		}
	case len(buf) == 0:
		return sbmerr.OutBufMissing
	case len(buf) != expected:
		return sbmerr.OutBufSizeError
	}
	if !g.Checker.CheckAppRAM(bufAddr(buf), uintptr(len(buf)), true) {
		return sbmerr.BufferLocationInvalid
	}
	return sbmerr.Success
}

func bufAddr(b []byte) uintptr { return uintptr(unsafe.Pointer(&b[0])) }

func rangesOverlap(a, b []byte) bool {
	aStart, bStart := bufAddr(a), bufAddr(b)
	aEnd, bEnd := aStart+uintptr(len(a)), bStart+uintptr(len(b))
	return aStart < bEnd && bStart < aEnd
}

func codeFromErr(err error) sbmerr.Code {
	if err == nil {
		return sbmerr.Success
	}
	if c, ok := err.(sbmerr.Code); ok {
		return c
	}
	return sbmerr.ApiFailure
}

// --- certificate / key directory services ---

func enumerateHandler(g *Gate, store *pdb.Store, in, out []byte) int32 {
	sType := binary.LittleEndian.Uint16(in[0:])
	usage := binary.LittleEndian.Uint16(in[2:])
	searchMask := binary.LittleEndian.Uint16(in[4:])
	return int32(store.Count(sType, usage, searchMask))
}

func lookupHandler(g *Gate, store *pdb.Store, in, out []byte) int32 {
	sType := binary.LittleEndian.Uint16(in[0:])
	usage := binary.LittleEndian.Uint16(in[2:])
	searchMask := binary.LittleEndian.Uint16(in[4:])
	instance := in[6]
	idx, err := store.Find(sType, usage, instance, searchMask)
	if err != nil {
		return int32(codeFromErr(err))
	}
	return int32(idx)
}

func certCopyHandler(g *Gate, store *pdb.Store, in, out []byte) int32 {
	idx := int(int32(binary.LittleEndian.Uint32(in[0:])))
	dataLen, err := store.CopyData(idx, out)
	if err == nil {
		return int32(sbmerr.Success)
	}
	if err == sbmerr.BufferSizeInvalid {
		// Required-size fill pattern: report the size a retry needs,
		// not an error, so the caller can reallocate and call again.
		return int32(dataLen)
	}
	return int32(codeFromErr(err))
}

func certParentHandler(g *Gate, store *pdb.Store, in, out []byte) int32 {
	idx := int(int32(binary.LittleEndian.Uint32(in[0:])))
	parent, err := store.Parent(idx)
	if err != nil {
		return int32(codeFromErr(err))
	}
	return int32(parent)
}

const keyDetailsOutSize = 2 + 2 + 4 + 64

func keyDetailsHandler(g *Gate, store *pdb.Store, in, out []byte) int32 {
	idx := int(int32(binary.LittleEndian.Uint32(in[0:])))
	keyType, keyUsage, pub, err := store.KeyDetails(idx)
	if err != nil {
		return int32(codeFromErr(err))
	}
	binary.LittleEndian.PutUint16(out[0:], keyType)
	binary.LittleEndian.PutUint16(out[2:], keyUsage)
	copy(out[8:8+64], pub[:])
	return int32(sbmerr.Success)
}

func keySignHandler(g *Gate, store *pdb.Store, in, out []byte) int32 {
	idx := int(int32(binary.LittleEndian.Uint32(in[0:])))
	var hash [32]byte
	copy(hash[:], in[4:36])
	sig, err := store.Sign(idx, hash)
	if err != nil {
		return int32(codeFromErr(err))
	}
	copy(out, sig[:])
	return int32(sbmerr.Success)
}

func keyVerifyHandler(g *Gate, store *pdb.Store, in, out []byte) int32 {
	idx := int(int32(binary.LittleEndian.Uint32(in[0:])))
	var hash [32]byte
	var sig [64]byte
	copy(hash[:], in[4:36])
	copy(sig[:], in[36:100])
	ok, err := store.Verify(idx, hash, sig)
	if err != nil {
		return int32(codeFromErr(err))
	}
	if ok {
		binary.LittleEndian.PutUint32(out, 1)
	} else {
		binary.LittleEndian.PutUint32(out, 0)
	}
	return int32(sbmerr.Success)
}

func keySharedSecretHandler(g *Gate, store *pdb.Store, in, out []byte) int32 {
	idx := int(int32(binary.LittleEndian.Uint32(in[0:])))
	var peerPub [64]byte
	copy(peerPub[:], in[4:68])
	secret, err := store.SharedSecret(idx, peerPub)
	if err != nil {
		return int32(codeFromErr(err))
	}
	copy(out, secret[:])
	return int32(sbmerr.Success)
}

// --- informational services ---

func sbmInfoHandler(g *Gate, store *pdb.Store, in, out []byte) int32 {
	field := binary.LittleEndian.Uint32(in[0:])
	var data []byte
	switch field {
	case SBMInfoVersion:
		data = g.Info.Version
	case SBMInfoBuildTime:
		data = g.Info.BuildTime
	case SBMInfoProvisioningDate:
		data = g.Info.ProvisioningDate
	case SBMInfoProvisioningMachine:
		data = g.Info.ProvisioningMachine
	default:
		return int32(sbmerr.ApiFailure)
	}
	if len(out) < len(data) {
		return int32(len(data))
	}
	copy(out, data)
	return int32(sbmerr.Success)
}

func updateInfoHandler(g *Gate, store *pdb.Store, in, out []byte) int32 {
	binary.LittleEndian.PutUint32(out[0:], uint32(g.Persist.LastInstallStatus))
	copy(out[4:20], g.Persist.LastInstalledUUID[:])
	return int32(sbmerr.Success)
}

func applicationInfoHandler(g *Gate, store *pdb.Store, in, out []byte) int32 {
	exec := g.Registry.Exec
	binary.LittleEndian.PutUint64(out[0:], uint64(exec.Start))
	binary.LittleEndian.PutUint64(out[8:], uint64(exec.Size))
	return int32(sbmerr.Success)
}

func updateSlotInfoHandler(g *Gate, store *pdb.Store, in, out []byte) int32 {
	id := int(int32(binary.LittleEndian.Uint32(in[0:])))
	slot, ok := g.Registry.UpdateSlotByID(id)
	if !ok {
		return int32(sbmerr.SlotOutOfRange)
	}
	binary.LittleEndian.PutUint64(out[0:], uint64(slot.Size))
	present := uint32(0)
	if slot.DevicePresent() {
		present = 1
	}
	binary.LittleEndian.PutUint32(out[8:], present)
	return int32(sbmerr.Success)
}

// --- update lifecycle services ---

func candidateForSlot(g *Gate, id int) (swup.Candidate, bool) {
	slot, ok := g.Registry.UpdateSlotByID(id)
	if !ok {
		return swup.Candidate{}, false
	}
	queue := swup.BuildPriorityQueue([]*memdev.Slot{slot}, g.SwupDeps)
	return queue[0], true
}

func checkUpdateSlotHandler(g *Gate, store *pdb.Store, in, out []byte) int32 {
	id := int(int32(binary.LittleEndian.Uint32(in[0:])))
	cand, ok := candidateForSlot(g, id)
	if !ok {
		return int32(sbmerr.SlotOutOfRange)
	}
	binary.LittleEndian.PutUint32(out[0:], uint32(cand.Status))
	binary.LittleEndian.PutUint32(out[4:], cand.Version)
	return int32(sbmerr.Success)
}

func installUpdateHandler(g *Gate, store *pdb.Store, in, out []byte) int32 {
	id := int(int32(binary.LittleEndian.Uint32(in[0:])))
	cand, ok := candidateForSlot(g, id)
	if !ok {
		return int32(sbmerr.SlotOutOfRange)
	}
	if !cand.Valid() {
		binary.LittleEndian.PutUint32(out[0:], uint32(sbmerr.InstallFailure))
		return int32(sbmerr.Success)
	}
	result := swup.Install(cand.Buf, cand.Result, g.InstallDeps(cand))
	g.Persist.LastInstallStatus = result
	g.Persist.LastInstalledUUID = swup.NewHeaderView(cand.Buf).UpdateUUID()
	if result == sbmerr.InstallSuccess || result == sbmerr.InstallSuccessVerified {
		g.Sink.OnReset()
	}
	binary.LittleEndian.PutUint32(out[0:], uint32(result))
	return int32(sbmerr.Success)
}

// minWriteSize derives an update slot's program granularity from the
// subregion it starts in, falling back to 1 for byte-addressable (RAM)
// devices the way memdev.Slot.Program itself does.
func minWriteSize(slot *memdev.Slot) int64 {
	for _, sr := range slot.Device.Subregions() {
		if slot.Start >= sr.Start && slot.Start < sr.Start+sr.Size {
			if sr.PageSize > 0 {
				return sr.PageSize
			}
			return 1
		}
	}
	return 1
}

func beginWriteHandler(g *Gate, store *pdb.Store, in, out []byte) int32 {
	id := int(int32(binary.LittleEndian.Uint32(in[0:])))
	slot, ok := g.Registry.UpdateSlotByID(id)
	if !ok {
		return int32(sbmerr.SlotOutOfRange)
	}
	if err := slot.Erase(0, slot.Size); err != nil {
		return int32(codeFromErr(err))
	}
	page := minWriteSize(slot)
	idCopy := id
	g.Persist.ActiveUpdateSlot = &idCopy
	g.Persist.WriteCursor = 0
	g.Persist.WriteSizeRemembered = page
	g.Persist.WriteOpen = true
	binary.LittleEndian.PutUint32(out[0:], uint32(page))
	return int32(sbmerr.Success)
}

func writeHandler(g *Gate, store *pdb.Store, in, out []byte) int32 {
	if !g.Persist.WriteOpen || g.Persist.ActiveUpdateSlot == nil {
		return int32(sbmerr.CommandFailed)
	}
	slot, ok := g.Registry.UpdateSlotByID(*g.Persist.ActiveUpdateSlot)
	if !ok {
		return int32(sbmerr.SlotOutOfRange)
	}
	if g.Persist.WriteSizeRemembered <= 0 || int64(len(in))%g.Persist.WriteSizeRemembered != 0 {
		return int32(sbmerr.BufferSizeInvalid)
	}
	if err := slot.Program(g.Persist.WriteCursor, in); err != nil {
		return int32(codeFromErr(err))
	}
	g.Persist.WriteCursor += int64(len(in))
	return int32(sbmerr.Success)
}

func endWriteHandler(g *Gate, store *pdb.Store, in, out []byte) int32 {
	g.Persist.WriteOpen = false
	return int32(sbmerr.Success)
}

func setActiveSlotHandler(g *Gate, store *pdb.Store, in, out []byte) int32 {
	id := int(int32(binary.LittleEndian.Uint32(in[0:])))
	if _, ok := g.Registry.UpdateSlotByID(id); !ok {
		return int32(sbmerr.SlotOutOfRange)
	}
	idCopy := id
	g.Persist.ActiveUpdateSlot = &idCopy
	g.Persist.WriteCursor = 0
	g.Persist.WriteSizeRemembered = 0
	g.Persist.WriteOpen = false
	return int32(sbmerr.Success)
}

func performanceHandler(g *Gate, store *pdb.Store, in, out []byte) int32 {
	binary.LittleEndian.PutUint64(out[0:], uint64(g.Persist.BootTimeTotal))
	return int32(sbmerr.Success)
}
