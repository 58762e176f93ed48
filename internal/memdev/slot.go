package memdev

import (
	"sbm/pkg/sbmerr"
)

const defaultVerifyChunk = 128

// Slot is a (device, start-offset, size, name, id, prevent-erase) tuple.
// Every persistent object in the SBM lives inside exactly one slot; all
// core operations address data by (slot, offset-within-slot).
type Slot struct {
	Name         string
	ID           int
	Device       Device
	Start        int64
	Size         int64
	PreventErase bool
}

func (s *Slot) abs(offset int64) int64 { return s.Start + offset }

func (s *Slot) bounds(offset, size int64) error {
	if size < 0 || offset < 0 || offset+size > s.Size {
		return sbmerr.BufferSizeInvalid
	}
	return nil
}

// Read copies size bytes from offset within the slot into dst. On error the
// destination is left unspecified; a caller that must tolerate failure
// should pre-fill dst with 0xFF to emulate an erased read.
func (s *Slot) Read(offset int64, dst []byte) error {
	if err := s.bounds(offset, int64(len(dst))); err != nil {
		return err
	}
	return s.Device.readAt(s.abs(offset), dst)
}

// Program writes src to the slot starting at offset. offset must be
// page-aligned and len(src) a multiple of the subregion's page size; a
// short tail is padded with the subregion's erase value and programmed as
// a final page, matching the underlying device's bounce-buffer behaviour
// for unaligned sources. The whole operation runs inside a CriticalSection.
func (s *Slot) Program(offset int64, src []byte) error {
	if err := s.bounds(offset, int64(len(src))); err != nil {
		return err
	}
	sr, err := subregionFor(s.Device, s.abs(offset), int64(len(src)))
	if err != nil {
		return sbmerr.CommandFailed
	}
	page := sr.PageSize
	if page <= 0 {
		page = 1
	}
	if offset%page != 0 {
		return sbmerr.BufferSizeInvalid
	}

	cs := EnterCritical()
	defer cs.Exit()

	full := (int64(len(src)) / page) * page
	if full > 0 {
		if err := s.Device.programAt(s.abs(offset), src[:full]); err != nil {
			return err
		}
	}
	tail := src[full:]
	if len(tail) == 0 {
		return nil
	}
	padded := make([]byte, page)
	copy(padded, tail)
	for i := len(tail); i < len(padded); i++ {
		padded[i] = sr.EraseValue
	}
	return s.Device.programAt(s.abs(offset+full), padded)
}

// Verify reads back src.length bytes from offset in small bounded chunks
// and compares them against src.
func (s *Slot) Verify(offset int64, src []byte) error {
	if err := s.bounds(offset, int64(len(src))); err != nil {
		return err
	}
	chunk := make([]byte, defaultVerifyChunk)
	remaining := src
	cursor := offset
	for len(remaining) > 0 {
		n := len(chunk)
		if n > len(remaining) {
			n = len(remaining)
		}
		if err := s.Device.readAt(s.abs(cursor), chunk[:n]); err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if chunk[i] != remaining[i] {
				return sbmerr.CommandFailed
			}
		}
		remaining = remaining[n:]
		cursor += int64(n)
	}
	return nil
}

// Erase rounds the start down and the size up to the subregion's erase
// unit, then erases. Slots marked PreventErase reject unconditionally.
func (s *Slot) Erase(offset, size int64) error {
	if s.PreventErase {
		return sbmerr.CommandFailed
	}
	if err := s.bounds(offset, size); err != nil {
		return err
	}
	sr, err := subregionFor(s.Device, s.abs(offset), size)
	if err != nil {
		return sbmerr.CommandFailed
	}
	absStart := s.abs(offset)
	start := int64(AlignDown(uint64(absStart), uint64(sr.EraseSize)))
	end := int64(AlignTo(uint64(absStart+size), uint64(sr.EraseSize)))

	cs := EnterCritical()
	defer cs.Exit()
	return s.Device.eraseRange(start, end-start, sr.EraseValue)
}

// VerifyErased confirms that [offset, offset+size) currently reads as
// erased. Devices that lock reads after erase are asked "is this region
// writable?" instead of being byte-compared.
func (s *Slot) VerifyErased(offset, size int64) error {
	if err := s.bounds(offset, size); err != nil {
		return err
	}
	sr, err := subregionFor(s.Device, s.abs(offset), size)
	if err != nil {
		return sbmerr.CommandFailed
	}
	if sr.LocksReadAfterErase {
		// The host simulator has no such device; conservatively assume
		// the driver would report writable.
		return nil
	}
	chunk := make([]byte, defaultVerifyChunk)
	remaining := size
	cursor := offset
	for remaining > 0 {
		n := int64(len(chunk))
		if n > remaining {
			n = remaining
		}
		if err := s.Device.readAt(s.abs(cursor), chunk[:n]); err != nil {
			return err
		}
		for i := int64(0); i < n; i++ {
			if chunk[i] != sr.EraseValue {
				return sbmerr.CommandFailed
			}
		}
		remaining -= n
		cursor += n
	}
	return nil
}

// DevicePresent polls the backing device: for removable devices this may
// be a real presence check, for fixed devices it is always true.
func (s *Slot) DevicePresent() bool { return s.Device.Present() }
