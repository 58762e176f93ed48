// Package memdev implements the memory abstraction: a uniform
// read/program/erase/verify interface over heterogeneous backing devices
// (on-chip flash, external flash, RAM), addressed through logical slots.
//
// The host simulator backs on-chip/external-flash devices with ordinary
// files mapped via github.com/edsrzf/mmap-go. RAM-backed devices
// (persistent RAM, ephemeral RAM) are backed by a plain byte slice. Both
// satisfy the same Device interface, so every other component in this
// module stays device-agnostic.
package memdev

import (
	"errors"
	"os"

	"github.com/edsrzf/mmap-go"

	"sbm/pkg/sbmerr"
)

// Subregion describes a uniformly-erasable region of a Device.
type Subregion struct {
	Start      int64
	Size       int64
	EraseSize  int64
	PageSize   int64 // program granularity; 0 means "any alignment" (RAM)
	EraseValue byte  // 0xFF or 0x00
	// LocksReadAfterErase is set for devices that cannot be read back
	// immediately after an erase (the erase leaves the region in a
	// "locked" state until the next program). VerifyErased on such a
	// device asks the driver whether the region is writable instead of
	// byte-comparing against EraseValue.
	LocksReadAfterErase bool
}

func (s Subregion) contains(off, size int64) bool {
	return off >= s.Start && size >= 0 && off+size <= s.Start+s.Size
}

// Device is the uniform verb set every backing store implements.
type Device interface {
	Name() string
	Size() int64
	Subregions() []Subregion
	// Removable reports whether Present() must be polled on every access
	// (an SD card, say) versus devices that are always present (on-chip
	// flash, RAM).
	Removable() bool
	Present() bool

	readAt(off int64, dst []byte) error
	programAt(off int64, src []byte) error
	eraseRange(off, size int64, fill byte) error
}

func subregionFor(d Device, off, size int64) (Subregion, error) {
	for _, sr := range d.Subregions() {
		if sr.contains(off, size) {
			return sr, nil
		}
	}
	return Subregion{}, errors.New("memdev: range spans no single subregion")
}

// FileDevice backs a Device with an mmap'd file, modelling on-chip or
// external mapped flash.
type FileDevice struct {
	name       string
	file       *os.File
	mapping    mmap.MMap
	subregions []Subregion
	removable  bool
}

// OpenFileDevice mmaps path read-write and reports it as a single uniform
// subregion of the given erase geometry. Real multi-subregion geometries
// (e.g. a small-sector parameter block at the start of flash) are built
// with NewFileDevice.
func OpenFileDevice(name, path string, eraseSize int64, eraseValue byte) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &FileDevice{
		name:    name,
		file:    f,
		mapping: m,
		subregions: []Subregion{{
			Start: 0, Size: int64(len(m)), EraseSize: eraseSize, EraseValue: eraseValue,
		}},
	}, nil
}

// NewFileDevice is OpenFileDevice with explicit subregion geometry, for
// devices whose erase unit is not uniform across the whole address range.
func NewFileDevice(name, path string, subregions []Subregion) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &FileDevice{name: name, file: f, mapping: m, subregions: subregions}, nil
}

func (d *FileDevice) Name() string             { return d.name }
func (d *FileDevice) Size() int64              { return int64(len(d.mapping)) }
func (d *FileDevice) Subregions() []Subregion  { return d.subregions }
func (d *FileDevice) Removable() bool          { return d.removable }
func (d *FileDevice) SetRemovable(v bool)      { d.removable = v }
func (d *FileDevice) Present() bool            { return true }

func (d *FileDevice) Close() error {
	if err := d.mapping.Unmap(); err != nil {
		return err
	}
	return d.file.Close()
}

func (d *FileDevice) readAt(off int64, dst []byte) error {
	if off < 0 || off+int64(len(dst)) > int64(len(d.mapping)) {
		return sbmerr.BufferSizeInvalid
	}
	copy(dst, d.mapping[off:off+int64(len(dst))])
	return nil
}

func (d *FileDevice) programAt(off int64, src []byte) error {
	if off < 0 || off+int64(len(src)) > int64(len(d.mapping)) {
		return sbmerr.BufferSizeInvalid
	}
	copy(d.mapping[off:off+int64(len(src))], src)
	return d.mapping.Flush()
}

func (d *FileDevice) eraseRange(off, size int64, fill byte) error {
	if off < 0 || off+size > int64(len(d.mapping)) {
		return sbmerr.BufferSizeInvalid
	}
	region := d.mapping[off : off+size]
	for i := range region {
		region[i] = fill
	}
	return d.mapping.Flush()
}

// RAMDevice backs a Device with a plain byte slice: persistent RAM,
// ephemeral RAM, or an update-staging area too small to justify mmap.
type RAMDevice struct {
	name string
	buf  []byte
	sr   Subregion
}

// NewRAMDevice allocates size bytes, pre-filled with eraseValue.
func NewRAMDevice(name string, size int64, eraseValue byte) *RAMDevice {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = eraseValue
	}
	return &RAMDevice{
		name: name,
		buf:  buf,
		sr:   Subregion{Start: 0, Size: size, EraseSize: 1, EraseValue: eraseValue},
	}
}

func (d *RAMDevice) Name() string            { return d.name }
func (d *RAMDevice) Size() int64             { return int64(len(d.buf)) }
func (d *RAMDevice) Subregions() []Subregion { return []Subregion{d.sr} }
func (d *RAMDevice) Removable() bool         { return false }
func (d *RAMDevice) Present() bool           { return true }

// Bytes exposes the backing slice directly for callers in the same
// address space that need to stage data in place (e.g. persist.SbmPersistent).
func (d *RAMDevice) Bytes() []byte { return d.buf }

func (d *RAMDevice) readAt(off int64, dst []byte) error {
	if off < 0 || off+int64(len(dst)) > int64(len(d.buf)) {
		return sbmerr.BufferSizeInvalid
	}
	copy(dst, d.buf[off:off+int64(len(dst))])
	return nil
}

func (d *RAMDevice) programAt(off int64, src []byte) error {
	if off < 0 || off+int64(len(src)) > int64(len(d.buf)) {
		return sbmerr.BufferSizeInvalid
	}
	copy(d.buf[off:off+int64(len(src))], src)
	return nil
}

func (d *RAMDevice) eraseRange(off, size int64, fill byte) error {
	if off < 0 || off+size > int64(len(d.buf)) {
		return sbmerr.BufferSizeInvalid
	}
	region := d.buf[off : off+size]
	for i := range region {
		region[i] = fill
	}
	return nil
}
