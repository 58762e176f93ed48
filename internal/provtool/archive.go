package provtool

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// ArchiveFormat selects the compression codec PackBundle/UnpackBundle use
// for a provisioning bundle's payload.
type ArchiveFormat int

const (
	// ArchiveXZ favors size: a full PDB plus several SWUP packages for
	// an operator's offline media.
	ArchiveXZ ArchiveFormat = iota
	// ArchiveLZ4 favors speed: a factory-floor provisioning station
	// re-reading the same bundle hundreds of times per shift.
	ArchiveLZ4
)

const bundleMagic uint32 = 0x424e4c50 // "PLNB", read little-endian

// BundleEntry is one named artifact inside a provisioning bundle: a PDB
// image, a SWUP package, or an accompanying manifest.
type BundleEntry struct {
	Name string
	Data []byte
}

// PackBundle concatenates entries into a single length-prefixed
// container and compresses it with the requested codec. The container
// format is: magic, entry count, then per entry a uint32 name length,
// the name bytes, a uint32 data length, and the data bytes.
func PackBundle(entries []BundleEntry, format ArchiveFormat) ([]byte, error) {
	var raw bytes.Buffer
	if err := binary.Write(&raw, binary.LittleEndian, bundleMagic); err != nil {
		return nil, err
	}
	if err := binary.Write(&raw, binary.LittleEndian, uint32(len(entries))); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := writeLengthPrefixed(&raw, []byte(e.Name)); err != nil {
			return nil, err
		}
		if err := writeLengthPrefixed(&raw, e.Data); err != nil {
			return nil, err
		}
	}
	return compress(raw.Bytes(), format)
}

// UnpackBundle reverses PackBundle.
func UnpackBundle(archive []byte, format ArchiveFormat) ([]BundleEntry, error) {
	raw, err := decompress(archive, format)
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(raw)

	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, fmt.Errorf("provtool: read bundle magic: %w", err)
	}
	if magic != bundleMagic {
		return nil, fmt.Errorf("provtool: bad bundle magic %#x", magic)
	}
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("provtool: read bundle entry count: %w", err)
	}

	entries := make([]BundleEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		name, err := readLengthPrefixed(r)
		if err != nil {
			return nil, fmt.Errorf("provtool: read entry %d name: %w", i, err)
		}
		data, err := readLengthPrefixed(r)
		if err != nil {
			return nil, fmt.Errorf("provtool: read entry %d data: %w", i, err)
		}
		entries = append(entries, BundleEntry{Name: string(name), Data: data})
	}
	return entries, nil
}

func writeLengthPrefixed(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func compress(data []byte, format ArchiveFormat) ([]byte, error) {
	var out bytes.Buffer
	switch format {
	case ArchiveXZ:
		w, err := xz.NewWriter(&out)
		if err != nil {
			return nil, fmt.Errorf("provtool: new xz writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("provtool: xz compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("provtool: close xz writer: %w", err)
		}
	case ArchiveLZ4:
		w := lz4.NewWriter(&out)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("provtool: lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("provtool: close lz4 writer: %w", err)
		}
	default:
		return nil, fmt.Errorf("provtool: unknown archive format %d", format)
	}
	return out.Bytes(), nil
}

func decompress(data []byte, format ArchiveFormat) ([]byte, error) {
	in := bytes.NewReader(data)
	var r io.Reader
	switch format {
	case ArchiveXZ:
		xr, err := xz.NewReader(in)
		if err != nil {
			return nil, fmt.Errorf("provtool: new xz reader: %w", err)
		}
		r = xr
	case ArchiveLZ4:
		r = lz4.NewReader(in)
	default:
		return nil, fmt.Errorf("provtool: unknown archive format %d", format)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("provtool: decompress: %w", err)
	}
	return out, nil
}
