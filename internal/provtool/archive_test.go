package provtool_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"sbm/internal/provtool"
)

func TestPackUnpackBundleRoundTrips(t *testing.T) {
	entries := []provtool.BundleEntry{
		{Name: "device.pdb", Data: []byte("plaintext provisioned data block, imagine 8KB of it")},
		{Name: "manifest.txt", Data: []byte("update-uuid=...\nhw-sku=0xABCD\n")},
		{Name: "empty.bin", Data: nil},
	}

	for _, format := range []provtool.ArchiveFormat{provtool.ArchiveXZ, provtool.ArchiveLZ4} {
		format := format
		t.Run(formatName(format), func(t *testing.T) {
			archive, err := provtool.PackBundle(entries, format)
			if err != nil {
				t.Fatalf("PackBundle: %v", err)
			}
			got, err := provtool.UnpackBundle(archive, format)
			if err != nil {
				t.Fatalf("UnpackBundle: %v", err)
			}
			if diff := cmp.Diff(entries, got, cmpopts.EquateEmpty()); diff != "" {
				t.Fatalf("UnpackBundle mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func formatName(f provtool.ArchiveFormat) string {
	switch f {
	case provtool.ArchiveXZ:
		return "xz"
	case provtool.ArchiveLZ4:
		return "lz4"
	default:
		return "unknown"
	}
}
