package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"sbm/internal/pdb"
)

// inspectPurposes lists every slot purpose worth enumerating in a
// human-readable report, in the order an operator would expect to read
// them: identity first, then trust anchors, update keys, provisioning
// metadata.
var inspectPurposes = []uint16{
	pdb.PurposeIdentityCert,
	pdb.PurposeIdentityKey,
	pdb.PurposeTrustAnchorKey,
	pdb.PurposeUpdateKey,
	pdb.PurposeProvisionInfo,
}

func purposeName(p uint16) string {
	switch p {
	case pdb.PurposeIdentityCert:
		return "identity-cert"
	case pdb.PurposeIdentityKey:
		return "identity-key"
	case pdb.PurposeTrustAnchorKey:
		return "trust-anchor-key"
	case pdb.PurposeUpdateKey:
		return "update-key"
	case pdb.PurposeProvisionInfo:
		return "provision-info"
	default:
		return "unknown"
	}
}

func inspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <pdb-file>",
		Short: "Print a human-readable summary of a provisioned data block's contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			store, err := pdb.Open(raw)
			if err != nil {
				return fmt.Errorf("open %s: %w", args[0], err)
			}

			psr := store.PSR()
			fmt.Printf("%s: %s total, %d data slot(s), %s\n",
				args[0], humanize.Bytes(uint64(psr.Length())), psr.DataSlots(), encryptedLabel(psr.Encrypted()))

			for _, purpose := range inspectPurposes {
				n := store.Count(purpose<<12, 0, 0xF000)
				if n == 0 {
					continue
				}
				fmt.Printf("  %s: %d slot(s)\n", purposeName(purpose), n)
				for i := 0; i < n; i++ {
					idx, err := store.Find(purpose<<12, 0, uint8(i), 0xF000)
					if err != nil {
						return fmt.Errorf("locate %s instance %d: %w", purposeName(purpose), i, err)
					}
					data, err := store.SlotData(idx)
					if err != nil {
						return fmt.Errorf("read slot %d payload: %w", idx, err)
					}
					fmt.Printf("    slot %d: %s\n", idx, humanize.Bytes(uint64(len(data))))
				}
			}
			return nil
		},
	}
	return cmd
}

func encryptedLabel(encrypted bool) string {
	if encrypted {
		return "encrypted"
	}
	return "plaintext"
}
