package main

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"sbm/internal/provtool"
	"sbm/internal/sbmcrypto"
)

func swupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "swup",
		Short: "Build and stage software update packages",
	}
	cmd.AddCommand(swupBuildCmd())
	cmd.AddCommand(swupStageCmd())
	cmd.AddCommand(swupGenKeyCmd())
	return cmd
}

func swupGenKeyCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "Mint a fresh update-key PEM for signing future update packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := sbmcrypto.GenerateKey()
			if err != nil {
				return fmt.Errorf("generate update key: %w", err)
			}
			der, err := x509.MarshalECPrivateKey(key)
			if err != nil {
				return fmt.Errorf("marshal update key: %w", err)
			}
			out := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
			if err := os.WriteFile(outPath, out, 0o600); err != nil {
				return fmt.Errorf("write %s: %w", outPath, err)
			}
			fmt.Fprintf(os.Stderr, "wrote update key %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "update-key.pem", "Output path for the update-key private key PEM")
	return cmd
}

func swupBuildCmd() *cobra.Command {
	var bodyPath string
	var outPath string
	var oemKeysPath string
	var deviceCertPath string
	var updateKeyPath string
	var securityWorldUUIDHex string
	var securityWorldIteration uint16
	var updateUUIDHex string
	var hwSku uint32
	var version uint32
	var compress bool

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Assemble a signed, encrypted update package for one device",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := os.ReadFile(bodyPath)
			if err != nil {
				return fmt.Errorf("read %s: %w", bodyPath, err)
			}

			oemKeysPEM, err := os.ReadFile(oemKeysPath)
			if err != nil {
				return fmt.Errorf("read %s: %w", oemKeysPath, err)
			}
			oemKeys, err := provtool.ParseOEMKeysPEM(oemKeysPEM)
			if err != nil {
				return fmt.Errorf("parse %s: %w", oemKeysPath, err)
			}

			devicePub, err := readDeviceIdentityPublicKey(deviceCertPath)
			if err != nil {
				return fmt.Errorf("read device identity certificate: %w", err)
			}

			updateKeyPEM, err := os.ReadFile(updateKeyPath)
			if err != nil {
				return fmt.Errorf("read %s: %w", updateKeyPath, err)
			}
			updateKeyDER, err := pemBytes(updateKeyPEM)
			if err != nil {
				return fmt.Errorf("decode %s: %w", updateKeyPath, err)
			}
			updateKey, err := x509.ParseECPrivateKey(updateKeyDER)
			if err != nil {
				return fmt.Errorf("parse %s: %w", updateKeyPath, err)
			}

			securityWorldUUID, err := parseUUIDHex(securityWorldUUIDHex)
			if err != nil {
				return fmt.Errorf("--security-world-uuid: %w", err)
			}
			updateUUID, err := parseUUIDHex(updateUUIDHex)
			if err != nil {
				return fmt.Errorf("--update-uuid: %w", err)
			}

			pkg, err := provtool.BuildSWUP(provtool.SWUPSpec{
				SecurityWorldUUID:      securityWorldUUID,
				SecurityWorldIteration: securityWorldIteration,
				UpdateUUID:             updateUUID,
				UpdateKeyPub:           sbmcrypto.EncodePublicKey(&updateKey.PublicKey),
				HwSku:                  hwSku,
				Version:                version,
				Body:                   body,
				Compress:               compress,
				EubDetailsPub:          devicePub,
				OEM:                    oemKeys,
			})
			if err != nil {
				return fmt.Errorf("build update package: %w", err)
			}

			if err := os.WriteFile(outPath, pkg, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", outPath, err)
			}
			fmt.Fprintf(os.Stderr, "wrote update package %s (%s)\n", outPath, humanize.Bytes(uint64(len(pkg))))
			return nil
		},
	}

	cmd.Flags().StringVar(&bodyPath, "body", "", "Path to the raw exec image to package (required)")
	cmd.Flags().StringVar(&outPath, "out", "update.swup", "Output path for the update package")
	cmd.Flags().StringVar(&oemKeysPath, "oem-keys", "oem-keys.pem", "Path to the OEM signing keyset (from \"provision\")")
	cmd.Flags().StringVar(&deviceCertPath, "device-cert", "", "Path to the target device's identity certificate PEM (required)")
	cmd.Flags().StringVar(&updateKeyPath, "update-key", "", "Path to the update-key private key PEM (required)")
	cmd.Flags().StringVar(&securityWorldUUIDHex, "security-world-uuid", "", "32 hex characters identifying the security world (required)")
	cmd.Flags().Uint16Var(&securityWorldIteration, "security-world-iteration", 1, "Security world iteration counter")
	cmd.Flags().StringVar(&updateUUIDHex, "update-uuid", "", "32 hex characters identifying this update (required)")
	cmd.Flags().Uint32Var(&hwSku, "hw-sku", 0, "Target hardware SKU")
	cmd.Flags().Uint32Var(&version, "version", 1, "Monotonic update version number")
	cmd.Flags().BoolVar(&compress, "compress", false, "xz-compress the exec image before sealing it")
	for _, name := range []string{"body", "device-cert", "update-key", "security-world-uuid", "update-uuid"} {
		cmd.MarkFlagRequired(name)
	}
	return cmd
}

func swupStageCmd() *cobra.Command {
	var packagePath string
	var slotPath string

	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Copy a built update package into an update slot's backing file",
		RunE: func(cmd *cobra.Command, args []string) error {
			pkg, err := os.ReadFile(packagePath)
			if err != nil {
				return fmt.Errorf("read %s: %w", packagePath, err)
			}
			slot, err := os.OpenFile(slotPath, os.O_WRONLY, 0o644)
			if err != nil {
				return fmt.Errorf("open update slot %s: %w", slotPath, err)
			}
			defer slot.Close()
			if _, err := slot.WriteAt(pkg, 0); err != nil {
				return fmt.Errorf("write update slot %s: %w", slotPath, err)
			}
			fmt.Fprintf(os.Stderr, "staged %s into %s (%s)\n", packagePath, slotPath, humanize.Bytes(uint64(len(pkg))))
			return nil
		},
	}

	cmd.Flags().StringVar(&packagePath, "package", "", "Path to a built update package (required)")
	cmd.Flags().StringVar(&slotPath, "slot", "", "Path to the backing file of the target update[i] slot (required)")
	cmd.MarkFlagRequired("package")
	cmd.MarkFlagRequired("slot")
	return cmd
}

func pemBytes(data []byte) ([]byte, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	return block.Bytes, nil
}

// readDeviceIdentityPublicKey parses the device's self-signed identity
// certificate (written by "provision") and returns its ECDSA public key,
// the counterpart of the private key provtool.BuildSWUP's EubDetailsPub
// field wraps the EUB payload key against.
func readDeviceIdentityPublicKey(path string) (*ecdsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	der, err := pemBytes(raw)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("certificate public key is not ECDSA")
	}
	return pub, nil
}

func parseUUIDHex(s string) ([16]byte, error) {
	var out [16]byte
	if len(s) != 32 {
		return out, fmt.Errorf("expected 32 hex characters, got %d", len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	copy(out[:], raw)
	return out, nil
}
