package main

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"sbm/internal/pdb"
	"sbm/internal/provtool"
	"sbm/internal/sbmcrypto"
)

func provisionCmd() *cobra.Command {
	var outPDB string
	var outOEMKeys string
	var outDeviceCert string
	var commonName string
	var validYears int

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Mint a device identity and OEM signing keyset, and build a provisioned data block",
		RunE: func(cmd *cobra.Command, args []string) error {
			identityKey, err := sbmcrypto.GenerateKey()
			if err != nil {
				return fmt.Errorf("generate device identity key: %w", err)
			}

			certPEM, err := selfSignIdentityCert(identityKey, commonName, validYears)
			if err != nil {
				return fmt.Errorf("self-sign identity certificate: %w", err)
			}

			b := provtool.NewBuilder()
			privIdx, _ := b.AddKeyPair(pdb.PurposeIdentityKey, identityKey)
			if _, err := b.AddCertPEM(pdb.PurposeIdentityCert, 0, certPEM, uint8(privIdx)); err != nil {
				return fmt.Errorf("embed identity certificate: %w", err)
			}
			image := b.Build()

			if err := os.WriteFile(outDeviceCert, certPEM, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", outDeviceCert, err)
			}
			fmt.Fprintf(os.Stderr, "wrote device identity certificate %s -- share with whoever builds update packages for this device\n", outDeviceCert)

			if err := os.WriteFile(outPDB, image, 0o600); err != nil {
				return fmt.Errorf("write %s: %w", outPDB, err)
			}
			fmt.Fprintf(os.Stderr, "wrote provisioned data block %s (%s)\n", outPDB, humanize.Bytes(uint64(len(image))))

			oemKeys, err := provtool.GenerateOEMKeys()
			if err != nil {
				return fmt.Errorf("generate OEM signing keyset: %w", err)
			}
			keysetPEM, err := oemKeys.MarshalPEM()
			if err != nil {
				return fmt.Errorf("marshal OEM keyset: %w", err)
			}
			if err := os.WriteFile(outOEMKeys, keysetPEM, 0o600); err != nil {
				return fmt.Errorf("write %s: %w", outOEMKeys, err)
			}
			fmt.Fprintf(os.Stderr, "wrote OEM signing keyset %s (%s) -- keep this offline\n", outOEMKeys, humanize.Bytes(uint64(len(keysetPEM))))
			return nil
		},
	}

	cmd.Flags().StringVar(&outPDB, "out-pdb", "device.pdb", "Output path for the provisioned data block")
	cmd.Flags().StringVar(&outOEMKeys, "out-oem-keys", "oem-keys.pem", "Output path for the OEM signing keyset")
	cmd.Flags().StringVar(&outDeviceCert, "out-device-cert", "device-identity.pem", "Output path for the device's self-signed identity certificate")
	cmd.Flags().StringVar(&commonName, "common-name", "sbm-device", "Common name for the self-signed identity certificate")
	cmd.Flags().IntVar(&validYears, "valid-years", 20, "Validity period of the self-signed identity certificate, in years")
	return cmd
}

// selfSignIdentityCert mints a minimal self-signed certificate around a
// device's own identity key: there is no external CA in this offline
// provisioning flow, so the device vouches for its own public key the
// way internal/provtool's cert slot expects to receive one.
func selfSignIdentityCert(key *ecdsa.PrivateKey, commonName string, validYears int) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	notBefore := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             notBefore,
		NotAfter:              notBefore.AddDate(validYears, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}
