// Package provtool implements the offline provisioning authority's side
// of the secure boot chain: assembling a device's Provisioned Data
// Block from freshly minted certificates and keys, and building signed,
// AES-GCM-encrypted software update packages that internal/swup's
// validator and installer accept.
//
// Everything here runs on a build workstation, never on a device: it
// holds private key material the device never sees (the OEM's header,
// EUB-details, and exec-validation signing keys) and produces artifacts
// the device only ever reads.
package provtool

import (
	"crypto/ecdsa"

	"sbm/internal/sbmcrypto"
)

// OEMKeys bundles the three offline signing key pairs a provisioning
// authority holds. Devices never see the private halves; each public
// half is distributed separately for the matching
// Dependencies/InstallDependencies verification closures to check
// against.
type OEMKeys struct {
	// Header signs the SWUP header epilogue hash, checked by
	// swup.Dependencies.VerifyHeaderSignature.
	Header *ecdsa.PrivateKey
	// SEER signs the software encryption element record, checked by
	// swup.InstallDependencies.VerifySEERSignature.
	SEER *ecdsa.PrivateKey
	// Exec signs the installed PIEM footer's block hash, checked by
	// swup.InstallDependencies.VerifyExecSignature (and, post-install,
	// piem.Verifier).
	Exec *ecdsa.PrivateKey
}

// GenerateOEMKeys mints a fresh P-256 key pair for each of the three
// offline signing roles.
func GenerateOEMKeys() (*OEMKeys, error) {
	header, err := sbmcrypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	seer, err := sbmcrypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	exec, err := sbmcrypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &OEMKeys{Header: header, SEER: seer, Exec: exec}, nil
}
