package provtool

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// PEM block types used to persist an OEM signing keyset to disk between
// sbmctl invocations.
const (
	pemBlockHeaderKey = "SBM OEM HEADER KEY"
	pemBlockSEERKey   = "SBM OEM SEER KEY"
	pemBlockExecKey   = "SBM OEM EXEC KEY"
)

// MarshalPEM encodes all three OEM signing keys as concatenated SEC1 PEM
// blocks, in the order an operator would rotate them: header, SEER,
// exec.
func (k *OEMKeys) MarshalPEM() ([]byte, error) {
	var out []byte
	for _, entry := range []struct {
		blockType string
		key       *ecdsa.PrivateKey
	}{
		{pemBlockHeaderKey, k.Header},
		{pemBlockSEERKey, k.SEER},
		{pemBlockExecKey, k.Exec},
	} {
		der, err := x509.MarshalECPrivateKey(entry.key)
		if err != nil {
			return nil, fmt.Errorf("provtool: marshal %s: %w", entry.blockType, err)
		}
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: entry.blockType, Bytes: der})...)
	}
	return out, nil
}

// ParseOEMKeysPEM decodes a keyset written by MarshalPEM, rejecting any
// file missing one of the three required roles.
func ParseOEMKeysPEM(data []byte) (*OEMKeys, error) {
	found := make(map[string]*ecdsa.PrivateKey, 3)
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		priv, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("provtool: parse %s: %w", block.Type, err)
		}
		found[block.Type] = priv
	}

	keys := &OEMKeys{}
	for _, entry := range []struct {
		blockType string
		dst       **ecdsa.PrivateKey
	}{
		{pemBlockHeaderKey, &keys.Header},
		{pemBlockSEERKey, &keys.SEER},
		{pemBlockExecKey, &keys.Exec},
	} {
		priv, ok := found[entry.blockType]
		if !ok {
			return nil, fmt.Errorf("provtool: keyset missing %s block", entry.blockType)
		}
		*entry.dst = priv
	}
	return keys, nil
}
