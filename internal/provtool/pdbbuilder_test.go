package provtool_test

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"sbm/internal/pdb"
	"sbm/internal/provtool"
	"sbm/internal/sbmcrypto"
)

func TestBuilderRoundTripsThroughPDBOpen(t *testing.T) {
	signer, err := sbmcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	peer, err := sbmcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey (peer): %v", err)
	}

	b := provtool.NewBuilder()
	privIdx, pubIdx := b.AddKeyPair(pdb.PurposeIdentityKey, signer)
	certIdx := b.AddCert(pdb.PurposeIdentityCert, 0, []byte("not a real DER certificate"), uint8(privIdx))

	store, err := pdb.Open(b.Build())
	if err != nil {
		t.Fatalf("pdb.Open: %v", err)
	}

	der := make([]byte, 64)
	n, err := store.CopyData(certIdx, der)
	if err != nil {
		t.Fatalf("CopyData(cert): %v", err)
	}
	if string(der[:n]) != "not a real DER certificate" {
		t.Fatalf("cert payload mismatch: got %q", der[:n])
	}

	hash := sha256.Sum256([]byte("message"))
	sig, err := store.Sign(privIdx, hash)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ok, err := store.Verify(pubIdx, hash, sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatal("Verify: signature did not validate against the provisioned public key")
	}

	peerPub := sbmcrypto.EncodePublicKey(&peer.PublicKey)
	secret, err := store.SharedSecret(privIdx, peerPub)
	if err != nil {
		t.Fatalf("SharedSecret: %v", err)
	}
	want, err := sbmcrypto.ECDH(sbmcrypto.EncodePublicKey(&signer.PublicKey), peer)
	if err != nil {
		t.Fatalf("ECDH: %v", err)
	}
	if secret != want {
		t.Fatal("SharedSecret did not agree with the peer's own ECDH computation")
	}
}

func TestAddCertPEMParsesAndEmbedsDER(t *testing.T) {
	signer, err := sbmcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("rand.Int: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"provtool test"}, CommonName: "device-identity"},
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).AddDate(20, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &signer.PublicKey, signer)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	b := provtool.NewBuilder()
	privIdx, _ := b.AddKeyPair(pdb.PurposeIdentityKey, signer)
	certIdx, err := b.AddCertPEM(pdb.PurposeIdentityCert, 0, pemBytes, uint8(privIdx))
	if err != nil {
		t.Fatalf("AddCertPEM: %v", err)
	}

	store, err := pdb.Open(b.Build())
	if err != nil {
		t.Fatalf("pdb.Open: %v", err)
	}
	buf := make([]byte, len(der))
	n, err := store.CopyData(certIdx, buf)
	if err != nil {
		t.Fatalf("CopyData(cert): %v", err)
	}
	if n != len(der) {
		t.Fatalf("CopyData returned %d bytes, want %d", n, len(der))
	}
	if _, err := x509.ParseCertificate(buf[:n]); err != nil {
		t.Fatalf("round-tripped cert bytes don't parse: %v", err)
	}
}

func TestAddCertPEMRejectsGarbage(t *testing.T) {
	b := provtool.NewBuilder()
	if _, err := b.AddCertPEM(pdb.PurposeIdentityCert, 0, []byte("not a PEM block"), pdb.NoKeySlot); err == nil {
		t.Fatal("AddCertPEM: expected an error for non-PEM input, got nil")
	}
}
