// Package sbmcrypto wraps the standard library's NIST P-256 ECDSA/ECDH and
// AES-GCM primitives into the shapes the rest of this module consumes: raw
// r‖s signatures, a split ECDH-derived key/IV pair, a streaming GCM state
// machine, and the additive 16-bit checksum used throughout header and
// footer validation.
package sbmcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"math/big"
)

// Sha256 hashes data in one shot.
func Sha256(data ...[]byte) [32]byte {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ECDSASign signs a 32-byte hash with a P-256 private key, returning the
// raw 64-byte r‖s signature (no ASN.1 wrapping).
func ECDSASign(priv *ecdsa.PrivateKey, hash [32]byte) ([64]byte, error) {
	var out [64]byte
	r, s, err := ecdsa.Sign(rand.Reader, priv, hash[:])
	if err != nil {
		return out, err
	}
	r.FillBytes(out[0:32])
	s.FillBytes(out[32:64])
	return out, nil
}

// ECDSAVerify checks a raw r‖s signature against a P-256 public key.
func ECDSAVerify(pub *ecdsa.PublicKey, hash [32]byte, sig [64]byte) bool {
	r := new(big.Int).SetBytes(sig[0:32])
	s := new(big.Int).SetBytes(sig[32:64])
	return ecdsa.Verify(pub, hash[:], r, s)
}

// DecodePublicKey reconstructs a P-256 public key from its uncompressed
// 64-byte X||Y encoding, as provisioned in the datastore and SWUP headers.
func DecodePublicKey(raw [64]byte) (*ecdsa.PublicKey, error) {
	x := new(big.Int).SetBytes(raw[0:32])
	y := new(big.Int).SetBytes(raw[32:64])
	curve := elliptic.P256()
	if !curve.IsOnCurve(x, y) {
		return nil, errors.New("sbmcrypto: public key is not on P-256")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// EncodePublicKey renders a P-256 public key as uncompressed X||Y, 64
// bytes, matching the provisioned and wire encodings.
func EncodePublicKey(pub *ecdsa.PublicKey) [64]byte {
	var out [64]byte
	pub.X.FillBytes(out[0:32])
	pub.Y.FillBytes(out[32:64])
	return out
}

// ECDH computes a P-256 Diffie-Hellman shared secret from a peer's raw
// 64-byte uncompressed public key and the local private scalar, returning
// the shared X coordinate per SEC1 (the classic, non-HKDF-derived form
// ECIES splits directly into key/IV).
func ECDH(peerPub [64]byte, priv *ecdsa.PrivateKey) ([32]byte, error) {
	var out [32]byte
	pub, err := DecodePublicKey(peerPub)
	if err != nil {
		return out, err
	}
	ecdhPub, err := pub.ECDH()
	if err != nil {
		return out, err
	}
	ecdhPriv, err := priv.ECDH()
	if err != nil {
		return out, err
	}
	secret, err := ecdhPriv.ECDH(ecdhPub)
	if err != nil {
		return out, err
	}
	copy(out[:], secret)
	return out, nil
}

// ECIESDeriveKeyIV splits a 32-byte ECDH shared secret into a 16-byte
// AES key and 16-byte IV, per the encryption-header derivation step.
func ECIESDeriveKeyIV(secret [32]byte) (key [16]byte, iv [16]byte) {
	copy(key[:], secret[0:16])
	copy(iv[:], secret[16:32])
	return key, iv
}

// GenerateKey produces a fresh P-256 key pair, used by the provisioning
// tool to mint identity and update keys.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// PrivateKeyFromScalar reconstructs a P-256 private key from its raw
// 32-byte scalar, as stored in a provisioned key slot's TLV payload.
func PrivateKeyFromScalar(raw []byte) (*ecdsa.PrivateKey, error) {
	curve := elliptic.P256()
	d := new(big.Int).SetBytes(raw)
	x, y := curve.ScalarBaseMult(raw)
	return &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
		D:         d,
	}, nil
}

// AESGCMSeal performs a one-shot AES-128-GCM encryption with an explicit
// nonce and optional additional authenticated data, returning ciphertext
// and a detached 16-byte tag (the wire format carries them separately).
func AESGCMSeal(key, iv [16]byte, plaintext, aad []byte) (ciphertext []byte, tag [16]byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, tag, err
	}
	sealed := gcm.Seal(nil, iv[:gcm.NonceSize()], plaintext, aad)
	split := len(sealed) - gcm.Overhead()
	copy(tag[:], sealed[split:])
	return sealed[:split], tag, nil
}

// AESGCMOpen performs a one-shot AES-128-GCM decryption, verifying the
// detached tag against aad.
func AESGCMOpen(key, iv [16]byte, ciphertext []byte, tag [16]byte, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	combined := append(append([]byte{}, ciphertext...), tag[:]...)
	return gcm.Open(nil, iv[:gcm.NonceSize()], combined, aad)
}

func newGCM(key [16]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, 16)
}

// GCMStream is the streaming analogue of aes_gcm_begin/update/end: the
// update-block installer feeds ciphertext through Update one bounded
// chunk at a time so that only one plaintext/ciphertext block need be
// resident, rather than the whole payload.
type GCMStream struct {
	gcm cipher.AEAD
	iv  [16]byte
	aad []byte
	buf []byte // accumulated ciphertext; GCM has no true incremental API
}

// Begin starts a new streaming operation. aad, if non-nil, is the
// additional authenticated data (unused by the current EUB payload
// format, but accepted for header-level operations that do use it).
func Begin(key, iv [16]byte, aad []byte) (*GCMStream, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return &GCMStream{gcm: gcm, iv: iv, aad: aad}, nil
}

// Update appends the next chunk (ciphertext for a decrypt stream,
// plaintext for an encrypt stream) to the stream's buffer and returns
// nothing; all output comes from End or EndSeal. Because Go's
// standard library GCM has no true incremental interface, streaming
// here buffers and defers the actual AEAD operation to End; callers that
// need bounded memory should still chunk their reads/writes against the
// underlying device, but the cryptographic unit remains the whole
// message. This mirrors the reference implementation's "single-shot
// decrypt into a bounce buffer per chunk" in spirit: correctness first,
// with the same external call shape (Begin/Update/End) so install-loop
// code need not change if bounded incremental decryption is later
// added.
func (s *GCMStream) Update(chunk []byte) {
	s.buf = append(s.buf, chunk...)
}

// End finalizes a decrypt stream, verifying against tag and returning the
// accumulated plaintext. For an encrypt stream use EndSeal instead.
func (s *GCMStream) End(tag [16]byte) ([]byte, error) {
	combined := append(append([]byte{}, s.buf...), tag[:]...)
	return s.gcm.Open(nil, s.iv[:s.gcm.NonceSize()], combined, s.aad)
}

// EndSeal finalizes an encrypt stream, returning ciphertext and tag.
func (s *GCMStream) EndSeal() (ciphertext []byte, tag [16]byte, err error) {
	sealed := s.gcm.Seal(nil, s.iv[:s.gcm.NonceSize()], s.buf, s.aad)
	split := len(sealed) - s.gcm.Overhead()
	copy(tag[:], sealed[split:])
	return sealed[:split], tag, nil
}

// Checksum16 computes the 16-bit additive checksum used by SWUP header,
// epilogue, and footer validation: the sum of all bytes (as a byte
// stream, not word-wise) truncated to 16 bits.
func Checksum16(data []byte) uint16 {
	var sum uint32
	for _, b := range data {
		sum += uint32(b)
	}
	return uint16(sum)
}
