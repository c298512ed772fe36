package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
)

// blsDST is the domain separation tag for node signatures (basic scheme,
// public keys in G1, signatures in G2).
var blsDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// Key and signature sizes for the MinPk scheme.
const (
	PublicKeySize = 48 // compressed G1
	SignatureSize = 96 // compressed G2
	seedSize      = 32
)

// PeerIDLength is the hex length of a PeerID (20 bytes).
const PeerIDLength = 40

var (
	ErrInvalidSeed      = errors.New("bls: seed must be at least 32 bytes")
	ErrKeyGenFailed     = errors.New("bls: key generation failed")
	ErrInvalidSignature = errors.New("bls: invalid signature")
)

// NodeKey is the per-process BLS identity of a node. Gossip messages are
// signed with it and the PeerID is derived from its public key.
type NodeKey struct {
	sk  *blst.SecretKey
	pub []byte
}

// GenerateNodeKey creates a fresh key from crypto/rand.
func GenerateNodeKey() (*NodeKey, error) {
	seed := make([]byte, seedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("bls: read seed: %w", err)
	}
	return NodeKeyFromSeed(seed)
}

// NodeKeyFromSeed derives a key deterministically from input key material.
func NodeKeyFromSeed(seed []byte) (*NodeKey, error) {
	if len(seed) < seedSize {
		return nil, ErrInvalidSeed
	}
	sk := blst.KeyGen(seed)
	if sk == nil {
		return nil, ErrKeyGenFailed
	}
	pub := new(blst.P1Affine).From(sk).Compress()
	return &NodeKey{sk: sk, pub: pub}, nil
}

// PublicKey returns the compressed 48-byte public key.
func (k *NodeKey) PublicKey() []byte {
	return append([]byte(nil), k.pub...)
}

// PeerID returns the identifier derived from the public key.
func (k *NodeKey) PeerID() string {
	return PeerIDFromPublicKey(k.pub)
}

// Sign signs msg and returns the compressed 96-byte signature.
func (k *NodeKey) Sign(msg []byte) []byte {
	return new(blst.P2Affine).Sign(k.sk, msg, blsDST).Compress()
}

// VerifySignature checks sig over msg against a compressed public key.
// Malformed keys or signatures verify as false.
func VerifySignature(pub, msg, sig []byte) bool {
	if len(pub) != PublicKeySize || len(sig) != SignatureSize {
		return false
	}
	pk := new(blst.P1Affine).Uncompress(pub)
	if pk == nil {
		return false
	}
	s := new(blst.P2Affine).Uncompress(sig)
	if s == nil {
		return false
	}
	return s.Verify(true, pk, true, msg, blsDST)
}

// PeerIDFromPublicKey hashes a public key into a 20-byte hex identifier.
func PeerIDFromPublicKey(pub []byte) string {
	h := Keccak256(pub)
	return hex.EncodeToString(h[12:])
}
