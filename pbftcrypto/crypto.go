// Package pbftcrypto provides the fixed-size hash and deterministic
// signing primitives the consensus engine signs and verifies messages
// with. Signing is built on go.dedis.ch/kyber/v3's EdDSA scheme over
// edwards25519; hashing is stdlib sha256.
package pbftcrypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/group/edwards25519"
	"go.dedis.ch/kyber/v3/sign/eddsa"
	"go.dedis.ch/kyber/v3/util/random"
)

var suite = edwards25519.NewBlakeSHA256Ed25519()

// HashSize is the fixed width of a block/message hash.
const HashSize = sha256.Size

// Hash is a fixed-size content hash.
type Hash [HashSize]byte

// SumHash hashes data with sha256.
func SumHash(data []byte) Hash {
	return sha256.Sum256(data)
}

// HashFromBytes copies a byte slice into a Hash, erroring on wrong length.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("pbftcrypto: expected %d byte hash, got %d", HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

func (h Hash) Bytes() []byte { return h[:] }
func (h Hash) Hex() string   { return hex.EncodeToString(h[:]) }
func (h Hash) IsZero() bool  { return h == Hash{} }

// KeyPair is a validator's long-term signing identity.
type KeyPair struct {
	priv *eddsa.EdDSA
}

// GenerateKeyPair creates a fresh validator identity.
func GenerateKeyPair() *KeyPair {
	return &KeyPair{priv: eddsa.NewEdDSA(random.New())}
}

// Sign produces a deterministic-length signature over msg.
func (kp *KeyPair) Sign(msg []byte) ([]byte, error) {
	return kp.priv.Sign(msg)
}

// PublicKeyBytes marshals the public key for inclusion in a roster entry.
func (kp *KeyPair) PublicKeyBytes() ([]byte, error) {
	return kp.priv.Public.MarshalBinary()
}

// PointFromBytes unmarshals a roster-carried public key.
func PointFromBytes(b []byte) (kyber.Point, error) {
	p := suite.Point()
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("pbftcrypto: unmarshal public key: %w", err)
	}
	return p, nil
}

// Verify checks sig over msg under the validator public key pubKey.
func Verify(pubKey, msg, sig []byte) error {
	p, err := PointFromBytes(pubKey)
	if err != nil {
		return err
	}
	if err := eddsa.Verify(p, msg, sig); err != nil {
		return fmt.Errorf("pbftcrypto: signature verification failed: %w", err)
	}
	return nil
}
