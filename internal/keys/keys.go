// Package keys holds the local key material kept by the store: the device
// identity key pair, one-time pre-keys and signed pre-keys. Identity keys are
// Ed25519 seeds; the X25519 Diffie-Hellman pair is derived from the seed so a
// single secret backs both signing and key agreement.
package keys

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/curve25519"
)

const (
	// DJBType prefixes serialized Curve25519 public keys.
	DJBType = 0x05

	// MaxPreKeyID bounds pre-key and signed pre-key ids to 24 bits.
	MaxPreKeyID = 0xFFFFFF

	maxDeviceID = 1<<31 - 1
)

var ErrPreKeyIDsExhausted = errors.New("keys: pre-key id space exhausted")

// IdentityKey is the public identity of a device.
type IdentityKey struct {
	DH      [32]byte
	Signing ed25519.PublicKey
}

// Fingerprint is the lowercase hex form of the DH public key.
func (k IdentityKey) Fingerprint() string {
	return hex.EncodeToString(k.DH[:])
}

// Serialized returns the DJB-prefixed DH public key as published in bundles.
func (k IdentityKey) Serialized() []byte {
	return append([]byte{DJBType}, k.DH[:]...)
}

func (k IdentityKey) Equal(other IdentityKey) bool {
	return k.DH == other.DH && bytes.Equal(k.Signing, other.Signing)
}

// VerifySignedPreKey checks the identity signature over a signed pre-key.
func (k IdentityKey) VerifySignedPreKey(spk *SignedPreKeyRecord) bool {
	if spk == nil || len(k.Signing) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(k.Signing, spk.SerializedPublic(), spk.Signature)
}

// IdentityKeyPair is the private identity of the local device.
type IdentityKeyPair struct {
	seed      []byte
	signing   ed25519.PrivateKey
	dhPrivate [32]byte
	public    IdentityKey
}

func newIdentityKeyPair(seed []byte) (*IdentityKeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: identity seed has %d bytes", ErrMalformedRecord, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	dhPriv := ed25519PrivToCurve25519(priv)
	dhPub, err := x25519Public(dhPriv)
	if err != nil {
		return nil, err
	}
	return &IdentityKeyPair{
		seed:      append([]byte(nil), seed...),
		signing:   priv,
		dhPrivate: dhPriv,
		public: IdentityKey{
			DH:      dhPub,
			Signing: append(ed25519.PublicKey(nil), priv.Public().(ed25519.PublicKey)...),
		},
	}, nil
}

func (kp *IdentityKeyPair) PublicKey() IdentityKey { return kp.public }

func (kp *IdentityKeyPair) DHPrivate() [32]byte { return kp.dhPrivate }

func (kp *IdentityKeyPair) Sign(msg []byte) []byte { return ed25519.Sign(kp.signing, msg) }

func (kp *IdentityKeyPair) Equal(other *IdentityKeyPair) bool {
	if kp == nil || other == nil {
		return kp == other
	}
	return bytes.Equal(kp.seed, other.seed)
}

// PreKeyRecord is a one-time X25519 key pair.
type PreKeyRecord struct {
	ID      uint32
	Public  [32]byte
	Private [32]byte
}

func (r *PreKeyRecord) SerializedPublic() []byte {
	return append([]byte{DJBType}, r.Public[:]...)
}

// SignedPreKeyRecord is a medium-term X25519 key pair signed by the identity.
type SignedPreKeyRecord struct {
	ID        uint32
	Public    [32]byte
	Private   [32]byte
	Signature []byte
	Timestamp time.Time
}

func (r *SignedPreKeyRecord) SerializedPublic() []byte {
	return append([]byte{DJBType}, r.Public[:]...)
}

// Generator creates key material from a randomness source.
type Generator struct {
	rand io.Reader
}

// NewGenerator returns a generator reading from r, or crypto/rand when r is nil.
func NewGenerator(r io.Reader) *Generator {
	if r == nil {
		r = rand.Reader
	}
	return &Generator{rand: r}
}

func (g *Generator) IdentityKeyPair() (*IdentityKeyPair, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(g.rand, seed); err != nil {
		return nil, fmt.Errorf("keys: read identity seed: %w", err)
	}
	return newIdentityKeyPair(seed)
}

// DeviceID returns a random id in [1, 2^31-1].
func (g *Generator) DeviceID() (uint32, error) {
	var buf [4]byte
	for {
		if _, err := io.ReadFull(g.rand, buf[:]); err != nil {
			return 0, fmt.Errorf("keys: read device id: %w", err)
		}
		id := binary.BigEndian.Uint32(buf[:]) & maxDeviceID
		if id != 0 {
			return id, nil
		}
	}
}

// PreKeys generates count pre-keys with consecutive ids starting at start.
func (g *Generator) PreKeys(start uint32, count int) ([]*PreKeyRecord, error) {
	if count <= 0 {
		return nil, nil
	}
	if start == 0 || uint64(start)+uint64(count)-1 > MaxPreKeyID {
		return nil, ErrPreKeyIDsExhausted
	}
	out := make([]*PreKeyRecord, 0, count)
	for i := 0; i < count; i++ {
		priv, pub, err := g.x25519Pair()
		if err != nil {
			return nil, err
		}
		out = append(out, &PreKeyRecord{ID: start + uint32(i), Public: pub, Private: priv})
	}
	return out, nil
}

func (g *Generator) SignedPreKey(identity *IdentityKeyPair, id uint32, at time.Time) (*SignedPreKeyRecord, error) {
	if identity == nil {
		return nil, errors.New("keys: nil identity key pair")
	}
	if id == 0 || id > MaxPreKeyID {
		return nil, ErrPreKeyIDsExhausted
	}
	priv, pub, err := g.x25519Pair()
	if err != nil {
		return nil, err
	}
	rec := &SignedPreKeyRecord{
		ID:        id,
		Public:    pub,
		Private:   priv,
		Timestamp: at.UTC().Truncate(time.Millisecond),
	}
	rec.Signature = identity.Sign(rec.SerializedPublic())
	return rec, nil
}

func (g *Generator) x25519Pair() (priv, pub [32]byte, err error) {
	if _, err = io.ReadFull(g.rand, priv[:]); err != nil {
		return priv, pub, fmt.Errorf("keys: read private key: %w", err)
	}
	clamp(&priv)
	pub, err = x25519Public(priv)
	return priv, pub, err
}

func x25519Public(priv [32]byte) ([32]byte, error) {
	var out [32]byte
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return out, fmt.Errorf("keys: derive public key: %w", err)
	}
	copy(out[:], pub)
	return out, nil
}

func clamp(k *[32]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

func ed25519PrivToCurve25519(priv ed25519.PrivateKey) [32]byte {
	h := sha512.Sum512(priv.Seed())
	var out [32]byte
	copy(out[:], h[:32])
	clamp(&out)
	return out
}
