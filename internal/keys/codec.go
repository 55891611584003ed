package keys

import (
	"crypto/ed25519"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformedRecord is returned when serialized key material cannot be
// decoded or fails its consistency checks.
var ErrMalformedRecord = errors.New("keys: malformed record")

const (
	fieldIdentitySeed   protowire.Number = 1
	fieldIdentityPublic protowire.Number = 2

	fieldPublicDH      protowire.Number = 1
	fieldPublicSigning protowire.Number = 2

	fieldRecordID        protowire.Number = 1
	fieldRecordPublic    protowire.Number = 2
	fieldRecordPrivate   protowire.Number = 3
	fieldRecordSignature protowire.Number = 4
	fieldRecordTimestamp protowire.Number = 5
)

func (kp *IdentityKeyPair) Marshal() []byte {
	var b []byte
	b = appendBytes(b, fieldIdentitySeed, kp.seed)
	b = appendBytes(b, fieldIdentityPublic, kp.public.DH[:])
	return b
}

// ParseIdentityKeyPair decodes a key pair and checks the stored public key
// against the one derived from the seed.
func ParseIdentityKeyPair(b []byte) (*IdentityKeyPair, error) {
	f, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	seed, err := f.fixed(fieldIdentitySeed, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	stored, err := f.fixed(fieldIdentityPublic, 32)
	if err != nil {
		return nil, err
	}
	kp, err := newIdentityKeyPair(seed)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(stored, kp.public.DH[:]) != 1 {
		return nil, fmt.Errorf("%w: identity public key does not match seed", ErrMalformedRecord)
	}
	return kp, nil
}

func (k IdentityKey) Marshal() []byte {
	var b []byte
	b = appendBytes(b, fieldPublicDH, k.DH[:])
	b = appendBytes(b, fieldPublicSigning, k.Signing)
	return b
}

func ParseIdentityKey(b []byte) (IdentityKey, error) {
	var key IdentityKey
	f, err := parseFields(b)
	if err != nil {
		return key, err
	}
	dh, err := f.fixed(fieldPublicDH, 32)
	if err != nil {
		return key, err
	}
	signing, err := f.fixed(fieldPublicSigning, ed25519.PublicKeySize)
	if err != nil {
		return key, err
	}
	copy(key.DH[:], dh)
	key.Signing = ed25519.PublicKey(signing)
	return key, nil
}

func (r *PreKeyRecord) Marshal() []byte {
	var b []byte
	b = appendVarint(b, fieldRecordID, uint64(r.ID))
	b = appendBytes(b, fieldRecordPublic, r.Public[:])
	b = appendBytes(b, fieldRecordPrivate, r.Private[:])
	return b
}

func ParsePreKeyRecord(b []byte) (*PreKeyRecord, error) {
	f, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	rec := &PreKeyRecord{}
	if rec.ID, err = f.id(); err != nil {
		return nil, err
	}
	if rec.Public, rec.Private, err = f.x25519Pair(); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *SignedPreKeyRecord) Marshal() []byte {
	var b []byte
	b = appendVarint(b, fieldRecordID, uint64(r.ID))
	b = appendBytes(b, fieldRecordPublic, r.Public[:])
	b = appendBytes(b, fieldRecordPrivate, r.Private[:])
	b = appendBytes(b, fieldRecordSignature, r.Signature)
	b = appendVarint(b, fieldRecordTimestamp, uint64(r.Timestamp.UnixMilli()))
	return b
}

func ParseSignedPreKeyRecord(b []byte) (*SignedPreKeyRecord, error) {
	f, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	rec := &SignedPreKeyRecord{}
	if rec.ID, err = f.id(); err != nil {
		return nil, err
	}
	if rec.Public, rec.Private, err = f.x25519Pair(); err != nil {
		return nil, err
	}
	if rec.Signature, err = f.fixed(fieldRecordSignature, ed25519.SignatureSize); err != nil {
		return nil, err
	}
	ts, ok := f.varints[fieldRecordTimestamp]
	if !ok {
		return nil, fmt.Errorf("%w: missing timestamp", ErrMalformedRecord)
	}
	rec.Timestamp = time.UnixMilli(int64(ts)).UTC()
	return rec, nil
}

type fields struct {
	bytes   map[protowire.Number][]byte
	varints map[protowire.Number]uint64
}

func parseFields(b []byte) (fields, error) {
	f := fields{
		bytes:   map[protowire.Number][]byte{},
		varints: map[protowire.Number]uint64{},
	}
	if len(b) == 0 {
		return f, fmt.Errorf("%w: empty", ErrMalformedRecord)
	}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return f, fmt.Errorf("%w: %v", ErrMalformedRecord, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return f, fmt.Errorf("%w: field %d: %v", ErrMalformedRecord, num, protowire.ParseError(n))
			}
			f.bytes[num] = append([]byte(nil), v...)
			b = b[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return f, fmt.Errorf("%w: field %d: %v", ErrMalformedRecord, num, protowire.ParseError(n))
			}
			f.varints[num] = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return f, fmt.Errorf("%w: field %d: %v", ErrMalformedRecord, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return f, nil
}

func (f fields) fixed(num protowire.Number, size int) ([]byte, error) {
	v, ok := f.bytes[num]
	if !ok {
		return nil, fmt.Errorf("%w: missing field %d", ErrMalformedRecord, num)
	}
	if len(v) != size {
		return nil, fmt.Errorf("%w: field %d has %d bytes, want %d", ErrMalformedRecord, num, len(v), size)
	}
	return v, nil
}

func (f fields) id() (uint32, error) {
	v, ok := f.varints[fieldRecordID]
	if !ok || v == 0 || v > MaxPreKeyID {
		return 0, fmt.Errorf("%w: bad key id", ErrMalformedRecord)
	}
	return uint32(v), nil
}

func (f fields) x25519Pair() (pub, priv [32]byte, err error) {
	p, err := f.fixed(fieldRecordPublic, 32)
	if err != nil {
		return pub, priv, err
	}
	s, err := f.fixed(fieldRecordPrivate, 32)
	if err != nil {
		return pub, priv, err
	}
	copy(pub[:], p)
	copy(priv[:], s)
	derived, err := x25519Public(priv)
	if err != nil {
		return pub, priv, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if subtle.ConstantTimeCompare(derived[:], pub[:]) != 1 {
		return pub, priv, fmt.Errorf("%w: public key does not match private key", ErrMalformedRecord)
	}
	return pub, priv, nil
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
