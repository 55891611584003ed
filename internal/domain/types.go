package domain

import (
	"fmt"
	"strings"
)

// Device identifies one cryptographic endpoint: a bare address plus a
// numeric device id.
type Device struct {
	Address string
	ID      uint32
}

func (d Device) String() string { return fmt.Sprintf("%s/%d", d.Address, d.ID) }

func (d Device) Valid() bool {
	return strings.TrimSpace(d.Address) != "" && d.ID != 0 && d.ID <= MaxDeviceID
}

// MaxDeviceID is the largest device id that can be published in a device list.
const MaxDeviceID = 1<<31 - 1

// TrustStatus is the verification state of a remote fingerprint.
type TrustStatus int

const (
	TrustUndecided TrustStatus = iota
	TrustTrusted
	TrustVerified
	TrustVerifiedViaCertificate
	TrustUntrusted
)

var trustNames = map[TrustStatus]string{
	TrustUndecided:              "undecided",
	TrustTrusted:                "trusted",
	TrustVerified:               "verified",
	TrustVerifiedViaCertificate: "verified_via_certificate",
	TrustUntrusted:              "untrusted",
}

func (t TrustStatus) String() string {
	if name, ok := trustNames[t]; ok {
		return name
	}
	return fmt.Sprintf("trust(%d)", int(t))
}

func (t TrustStatus) Valid() bool {
	_, ok := trustNames[t]
	return ok
}

// IsTrusted reports whether messages may be encrypted for a device with this status.
func (t TrustStatus) IsTrusted() bool {
	switch t {
	case TrustTrusted, TrustVerified, TrustVerifiedViaCertificate:
		return true
	}
	return false
}

// TrustedStatuses lists every status for which IsTrusted is true.
func TrustedStatuses() []TrustStatus {
	return []TrustStatus{TrustTrusted, TrustVerified, TrustVerifiedViaCertificate}
}

func ParseTrustStatus(s string) (TrustStatus, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for status, name := range trustNames {
		if name == s {
			return status, nil
		}
	}
	return TrustUndecided, fmt.Errorf("unknown trust status %q", s)
}

// State is the lifecycle state of a local device.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateRegistered    State = "registered"
	StateActive        State = "active"
	StateRegenerating  State = "regenerating"
	StatePurged        State = "purged"
)

// DeviceList is the cached active/inactive projection of a contact's devices.
type DeviceList struct {
	Active   []uint32 `json:"active"`
	Inactive []uint32 `json:"inactive"`
}

// RecordKind enumerates the persisted record families.
type RecordKind int

const (
	KindAccount RecordKind = iota
	KindRegistration
	KindPreKey
	KindSignedPreKey
	KindIdentityKeyPair
	KindIdentity
	KindSession
)

type kindInfo struct {
	label string
	table string
}

var kinds = map[RecordKind]kindInfo{
	KindAccount:         {label: "accounts", table: "accounts"},
	KindRegistration:    {label: "registrations", table: "device_registrations"},
	KindPreKey:          {label: "preKeys", table: "pre_keys"},
	KindSignedPreKey:    {label: "signedPreKeys", table: "signed_pre_keys"},
	KindIdentityKeyPair: {label: "identityKeyPairs", table: "identity_key_pairs"},
	KindIdentity:        {label: "identities", table: "identities"},
	KindSession:         {label: "sessions", table: "sessions"},
}

// RecordKinds returns every kind in declaration order.
func RecordKinds() []RecordKind {
	return []RecordKind{
		KindAccount,
		KindRegistration,
		KindPreKey,
		KindSignedPreKey,
		KindIdentityKeyPair,
		KindIdentity,
		KindSession,
	}
}

func (k RecordKind) String() string {
	if info, ok := kinds[k]; ok {
		return info.label
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Table returns the table holding records of this kind.
func (k RecordKind) Table() string { return kinds[k].table }
