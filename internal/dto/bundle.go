package dto

import "time"

type SignedPreKey struct {
	ID        uint32    `json:"id"`
	PublicKey string    `json:"publicKey"`
	Signature string    `json:"signature"`
	CreatedAt time.Time `json:"createdAt"`
}

type PreKey struct {
	ID        uint32 `json:"id"`
	PublicKey string `json:"publicKey"`
}

// IdentityResponse is the registration of an account's local device plus
// the public bundle the messaging layer publishes for it.
type IdentityResponse struct {
	Account               string        `json:"account"`
	DeviceID              uint32        `json:"deviceId"`
	State                 string        `json:"state"`
	CurrentSignedPreKeyID uint32        `json:"currentSignedPreKeyId"`
	LastPreKeyID          uint32        `json:"lastPreKeyId"`
	IdentityKey           string        `json:"identityKey"`
	SigningKey            string        `json:"signingKey"`
	Fingerprint           string        `json:"fingerprint"`
	SignedPreKey          *SignedPreKey `json:"signedPreKey,omitempty"`
	PreKeys               []PreKey      `json:"preKeys"`
}

type DeviceResponse struct {
	Account  string `json:"account"`
	DeviceID uint32 `json:"deviceId"`
	State    string `json:"state,omitempty"`
}
