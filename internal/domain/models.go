package domain

import "time"

type Account struct {
	Address   string    `gorm:"column:address;primaryKey"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

func (Account) TableName() string { return "accounts" }

// DeviceRegistration holds the registration counters of the single local
// device of an account.
type DeviceRegistration struct {
	Account               string    `gorm:"column:account;primaryKey" json:"account"`
	DeviceID              uint32    `gorm:"column:device_id;not null" json:"deviceId"`
	CurrentSignedPreKeyID uint32    `gorm:"column:current_signed_pre_key_id;not null" json:"currentSignedPreKeyId"`
	LastPreKeyID          uint32    `gorm:"column:last_pre_key_id;not null" json:"lastPreKeyId"`
	State                 State     `gorm:"column:state;not null" json:"state"`
	CreatedAt             time.Time `gorm:"column:created_at;not null" json:"createdAt"`
	UpdatedAt             time.Time `gorm:"column:updated_at;not null" json:"updatedAt"`
}

func (DeviceRegistration) TableName() string { return "device_registrations" }

func (r DeviceRegistration) Device() Device { return Device{Address: r.Account, ID: r.DeviceID} }

type PreKey struct {
	Account  string `gorm:"column:account;primaryKey"`
	DeviceID uint32 `gorm:"column:device_id;primaryKey"`
	PreKeyID uint32 `gorm:"column:pre_key_id;primaryKey"`
	Record   []byte `gorm:"column:record;not null"`
}

func (PreKey) TableName() string { return "pre_keys" }

type SignedPreKey struct {
	Account        string    `gorm:"column:account;primaryKey"`
	DeviceID       uint32    `gorm:"column:device_id;primaryKey"`
	SignedPreKeyID uint32    `gorm:"column:signed_pre_key_id;primaryKey"`
	Record         []byte    `gorm:"column:record;not null"`
	LastRenewalAt  time.Time `gorm:"column:last_renewal_at;not null"`
}

func (SignedPreKey) TableName() string { return "signed_pre_keys" }

type IdentityKeyPair struct {
	Account  string `gorm:"column:account;primaryKey"`
	DeviceID uint32 `gorm:"column:device_id;primaryKey"`
	Record   []byte `gorm:"column:record;not null"`
}

func (IdentityKeyPair) TableName() string { return "identity_key_pairs" }

// IdentityRecord is what the account knows about one remote (or its own)
// device. IdentityKey is nil when trust was decided before the key was seen.
type IdentityRecord struct {
	Account               string      `gorm:"column:account;primaryKey" json:"-"`
	Address               string      `gorm:"column:address;primaryKey" json:"address"`
	DeviceID              uint32      `gorm:"column:device_id;primaryKey" json:"deviceId"`
	Fingerprint           string      `gorm:"column:fingerprint;not null" json:"fingerprint"`
	IdentityKey           []byte      `gorm:"column:identity_key" json:"-"`
	Trust                 TrustStatus `gorm:"column:trust;not null" json:"trust"`
	Active                bool        `gorm:"column:active;not null" json:"active"`
	LastActivationAt      *time.Time  `gorm:"column:last_activation_at" json:"lastActivationAt,omitempty"`
	LastDeviceIDPublishAt *time.Time  `gorm:"column:last_device_id_publish_at" json:"lastDeviceIdPublishAt,omitempty"`
	LastMessageReceivedAt *time.Time  `gorm:"column:last_message_received_at" json:"lastMessageReceivedAt,omitempty"`
	MessageCounter        int64       `gorm:"column:message_counter;not null" json:"messageCounter"`
}

func (IdentityRecord) TableName() string { return "identities" }

func (r IdentityRecord) Device() Device { return Device{Address: r.Address, ID: r.DeviceID} }

type Session struct {
	Account   string    `gorm:"column:account;primaryKey"`
	Address   string    `gorm:"column:address;primaryKey"`
	DeviceID  uint32    `gorm:"column:device_id;primaryKey"`
	Record    []byte    `gorm:"column:record;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (Session) TableName() string { return "sessions" }
