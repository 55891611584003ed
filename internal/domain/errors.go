package domain

import (
	"errors"
	"fmt"
)

var (
	ErrCorruptedKey        = errors.New("corrupted key material")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrCounterRegression   = errors.New("pre-key counter would decrease")
	ErrNotInitialized      = errors.New("account identity not initialized")
	ErrOwnDevice           = errors.New("operation not allowed on own device")
	ErrInvalidDevice       = errors.New("invalid device")
	ErrInvalidAccount      = errors.New("invalid account address")
)

// CorruptedKeyError reports stored bytes that exist but do not decode into
// usable key material. It matches ErrCorruptedKey with errors.Is.
type CorruptedKeyError struct {
	Kind   RecordKind
	Device Device
	KeyID  uint32
	Err    error
}

func (e *CorruptedKeyError) Error() string {
	if e.KeyID != 0 {
		return fmt.Sprintf("corrupted %s %d for %s: %v", e.Kind, e.KeyID, e.Device, e.Err)
	}
	return fmt.Sprintf("corrupted %s for %s: %v", e.Kind, e.Device, e.Err)
}

func (e *CorruptedKeyError) Unwrap() error { return e.Err }

func (e *CorruptedKeyError) Is(target error) bool { return target == ErrCorruptedKey }
