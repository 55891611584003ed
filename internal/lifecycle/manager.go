// Package lifecycle drives the local device of each account through its key
// lifecycle: first-run initialization, signed pre-key rotation, pre-key
// replenishment, regeneration after corruption, and purge.
//
// Mutating operations on one account are serialized by a per-account lock
// and run inside a single store transaction, so callers never observe a
// half-built identity. Session and trust reads from the messaging layer go
// straight to the store and are not locked.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"omemostore/internal/domain"
	"omemostore/internal/keys"
	"omemostore/internal/observability/metrics"
	"omemostore/internal/store"

	"github.com/google/uuid"
)

const maxDeviceIDAttempts = 16

// KeyGenerator produces fresh key material. *keys.Generator implements it.
type KeyGenerator interface {
	IdentityKeyPair() (*keys.IdentityKeyPair, error)
	DeviceID() (uint32, error)
	PreKeys(start uint32, count int) ([]*keys.PreKeyRecord, error)
	SignedPreKey(identity *keys.IdentityKeyPair, id uint32, at time.Time) (*keys.SignedPreKeyRecord, error)
}

type Config struct {
	PreKeyBatchSize      int
	PreKeyMinCount       int
	SignedPreKeyInterval time.Duration
	SignedPreKeyGrace    time.Duration
	// StaleDeviceRetention enables pruning of inactive undecided remote
	// devices during maintenance. Zero keeps them forever.
	StaleDeviceRetention time.Duration
}

func DefaultConfig() Config {
	return Config{
		PreKeyBatchSize:      100,
		PreKeyMinCount:       25,
		SignedPreKeyInterval: 7 * 24 * time.Hour,
		SignedPreKeyGrace:    48 * time.Hour,
	}
}

type Option func(*Manager)

func WithGenerator(g KeyGenerator) Option { return func(m *Manager) { m.gen = g } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// OwnIdentity is the local device of an account together with its private
// identity.
type OwnIdentity struct {
	Device  domain.Device
	KeyPair *keys.IdentityKeyPair
}

type Manager struct {
	store *store.Store
	gen   KeyGenerator
	cfg   Config
	log   *slog.Logger
	now   func() time.Time

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	purged map[string]bool
}

func New(st *store.Store, cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.PreKeyBatchSize <= 0 {
		cfg.PreKeyBatchSize = def.PreKeyBatchSize
	}
	if cfg.PreKeyMinCount <= 0 || cfg.PreKeyMinCount > cfg.PreKeyBatchSize {
		cfg.PreKeyMinCount = min(def.PreKeyMinCount, cfg.PreKeyBatchSize)
	}
	if cfg.SignedPreKeyInterval <= 0 {
		cfg.SignedPreKeyInterval = def.SignedPreKeyInterval
	}
	if cfg.SignedPreKeyGrace < 0 {
		cfg.SignedPreKeyGrace = def.SignedPreKeyGrace
	}

	m := &Manager{
		store:  st,
		gen:    keys.NewGenerator(nil),
		cfg:    cfg,
		log:    slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		locks:  map[string]*sync.Mutex{},
		purged: map[string]bool{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) lock(account string) func() {
	m.mu.Lock()
	l, ok := m.locks[account]
	if !ok {
		l = &sync.Mutex{}
		m.locks[account] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (m *Manager) begin(op, account string) (*slog.Logger, func(error)) {
	log := m.log.With("op", op, "op_id", uuid.NewString(), "account", account)
	start := time.Now()
	return log, func(err error) {
		metrics.ObserveOperation(op, err)
		switch {
		case err == nil:
			log.Debug("lifecycle operation finished", "duration", time.Since(start))
		case errors.Is(err, domain.ErrCorruptedKey),
			errors.Is(err, domain.ErrConstraintViolation),
			errors.Is(err, domain.ErrStoreUnavailable):
			log.Error("lifecycle operation failed", "error", err)
		default:
			log.Warn("lifecycle operation failed", "error", err)
		}
	}
}

func validAccount(account string) error {
	if strings.TrimSpace(account) == "" || strings.ContainsAny(account, "/ ") {
		return fmt.Errorf("lifecycle: %q: %w", account, domain.ErrInvalidAccount)
	}
	return nil
}

// InitializeAccountIdentity creates the local device of account with all of
// its key material in one transaction. An account that already has a device
// gets that device back unchanged.
func (m *Manager) InitializeAccountIdentity(ctx context.Context, account string) (dev domain.Device, err error) {
	if err := validAccount(account); err != nil {
		return domain.Device{}, err
	}
	unlock := m.lock(account)
	defer unlock()
	log, done := m.begin("initialize", account)
	defer func() { done(err) }()

	created := false
	err = m.store.WithTx(ctx, func(tx *store.Store) error {
		reg, err := tx.Registrations().Get(ctx, account)
		if err != nil {
			return err
		}
		if reg != nil {
			dev = reg.Device()
			return nil
		}
		dev, err = m.initialize(ctx, tx, account, 0)
		created = err == nil
		return err
	})
	if err != nil {
		return domain.Device{}, err
	}
	if created {
		m.afterInitialize(account)
		log.Info("account identity initialized", "device_id", dev.ID)
	}
	return dev, nil
}

// initialize writes a complete new local device. It must run inside tx.
func (m *Manager) initialize(ctx context.Context, tx *store.Store, account string, previous uint32) (domain.Device, error) {
	dev, err := m.newDevice(ctx, tx, account, previous)
	if err != nil {
		return dev, err
	}
	if err := tx.Registrations().Register(ctx, dev); err != nil {
		return dev, err
	}

	kp, err := m.gen.IdentityKeyPair()
	if err != nil {
		return dev, fmt.Errorf("lifecycle: generate identity: %w", err)
	}
	if err := tx.IdentityKeyPairs().Store(ctx, dev, kp); err != nil {
		return dev, err
	}

	n := m.cfg.PreKeyBatchSize
	pks, err := m.gen.PreKeys(1, n)
	if err != nil {
		return dev, fmt.Errorf("lifecycle: generate pre-keys: %w", err)
	}
	if err := tx.PreKeys().StoreBatch(ctx, dev, pks); err != nil {
		return dev, err
	}
	if err := tx.Registrations().SetLastPreKeyID(ctx, dev, uint32(n)); err != nil {
		return dev, err
	}

	spk, err := m.gen.SignedPreKey(kp, 1, m.now())
	if err != nil {
		return dev, fmt.Errorf("lifecycle: generate signed pre-key: %w", err)
	}
	if err := tx.SignedPreKeys().Store(ctx, dev, spk); err != nil {
		return dev, err
	}
	if err := tx.Registrations().SetCurrentSignedPreKeyID(ctx, dev, spk.ID); err != nil {
		return dev, err
	}

	// The account trusts its own device.
	if err := tx.Identities(account).Store(ctx, dev, kp.PublicKey(), domain.TrustVerified); err != nil {
		return dev, err
	}
	return dev, nil
}

// newDevice picks a device id that differs from previous and from every
// other device of the same address the account already knows about.
func (m *Manager) newDevice(ctx context.Context, tx *store.Store, account string, previous uint32) (domain.Device, error) {
	for i := 0; i < maxDeviceIDAttempts; i++ {
		id, err := m.gen.DeviceID()
		if err != nil {
			return domain.Device{}, fmt.Errorf("lifecycle: generate device id: %w", err)
		}
		dev := domain.Device{Address: account, ID: id}
		if id == previous {
			continue
		}
		known, err := tx.Identities(account).Get(ctx, dev)
		if err != nil {
			return domain.Device{}, err
		}
		if known == nil {
			return dev, nil
		}
	}
	return domain.Device{}, fmt.Errorf("lifecycle: no free device id for %s after %d attempts", account, maxDeviceIDAttempts)
}

func (m *Manager) afterInitialize(account string) {
	m.mu.Lock()
	delete(m.purged, account)
	m.mu.Unlock()
	metrics.PreKeysGeneratedTotal.Add(float64(m.cfg.PreKeyBatchSize))
}

// Activate records that the bundle of a freshly registered device has been
// published.
func (m *Manager) Activate(ctx context.Context, account string) (err error) {
	unlock := m.lock(account)
	defer unlock()
	_, done := m.begin("activate", account)
	defer func() { done(err) }()

	reg, err := m.store.Registrations().Get(ctx, account)
	if err != nil {
		return err
	}
	if reg == nil {
		return fmt.Errorf("lifecycle: activate %s: %w", account, domain.ErrNotInitialized)
	}
	if reg.State == domain.StateActive {
		return nil
	}
	return m.store.Registrations().SetState(ctx, reg.Device(), domain.StateActive)
}

// RotateSignedPreKey replaces the current signed pre-key when forced or when
// it is older than the rotation interval. Superseded keys are deleted once
// the current key is older than the grace period.
func (m *Manager) RotateSignedPreKey(ctx context.Context, account string, force bool) (rotated bool, err error) {
	unlock := m.lock(account)
	defer unlock()
	log, done := m.begin("rotate_signed_prekey", account)
	defer func() { done(err) }()

	var newID uint32
	var pruned int64
	err = m.store.WithTx(ctx, func(tx *store.Store) error {
		rotated, pruned = false, 0
		reg, err := tx.Registrations().Get(ctx, account)
		if err != nil {
			return err
		}
		if reg == nil {
			return fmt.Errorf("lifecycle: rotate %s: %w", account, domain.ErrNotInitialized)
		}
		dev := reg.Device()
		now := m.now()
		current := reg.CurrentSignedPreKeyID

		renewal, err := tx.SignedPreKeys().LastRenewal(ctx, dev)
		if err != nil {
			return err
		}
		if force || renewal == nil || now.Sub(*renewal) >= m.cfg.SignedPreKeyInterval {
			kp, err := tx.IdentityKeyPairs().Load(ctx, dev)
			if err != nil {
				return err
			}
			if kp == nil {
				return fmt.Errorf("lifecycle: rotate %s: identity key pair missing: %w", dev, domain.ErrNotInitialized)
			}
			next := current + 1
			if next > keys.MaxPreKeyID {
				next = 1
			}
			spk, err := m.gen.SignedPreKey(kp, next, now)
			if err != nil {
				return fmt.Errorf("lifecycle: generate signed pre-key: %w", err)
			}
			if err := tx.SignedPreKeys().Store(ctx, dev, spk); err != nil {
				return err
			}
			if err := tx.Registrations().SetCurrentSignedPreKeyID(ctx, dev, next); err != nil {
				return err
			}
			current, newID, rotated = next, next, true
			renewal = &spk.Timestamp
		}

		if !now.Before(renewal.Add(m.cfg.SignedPreKeyGrace)) {
			pruned, err = tx.SignedPreKeys().DeleteExcept(ctx, dev, current)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if rotated {
		log.Info("signed pre-key rotated", "signed_prekey_id", newID, "forced", force)
	}
	if pruned > 0 {
		log.Info("superseded signed pre-keys deleted", "count", pruned)
	}
	return rotated, nil
}

// ReplenishPreKeys tops the pre-key pool back up to the batch size once it
// has dropped below the minimum. New ids continue after the highest id ever
// issued. When the 24-bit id space is used up the device is regenerated,
// which starts a fresh id sequence; the returned count is then the new
// device's full batch.
func (m *Manager) ReplenishPreKeys(ctx context.Context, account string) (added int, err error) {
	unlock := m.lock(account)
	defer unlock()

	added, err = m.replenish(ctx, account)
	if !errors.Is(err, keys.ErrPreKeyIDsExhausted) {
		return added, err
	}
	m.log.Warn("pre-key ids exhausted, regenerating device", "account", account)
	if _, err := m.regenerate(ctx, account); err != nil {
		return 0, err
	}
	return m.cfg.PreKeyBatchSize, nil
}

func (m *Manager) replenish(ctx context.Context, account string) (added int, err error) {
	log, done := m.begin("replenish_prekeys", account)
	defer func() { done(err) }()

	err = m.store.WithTx(ctx, func(tx *store.Store) error {
		added = 0
		reg, err := tx.Registrations().Get(ctx, account)
		if err != nil {
			return err
		}
		if reg == nil {
			return fmt.Errorf("lifecycle: replenish %s: %w", account, domain.ErrNotInitialized)
		}
		dev := reg.Device()
		count, err := tx.PreKeys().Count(ctx, dev)
		if err != nil {
			return err
		}
		if count >= int64(m.cfg.PreKeyMinCount) {
			return nil
		}

		need := m.cfg.PreKeyBatchSize - int(count)
		pks, err := m.gen.PreKeys(reg.LastPreKeyID+1, need)
		if err != nil {
			return fmt.Errorf("lifecycle: generate pre-keys for %s: %w", dev, err)
		}
		if err := tx.PreKeys().StoreBatch(ctx, dev, pks); err != nil {
			return err
		}
		if err := tx.Registrations().SetLastPreKeyID(ctx, dev, reg.LastPreKeyID+uint32(need)); err != nil {
			return err
		}
		added = need
		return nil
	})
	if err != nil {
		return 0, err
	}
	if added > 0 {
		metrics.PreKeysGeneratedTotal.Add(float64(added))
		log.Info("pre-keys replenished", "added", added)
	}
	return added, nil
}

// RegenerateAccountIdentity replaces the local device of account with a new
// one. Sessions of the account and all key material of the old device are
// removed in the same transaction; trust decisions about remote devices are
// kept.
func (m *Manager) RegenerateAccountIdentity(ctx context.Context, account string) (domain.Device, error) {
	if err := validAccount(account); err != nil {
		return domain.Device{}, err
	}
	unlock := m.lock(account)
	defer unlock()
	return m.regenerate(ctx, account)
}

func (m *Manager) regenerate(ctx context.Context, account string) (dev domain.Device, err error) {
	log, done := m.begin("regenerate", account)
	defer func() { done(err) }()

	var old domain.Device
	var sessions int64
	err = m.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.Accounts().Ensure(ctx, account); err != nil {
			return err
		}
		reg, err := tx.Registrations().Get(ctx, account)
		if err != nil {
			return err
		}
		var previous uint32
		if reg != nil {
			old = reg.Device()
			previous = old.ID
			if sessions, err = tx.Sessions(account).DeleteAll(ctx); err != nil {
				return err
			}
			if err := tx.Identities(account).Delete(ctx, old); err != nil {
				return err
			}
			if err := tx.Registrations().Delete(ctx, old); err != nil {
				return err
			}
		}

		dev, err = m.initialize(ctx, tx, account, previous)
		if err != nil {
			return err
		}
		if reg != nil && reg.State != domain.StateRegistered {
			return tx.Registrations().SetState(ctx, dev, domain.StateActive)
		}
		return nil
	})
	if err != nil {
		return domain.Device{}, err
	}
	m.afterInitialize(account)
	log.Info("account identity regenerated",
		"old_device_id", old.ID,
		"device_id", dev.ID,
		"sessions_deleted", sessions,
	)
	return dev, nil
}

// PurgeAccount deletes every record of account and reports what was removed.
func (m *Manager) PurgeAccount(ctx context.Context, account string) (counts map[domain.RecordKind]int64, err error) {
	unlock := m.lock(account)
	defer unlock()
	log, done := m.begin("purge_account", account)
	defer func() { done(err) }()

	counts, err = m.store.DeleteAccountData(ctx, account)
	if err != nil {
		return nil, err
	}
	attrs := make([]any, 0, 2*len(counts))
	for _, kind := range domain.RecordKinds() {
		metrics.RecordsPurgedTotal.WithLabelValues(kind.String()).Add(float64(counts[kind]))
		attrs = append(attrs, kind.String(), counts[kind])
	}

	if counts[domain.KindAccount] > 0 {
		m.mu.Lock()
		m.purged[account] = true
		m.mu.Unlock()
	}

	log.Info("account purged", attrs...)
	return counts, nil
}

// PurgeDevice forgets one remote device: its session and identity row. The
// account's own current device cannot be purged this way.
func (m *Manager) PurgeDevice(ctx context.Context, account string, dev domain.Device) (err error) {
	if !dev.Valid() {
		return fmt.Errorf("lifecycle: purge device %s: %w", dev, domain.ErrInvalidDevice)
	}
	unlock := m.lock(account)
	defer unlock()
	log, done := m.begin("purge_device", account)
	defer func() { done(err) }()

	err = m.store.WithTx(ctx, func(tx *store.Store) error {
		reg, err := tx.Registrations().Get(ctx, account)
		if err != nil {
			return err
		}
		if reg != nil && reg.Device() == dev {
			return fmt.Errorf("lifecycle: purge device %s: %w", dev, domain.ErrOwnDevice)
		}
		if err := tx.Sessions(account).Delete(ctx, dev); err != nil {
			return err
		}
		return tx.Identities(account).Delete(ctx, dev)
	})
	if err != nil {
		return err
	}
	log.Info("device purged", "device", dev.String())
	return nil
}

// DropCorruptedRemote removes a remote device whose stored identity key no
// longer decodes so that a fresh key exchange can take place.
func (m *Manager) DropCorruptedRemote(ctx context.Context, account string, dev domain.Device) error {
	metrics.CorruptedKeysTotal.WithLabelValues(domain.KindIdentity.String()).Inc()
	m.log.Warn("dropping corrupted remote identity", "account", account, "device", dev.String())
	return m.PurgeDevice(ctx, account, dev)
}

// LoadOwnIdentity returns the local device and identity key pair of account.
// A key pair that no longer decodes triggers a regeneration, and the new
// identity is returned.
func (m *Manager) LoadOwnIdentity(ctx context.Context, account string) (*OwnIdentity, error) {
	unlock := m.lock(account)
	defer unlock()

	reg, err := m.store.Registrations().Get(ctx, account)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, fmt.Errorf("lifecycle: load identity of %s: %w", account, domain.ErrNotInitialized)
	}
	dev := reg.Device()

	kp, err := m.store.IdentityKeyPairs().Load(ctx, dev)
	var corrupt *domain.CorruptedKeyError
	switch {
	case errors.As(err, &corrupt):
		metrics.CorruptedKeysTotal.WithLabelValues(corrupt.Kind.String()).Inc()
		m.log.Error("own identity key pair is corrupted, regenerating",
			"account", account, "device_id", dev.ID, "error", err)
		if dev, err = m.regenerate(ctx, account); err != nil {
			return nil, err
		}
		if kp, err = m.store.IdentityKeyPairs().Load(ctx, dev); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}
	if kp == nil {
		return nil, fmt.Errorf("lifecycle: load identity of %s: key pair missing: %w", dev, domain.ErrNotInitialized)
	}
	return &OwnIdentity{Device: dev, KeyPair: kp}, nil
}

// Maintain runs the periodic upkeep for one account: identity check,
// signed pre-key rotation, pre-key replenishment and, when enabled, pruning
// of stale remote devices.
func (m *Manager) Maintain(ctx context.Context, account string) error {
	if _, err := m.LoadOwnIdentity(ctx, account); err != nil {
		return err
	}
	var errs []error
	if _, err := m.RotateSignedPreKey(ctx, account, false); err != nil {
		errs = append(errs, err)
	}
	if _, err := m.ReplenishPreKeys(ctx, account); err != nil {
		errs = append(errs, err)
	}
	if m.cfg.StaleDeviceRetention > 0 {
		removed, err := m.store.Identities(account).DeleteStale(ctx, m.now().Add(-m.cfg.StaleDeviceRetention))
		if err != nil {
			errs = append(errs, err)
		} else if removed > 0 {
			m.log.Info("stale devices pruned", "account", account, "count", removed)
		}
	}
	return errors.Join(errs...)
}

// State reports where the local device of account is in its lifecycle.
func (m *Manager) State(ctx context.Context, account string) (domain.State, error) {
	reg, err := m.store.Registrations().Get(ctx, account)
	if err != nil {
		return "", err
	}
	if reg != nil {
		return reg.State, nil
	}
	m.mu.Lock()
	purged := m.purged[account]
	m.mu.Unlock()
	if purged {
		return domain.StatePurged, nil
	}
	return domain.StateUninitialized, nil
}
