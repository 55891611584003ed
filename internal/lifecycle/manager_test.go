package lifecycle_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"omemostore/internal/domain"
	"omemostore/internal/keys"
	"omemostore/internal/lifecycle"
	"omemostore/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	aliceAddr = "alice@example"
	bobAddr   = "bob@example"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	st    *store.Store
	m     *lifecycle.Manager
	clock *clock
}

func setup(t *testing.T, cfg lifecycle.Config) fixture {
	t.Helper()

	ctx := context.Background()
	st, err := store.Open(ctx, store.Config{
		Driver: store.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "omemo.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	c := &clock{now: t0}
	m := lifecycle.New(st, cfg,
		lifecycle.WithGenerator(keys.NewGenerator(rand.New(rand.NewSource(42)))),
		lifecycle.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		lifecycle.WithClock(c.Now),
	)
	return fixture{st: st, m: m, clock: c}
}

func TestAliceBobScenario(t *testing.T) {
	f := setup(t, lifecycle.DefaultConfig())
	ctx := context.Background()

	alice, err := f.m.InitializeAccountIdentity(ctx, aliceAddr)
	require.NoError(t, err)
	require.True(t, alice.Valid())

	state, err := f.m.State(ctx, aliceAddr)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRegistered, state)
	require.NoError(t, f.m.Activate(ctx, aliceAddr))

	pks, err := f.st.PreKeys().LoadAll(ctx, alice)
	require.NoError(t, err)
	require.Len(t, pks, 100)
	assert.Equal(t, uint32(1), pks[0].ID)
	assert.Equal(t, uint32(100), pks[99].ID)

	last, err := f.st.Registrations().LastPreKeyID(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint32(100), last)

	renewal, err := f.st.SignedPreKeys().LastRenewal(ctx, alice)
	require.NoError(t, err)
	require.NotNil(t, renewal)
	assert.True(t, renewal.Equal(t0))

	own, err := f.m.LoadOwnIdentity(ctx, aliceAddr)
	require.NoError(t, err)
	assert.Equal(t, alice, own.Device)
	trust, known, err := f.st.Identities(aliceAddr).Trust(ctx, alice)
	require.NoError(t, err)
	assert.True(t, known)
	assert.Equal(t, domain.TrustVerified, trust)

	// bob/7 consumes pre-key 53 and establishes a session.
	bob7 := domain.Device{Address: bobAddr, ID: 7}
	require.NoError(t, f.st.PreKeys().Delete(ctx, alice, 53))
	pk, err := f.st.PreKeys().Load(ctx, alice, 53)
	require.NoError(t, err)
	assert.Nil(t, pk)

	sessions := f.st.Sessions(aliceAddr)
	require.NoError(t, sessions.Store(ctx, bob7, []byte("S1")))
	has, err := sessions.Has(ctx, bob7)
	require.NoError(t, err)
	assert.True(t, has)

	// Forced rotation a week later.
	f.clock.Advance(7 * 24 * time.Hour)
	rotated, err := f.m.RotateSignedPreKey(ctx, aliceAddr, true)
	require.NoError(t, err)
	assert.True(t, rotated)

	current, err := f.st.Registrations().CurrentSignedPreKeyID(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), current)

	spk2, err := f.st.SignedPreKeys().Load(ctx, alice, 2)
	require.NoError(t, err)
	require.NotNil(t, spk2)
	assert.True(t, own.KeyPair.PublicKey().VerifySignedPreKey(spk2))

	spk1, err := f.st.SignedPreKeys().Load(ctx, alice, 1)
	require.NoError(t, err)
	assert.NotNil(t, spk1, "superseded key is kept during the grace period")

	f.clock.Advance(48 * time.Hour)
	rotated, err = f.m.RotateSignedPreKey(ctx, aliceAddr, false)
	require.NoError(t, err)
	assert.False(t, rotated)

	spk1, err = f.st.SignedPreKeys().Load(ctx, alice, 1)
	require.NoError(t, err)
	assert.Nil(t, spk1)
	spk2, err = f.st.SignedPreKeys().Load(ctx, alice, 2)
	require.NoError(t, err)
	assert.NotNil(t, spk2)
}

func TestInitializeIsIdempotent(t *testing.T) {
	f := setup(t, lifecycle.DefaultConfig())
	ctx := context.Background()

	first, err := f.m.InitializeAccountIdentity(ctx, aliceAddr)
	require.NoError(t, err)
	second, err := f.m.InitializeAccountIdentity(ctx, aliceAddr)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	n, err := f.st.PreKeys().Count(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, int64(100), n)

	_, err = f.m.InitializeAccountIdentity(ctx, " ")
	require.ErrorIs(t, err, domain.ErrInvalidAccount)
}

func TestRotationIsNotDueBeforeInterval(t *testing.T) {
	f := setup(t, lifecycle.DefaultConfig())
	ctx := context.Background()

	_, err := f.m.InitializeAccountIdentity(ctx, aliceAddr)
	require.NoError(t, err)

	f.clock.Advance(6 * 24 * time.Hour)
	rotated, err := f.m.RotateSignedPreKey(ctx, aliceAddr, false)
	require.NoError(t, err)
	assert.False(t, rotated)

	f.clock.Advance(24 * time.Hour)
	rotated, err = f.m.RotateSignedPreKey(ctx, aliceAddr, false)
	require.NoError(t, err)
	assert.True(t, rotated)

	_, err = f.m.RotateSignedPreKey(ctx, "nobody@example", false)
	require.ErrorIs(t, err, domain.ErrNotInitialized)
}

func TestReplenishPreKeys(t *testing.T) {
	f := setup(t, lifecycle.Config{PreKeyBatchSize: 10, PreKeyMinCount: 5})
	ctx := context.Background()

	alice, err := f.m.InitializeAccountIdentity(ctx, aliceAddr)
	require.NoError(t, err)

	added, err := f.m.ReplenishPreKeys(ctx, aliceAddr)
	require.NoError(t, err)
	assert.Zero(t, added)

	for id := uint32(1); id <= 6; id++ {
		require.NoError(t, f.st.PreKeys().Delete(ctx, alice, id))
	}

	added, err = f.m.ReplenishPreKeys(ctx, aliceAddr)
	require.NoError(t, err)
	assert.Equal(t, 6, added)

	all, err := f.st.PreKeys().LoadAll(ctx, alice)
	require.NoError(t, err)
	ids := make([]uint32, 0, len(all))
	for _, pk := range all {
		ids = append(ids, pk.ID)
	}
	assert.Equal(t, []uint32{7, 8, 9, 10, 11, 12, 13, 14, 15, 16}, ids)

	last, err := f.st.Registrations().LastPreKeyID(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint32(16), last)
}

func TestReplenishRegeneratesWhenIDsRunOut(t *testing.T) {
	f := setup(t, lifecycle.Config{PreKeyBatchSize: 10, PreKeyMinCount: 5})
	ctx := context.Background()

	alice, err := f.m.InitializeAccountIdentity(ctx, aliceAddr)
	require.NoError(t, err)
	require.NoError(t, f.st.Registrations().SetLastPreKeyID(ctx, alice, keys.MaxPreKeyID-3))
	for id := uint32(1); id <= 6; id++ {
		require.NoError(t, f.st.PreKeys().Delete(ctx, alice, id))
	}

	added, err := f.m.ReplenishPreKeys(ctx, aliceAddr)
	require.NoError(t, err)
	assert.Equal(t, 10, added)

	reg, err := f.st.Registrations().Get(ctx, aliceAddr)
	require.NoError(t, err)
	require.NotNil(t, reg)
	assert.NotEqual(t, alice.ID, reg.DeviceID)
	assert.Equal(t, uint32(10), reg.LastPreKeyID)

	count, err := f.st.PreKeys().Count(ctx, reg.Device())
	require.NoError(t, err)
	assert.Equal(t, int64(10), count)

	// Maintenance keeps working on the new device.
	require.NoError(t, f.m.Maintain(ctx, aliceAddr))
}

func TestRegenerateKeepsRemoteTrust(t *testing.T) {
	f := setup(t, lifecycle.DefaultConfig())
	ctx := context.Background()

	old, err := f.m.InitializeAccountIdentity(ctx, aliceAddr)
	require.NoError(t, err)
	require.NoError(t, f.m.Activate(ctx, aliceAddr))

	bob7 := domain.Device{Address: bobAddr, ID: 7}
	bobKey, err := keys.NewGenerator(rand.New(rand.NewSource(7))).IdentityKeyPair()
	require.NoError(t, err)
	ids := f.st.Identities(aliceAddr)
	require.NoError(t, ids.Store(ctx, bob7, bobKey.PublicKey(), domain.TrustVerified))
	require.NoError(t, f.st.Sessions(aliceAddr).Store(ctx, bob7, []byte("S1")))

	dev, err := f.m.RegenerateAccountIdentity(ctx, aliceAddr)
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, dev.ID)

	state, err := f.m.State(ctx, aliceAddr)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, state)

	has, err := f.st.Sessions(aliceAddr).Has(ctx, bob7)
	require.NoError(t, err)
	assert.False(t, has)

	trust, known, err := ids.Trust(ctx, bob7)
	require.NoError(t, err)
	assert.True(t, known)
	assert.Equal(t, domain.TrustVerified, trust)

	rec, err := ids.Get(ctx, old)
	require.NoError(t, err)
	assert.Nil(t, rec, "old own identity row is removed")

	for _, kind := range []domain.RecordKind{domain.KindPreKey, domain.KindSignedPreKey, domain.KindIdentityKeyPair} {
		var n int64
		require.NoError(t, f.st.DB.Table(kind.Table()).Where("device_id = ?", old.ID).Count(&n).Error)
		assert.Zero(t, n, kind.String())
	}
	n, err := f.st.PreKeys().Count(ctx, dev)
	require.NoError(t, err)
	assert.Equal(t, int64(100), n)
}

func TestRegenerationIsAtomic(t *testing.T) {
	f := setup(t, lifecycle.DefaultConfig())
	ctx := context.Background()

	old, err := f.m.InitializeAccountIdentity(ctx, aliceAddr)
	require.NoError(t, err)
	bob7 := domain.Device{Address: bobAddr, ID: 7}
	require.NoError(t, f.st.Sessions(aliceAddr).Store(ctx, bob7, []byte("S1")))
	oldKP, err := f.st.IdentityKeyPairs().Load(ctx, old)
	require.NoError(t, err)

	injected := errors.New("injected failure")
	require.NoError(t, f.st.DB.Callback().Create().Before("gorm:create").
		Register("test:fail_signed_prekeys", func(db *gorm.DB) {
			if db.Statement.Table == "signed_pre_keys" {
				_ = db.AddError(injected)
			}
		}))

	_, err = f.m.RegenerateAccountIdentity(ctx, aliceAddr)
	require.ErrorIs(t, err, injected)

	reg, err := f.st.Registrations().Get(ctx, aliceAddr)
	require.NoError(t, err)
	require.NotNil(t, reg)
	assert.Equal(t, old.ID, reg.DeviceID)

	kp, err := f.st.IdentityKeyPairs().Load(ctx, old)
	require.NoError(t, err)
	assert.True(t, oldKP.Equal(kp))

	has, err := f.st.Sessions(aliceAddr).Has(ctx, bob7)
	require.NoError(t, err)
	assert.True(t, has)

	n, err := f.st.PreKeys().Count(ctx, old)
	require.NoError(t, err)
	assert.Equal(t, int64(100), n)

	require.NoError(t, f.st.DB.Callback().Create().Remove("test:fail_signed_prekeys"))
	dev, err := f.m.RegenerateAccountIdentity(ctx, aliceAddr)
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, dev.ID)
}

func TestLoadOwnIdentityRegeneratesCorruptedKeyPair(t *testing.T) {
	f := setup(t, lifecycle.DefaultConfig())
	ctx := context.Background()

	old, err := f.m.InitializeAccountIdentity(ctx, aliceAddr)
	require.NoError(t, err)
	require.NoError(t, f.st.DB.Model(&domain.IdentityKeyPair{}).
		Where("account = ? AND device_id = ?", old.Address, old.ID).
		Update("record", []byte("garbage")).Error)

	_, err = f.st.IdentityKeyPairs().Load(ctx, old)
	require.ErrorIs(t, err, domain.ErrCorruptedKey)

	own, err := f.m.LoadOwnIdentity(ctx, aliceAddr)
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, own.Device.ID)
	require.NotNil(t, own.KeyPair)

	_, err = f.m.LoadOwnIdentity(ctx, "nobody@example")
	require.ErrorIs(t, err, domain.ErrNotInitialized)
}

func TestPurgeAccount(t *testing.T) {
	f := setup(t, lifecycle.Config{PreKeyBatchSize: 20})
	ctx := context.Background()

	counts, err := f.m.PurgeAccount(ctx, "nobody@example")
	require.NoError(t, err)
	assert.Zero(t, counts[domain.KindAccount])
	state, err := f.m.State(ctx, "nobody@example")
	require.NoError(t, err)
	assert.Equal(t, domain.StateUninitialized, state)

	_, err = f.m.InitializeAccountIdentity(ctx, aliceAddr)
	require.NoError(t, err)
	bob7 := domain.Device{Address: bobAddr, ID: 7}
	require.NoError(t, f.st.Sessions(aliceAddr).Store(ctx, bob7, []byte("S1")))

	counts, err = f.m.PurgeAccount(ctx, aliceAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[domain.KindAccount])
	assert.Equal(t, int64(20), counts[domain.KindPreKey])
	assert.Equal(t, int64(1), counts[domain.KindSession])
	assert.Equal(t, int64(1), counts[domain.KindIdentity])

	state, err = f.m.State(ctx, aliceAddr)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePurged, state)

	err = f.st.Sessions(aliceAddr).Store(ctx, bob7, []byte("S2"))
	require.ErrorIs(t, err, domain.ErrConstraintViolation)

	_, err = f.m.InitializeAccountIdentity(ctx, aliceAddr)
	require.NoError(t, err)
	state, err = f.m.State(ctx, aliceAddr)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRegistered, state)
}

func TestPurgeDevice(t *testing.T) {
	f := setup(t, lifecycle.DefaultConfig())
	ctx := context.Background()

	alice, err := f.m.InitializeAccountIdentity(ctx, aliceAddr)
	require.NoError(t, err)
	require.ErrorIs(t, f.m.PurgeDevice(ctx, aliceAddr, alice), domain.ErrOwnDevice)

	bob7 := domain.Device{Address: bobAddr, ID: 7}
	require.NoError(t, f.st.Identities(aliceAddr).UpdateDeviceList(ctx, bobAddr, []uint32{7}, nil))
	require.NoError(t, f.st.Sessions(aliceAddr).Store(ctx, bob7, []byte("S1")))

	require.NoError(t, f.m.DropCorruptedRemote(ctx, aliceAddr, bob7))

	rec, err := f.st.Identities(aliceAddr).Get(ctx, bob7)
	require.NoError(t, err)
	assert.Nil(t, rec)
	has, err := f.st.Sessions(aliceAddr).Has(ctx, bob7)
	require.NoError(t, err)
	assert.False(t, has)

	require.ErrorIs(t, f.m.PurgeDevice(ctx, aliceAddr, domain.Device{Address: bobAddr}), domain.ErrInvalidDevice)
}

func TestConcurrentLifecycleOperationsAreSerialized(t *testing.T) {
	f := setup(t, lifecycle.Config{PreKeyBatchSize: 10, PreKeyMinCount: 5})
	ctx := context.Background()

	// crypto/rand: the seeded math/rand source is not safe for concurrent use.
	m := lifecycle.New(f.st, lifecycle.Config{PreKeyBatchSize: 10, PreKeyMinCount: 5},
		lifecycle.WithGenerator(keys.NewGenerator(nil)),
		lifecycle.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	_, err := m.InitializeAccountIdentity(ctx, aliceAddr)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			switch i % 4 {
			case 0:
				_, err = m.RegenerateAccountIdentity(ctx, aliceAddr)
			case 1:
				_, err = m.RotateSignedPreKey(ctx, aliceAddr, true)
			case 2:
				_, err = m.ReplenishPreKeys(ctx, aliceAddr)
			case 3:
				_, err = m.LoadOwnIdentity(ctx, aliceAddr)
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	reg, err := f.st.Registrations().Get(ctx, aliceAddr)
	require.NoError(t, err)
	require.NotNil(t, reg)

	count := func(model any, where string, args ...any) int64 {
		t.Helper()
		var n int64
		require.NoError(t, f.st.DB.Model(model).Where(where, args...).Count(&n).Error)
		return n
	}
	assert.Equal(t, int64(1), count(&domain.DeviceRegistration{}, "account = ?", aliceAddr))
	assert.Equal(t, int64(1), count(&domain.IdentityKeyPair{}, "account = ?", aliceAddr))
	assert.Equal(t, int64(1), count(&domain.IdentityRecord{}, "account = ? AND address = ?", aliceAddr, aliceAddr))
	assert.Zero(t, count(&domain.PreKey{}, "account = ? AND device_id <> ?", aliceAddr, reg.DeviceID))
	assert.Zero(t, count(&domain.SignedPreKey{}, "account = ? AND device_id <> ?", aliceAddr, reg.DeviceID))
	assert.Equal(t, int64(10), count(&domain.PreKey{}, "account = ? AND device_id = ?", aliceAddr, reg.DeviceID))

	own, err := m.LoadOwnIdentity(ctx, aliceAddr)
	require.NoError(t, err)
	assert.Equal(t, reg.Device(), own.Device)
}

func TestSchedulerMaintainsAccounts(t *testing.T) {
	f := setup(t, lifecycle.Config{PreKeyBatchSize: 10, PreKeyMinCount: 5, StaleDeviceRetention: 24 * time.Hour})
	ctx := context.Background()

	alice, err := f.m.InitializeAccountIdentity(ctx, aliceAddr)
	require.NoError(t, err)
	_, err = f.m.InitializeAccountIdentity(ctx, bobAddr)
	require.NoError(t, err)
	for id := uint32(1); id <= 8; id++ {
		require.NoError(t, f.st.PreKeys().Delete(ctx, alice, id))
	}

	s := lifecycle.NewScheduler(f.m, f.st, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	processed, failed := s.RunOnce(ctx)
	assert.Equal(t, 2, processed)
	assert.Zero(t, failed)

	n, err := f.st.PreKeys().Count(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)

	f.clock.Advance(8 * 24 * time.Hour)
	processed, failed = s.RunOnce(ctx)
	assert.Equal(t, 2, processed)
	assert.Zero(t, failed)

	current, err := f.st.Registrations().CurrentSignedPreKeyID(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), current)
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	f := setup(t, lifecycle.DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())

	s := lifecycle.NewScheduler(f.m, f.st, time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
