package settings

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/finmirror/internal/platform/httpx"
	"github.com/odyssey-erp/finmirror/internal/shared"
)

type memoryRepo struct {
	mu       sync.Mutex
	accounts map[string]Account
	mappings map[int64]Mapping
	config   map[string]ConfigEntry
	nextID   int64
}

func newMemoryRepo() *memoryRepo {
	repo := &memoryRepo{
		accounts: map[string]Account{},
		mappings: map[int64]Mapping{},
		config:   map[string]ConfigEntry{},
	}
	for i, code := range []string{"120000", "401000", "601000", "613200"} {
		repo.nextID++
		repo.accounts[code] = Account{ID: repo.nextID, Code: code, Name: "acct " + code, Type: AccountTypeExpense, DisplayOrder: i, IsActive: true}
	}
	repo.config["default_bank_account"] = ConfigEntry{Key: "default_bank_account", Value: "120000"}
	return repo
}

func (m *memoryRepo) ListAccounts(_ context.Context, activeOnly bool) ([]Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Account
	for _, a := range m.accounts {
		if a.IsActive || !activeOnly {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayOrder < out[j].DisplayOrder })
	return out, nil
}

func (m *memoryRepo) GetAccount(_ context.Context, code string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[code]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return a, nil
}

func (m *memoryRepo) InsertAccount(_ context.Context, in AccountInput) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[in.Code]; ok {
		return Account{}, ErrDuplicateAccount
	}
	m.nextID++
	a := Account{ID: m.nextID, Code: in.Code, Name: in.Name, Type: in.Type, Category: in.Category, ParentCode: in.ParentCode, DisplayOrder: in.DisplayOrder, IsActive: true}
	m.accounts[in.Code] = a
	return a, nil
}

func (m *memoryRepo) UpdateAccount(_ context.Context, code string, in AccountUpdate) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[code]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	a.Name, a.Type, a.Category, a.ParentCode, a.DisplayOrder = in.Name, in.Type, in.Category, in.ParentCode, in.DisplayOrder
	if in.IsActive != nil {
		a.IsActive = *in.IsActive
	}
	m.accounts[code] = a
	return a, nil
}

func (m *memoryRepo) DeactivateAccount(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[code]
	if !ok {
		return ErrAccountNotFound
	}
	a.IsActive = false
	m.accounts[code] = a
	return nil
}

func (m *memoryRepo) ListMappings(_ context.Context, activeOnly bool) ([]Mapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Mapping
	for _, id := range slices.Sorted(maps.Keys(m.mappings)) {
		if mp := m.mappings[id]; mp.IsActive || !activeOnly {
			out = append(out, mp)
		}
	}
	return out, nil
}

func (m *memoryRepo) GetMapping(_ context.Context, id int64) (Mapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.mappings[id]
	if !ok {
		return Mapping{}, ErrMappingNotFound
	}
	return mp, nil
}

// WithTx holds the repository lock for the whole callback and restores the
// mappings when fn fails.
func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := maps.Clone(m.mappings)
	if err := fn(ctx, &memoryTx{repo: m}); err != nil {
		m.mappings = saved
		return err
	}
	return nil
}

func (m *memoryRepo) ListConfig(context.Context) ([]ConfigEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ConfigEntry
	for _, key := range slices.Sorted(maps.Keys(m.config)) {
		out = append(out, m.config[key])
	}
	return out, nil
}

func (m *memoryRepo) GetConfig(_ context.Context, key string) (ConfigEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.config[key]
	if !ok {
		return ConfigEntry{}, ErrConfigNotFound
	}
	return e, nil
}

func (m *memoryRepo) UpsertConfig(_ context.Context, in ConfigInput) (ConfigEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.config[in.Key]
	e.Key, e.Value = in.Key, in.Value
	if in.Description != "" {
		e.Description = in.Description
	}
	m.config[in.Key] = e
	return e, nil
}

func (m *memoryRepo) DeleteConfig(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.config[key]; !ok {
		return ErrConfigNotFound
	}
	delete(m.config, key)
	return nil
}

type memoryTx struct {
	repo *memoryRepo
}

func (t *memoryTx) LockUpstreamAccount(context.Context, string) error { return nil }

func (t *memoryTx) ActiveMappingID(_ context.Context, upstream string, exclude int64) (int64, error) {
	for _, id := range slices.Sorted(maps.Keys(t.repo.mappings)) {
		mp := t.repo.mappings[id]
		if mp.IsActive && mp.UpstreamAccountID == upstream && id != exclude {
			return id, nil
		}
	}
	return 0, nil
}

func (t *memoryTx) AccountActive(_ context.Context, code string) (bool, error) {
	a, ok := t.repo.accounts[code]
	return ok && a.IsActive, nil
}

func (t *memoryTx) GetMapping(_ context.Context, id int64) (Mapping, error) {
	mp, ok := t.repo.mappings[id]
	if !ok {
		return Mapping{}, ErrMappingNotFound
	}
	return mp, nil
}

func (t *memoryTx) InsertMapping(_ context.Context, in MappingInput) (Mapping, error) {
	t.repo.nextID++
	mp := Mapping{ID: t.repo.nextID, UpstreamAccountID: in.UpstreamAccountID, UpstreamLabel: in.UpstreamLabel,
		CostCategory: in.CostCategory, CoaCode: in.CoaCode, Notes: in.Notes, IsActive: true}
	t.repo.mappings[mp.ID] = mp
	return mp, nil
}

func (t *memoryTx) UpdateMapping(_ context.Context, id int64, in MappingInput) (Mapping, error) {
	mp := t.repo.mappings[id]
	mp.UpstreamAccountID, mp.UpstreamLabel, mp.CostCategory, mp.CoaCode, mp.Notes = in.UpstreamAccountID, in.UpstreamLabel, in.CostCategory, in.CoaCode, in.Notes
	mp.IsActive = true
	t.repo.mappings[id] = mp
	return mp, nil
}

func (t *memoryTx) DeactivateMapping(_ context.Context, id int64) error {
	mp, ok := t.repo.mappings[id]
	if !ok {
		return ErrMappingNotFound
	}
	mp.IsActive = false
	t.repo.mappings[id] = mp
	return nil
}

type memoryAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *memoryAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *memoryAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}

func newTestService() (*Service, *memoryRepo, *memoryAudit) {
	repo := newMemoryRepo()
	audit := &memoryAudit{}
	svc := NewService(repo, audit, nil)
	svc.now = func() time.Time { return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC) }
	return svc, repo, audit
}

func TestCreateMappingRejectsSecondActiveMapping(t *testing.T) {
	svc, _, audit := newTestService()
	ctx := t.Context()

	first, err := svc.CreateMapping(ctx, MappingInput{UpstreamAccountID: " 6132 ", CoaCode: "613200", Actor: "ops"})
	require.NoError(t, err)
	assert.Equal(t, "6132", first.UpstreamAccountID)

	_, err = svc.CreateMapping(ctx, MappingInput{UpstreamAccountID: "6132", CoaCode: "601000"})
	require.ErrorIs(t, err, ErrMappingConflict)
	require.ErrorIs(t, err, httpx.ErrConflict)

	require.NoError(t, svc.DeactivateMapping(ctx, first.ID, "ops"))
	second, err := svc.CreateMapping(ctx, MappingInput{UpstreamAccountID: "6132", CoaCode: "601000"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	active, err := svc.ListMappings(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "601000", active[0].CoaCode)
	assert.Equal(t, []string{"mapping.create", "mapping.deactivate", "mapping.create"}, audit.actions())
}

func TestCreateMappingConcurrentWritersLeaveOneActive(t *testing.T) {
	svc, repo, _ := newTestService()
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.CreateMapping(context.Background(), MappingInput{UpstreamAccountID: "6064", CoaCode: "601000"})
		}()
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrMappingConflict):
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 7, conflicts)
	assert.Len(t, repo.mappings, 1)
}

func TestMappingRequiresActiveAccount(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := t.Context()

	_, err := svc.CreateMapping(ctx, MappingInput{UpstreamAccountID: "6251", CoaCode: "625100"})
	require.ErrorIs(t, err, ErrInactiveAccount)
	require.ErrorIs(t, err, httpx.ErrValidation)

	require.NoError(t, svc.DeactivateAccount(ctx, "613200", "ops"))
	_, err = svc.CreateMapping(ctx, MappingInput{UpstreamAccountID: "6132", CoaCode: "613200"})
	require.ErrorIs(t, err, ErrInactiveAccount)
	assert.Empty(t, repo.mappings)
}

func TestUpdateMappingReactivatesAndChecksOthers(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := t.Context()

	a, err := svc.CreateMapping(ctx, MappingInput{UpstreamAccountID: "6132", CoaCode: "613200"})
	require.NoError(t, err)
	b, err := svc.CreateMapping(ctx, MappingInput{UpstreamAccountID: "6064", CoaCode: "601000"})
	require.NoError(t, err)

	// rewriting a mapping onto its own upstream code is not a conflict
	updated, err := svc.UpdateMapping(ctx, a.ID, MappingInput{UpstreamAccountID: "6132", CoaCode: "601000", Notes: "regrouped"})
	require.NoError(t, err)
	assert.Equal(t, "601000", updated.CoaCode)

	_, err = svc.UpdateMapping(ctx, b.ID, MappingInput{UpstreamAccountID: "6132", CoaCode: "601000"})
	require.ErrorIs(t, err, ErrMappingConflict)

	require.NoError(t, svc.DeactivateMapping(ctx, b.ID, "ops"))
	revived, err := svc.UpdateMapping(ctx, b.ID, MappingInput{UpstreamAccountID: "6064", CoaCode: "601000"})
	require.NoError(t, err)
	assert.True(t, revived.IsActive)

	_, err = svc.UpdateMapping(ctx, 999, MappingInput{UpstreamAccountID: "1", CoaCode: "601000"})
	require.ErrorIs(t, err, ErrMappingNotFound)
}

func TestAccountLifecycle(t *testing.T) {
	svc, _, audit := newTestService()
	ctx := t.Context()

	created, err := svc.CreateAccount(ctx, AccountInput{Code: "625100", Name: "Travel", Type: AccountTypeExpense, ParentCode: "601000", Actor: "ops"})
	require.NoError(t, err)
	assert.True(t, created.IsActive)

	_, err = svc.CreateAccount(ctx, AccountInput{Code: "625100", Name: "Again", Type: AccountTypeExpense})
	require.ErrorIs(t, err, httpx.ErrDuplicate)

	_, err = svc.CreateAccount(ctx, AccountInput{Code: "625200", Name: "Orphan", Type: AccountTypeExpense, ParentCode: "999999"})
	require.ErrorIs(t, err, httpx.ErrValidation)

	_, err = svc.UpdateAccount(ctx, "625100", AccountUpdate{Name: "Travel", Type: AccountTypeExpense, ParentCode: "625100"})
	require.ErrorIs(t, err, httpx.ErrValidation)

	require.NoError(t, svc.DeactivateAccount(ctx, "625100", "ops"))
	active, err := svc.ListAccounts(ctx, true)
	require.NoError(t, err)
	for _, a := range active {
		assert.NotEqual(t, "625100", a.Code)
	}
	all, err := svc.ListAccounts(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, len(active)+1)

	reactivate := true
	back, err := svc.UpdateAccount(ctx, "625100", AccountUpdate{Name: "Travel and lodging", Type: AccountTypeExpense, IsActive: &reactivate})
	require.NoError(t, err)
	assert.True(t, back.IsActive)
	assert.Equal(t, []string{"account.create", "account.deactivate", "account.update"}, audit.actions())
}

func TestPutConfigValidatesAccountKeys(t *testing.T) {
	svc, _, audit := newTestService()
	ctx := t.Context()

	_, err := svc.PutConfig(ctx, ConfigInput{Key: "default_bank_account", Value: "512999"})
	require.ErrorIs(t, err, ErrInactiveAccount)

	entry, err := svc.PutConfig(ctx, ConfigInput{Key: "default_bank_account", Value: "401000", Actor: "ops"})
	require.NoError(t, err)
	assert.Equal(t, "401000", entry.Value)

	// non-account keys are free-form
	_, err = svc.PutConfig(ctx, ConfigInput{Key: "last_invoice_sync", Value: "2024-05-01T00:00:00Z"})
	require.NoError(t, err)

	require.Len(t, audit.logs, 2)
	assert.Equal(t, map[string]any{"from": "120000", "to": "401000"}, audit.logs[0].Meta)
	assert.Equal(t, "", audit.logs[1].Meta["from"])

	require.NoError(t, svc.DeleteConfig(ctx, "last_invoice_sync", "ops"))
	_, err = svc.GetConfig(ctx, "last_invoice_sync")
	require.ErrorIs(t, err, httpx.ErrNotFound)
	require.ErrorIs(t, svc.DeleteConfig(ctx, "last_invoice_sync", "ops"), ErrConfigNotFound)
}
