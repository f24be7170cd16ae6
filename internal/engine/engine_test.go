package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tablekit/internal/metadata"
	"tablekit/internal/store"
)

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	codec, err := store.NewCodec("json", "none")
	require.NoError(t, err)
	return New(metadata.NewRegistry(), store.NewMemoryBackend(codec), zap.NewNop().Sugar(), Options{})
}

var customersKey = metadata.TableKey{App: "sales", Table: "customers"}

func customersTable(t *testing.T, e *Engine) *metadata.Table {
	t.Helper()
	tbl, err := e.DefineTable(context.Background(), "sales", metadata.TableDefinition{
		Name: "customers",
		Columns: []metadata.Column{
			{Name: "name", Type: metadata.TypeShortText, Required: true, MaxLength: intPtr(20)},
			{Name: "email", Type: metadata.TypeShortText, Unique: true, Pattern: `^[^@]+@[^@]+$`},
			{Name: "age", Type: metadata.TypeInteger, MinValue: floatPtr(0), MaxValue: floatPtr(150)},
			{Name: "score", Type: metadata.TypeFloat},
			{Name: "tier", Type: metadata.TypeShortText, Default: "basic"},
			{Name: "active", Type: metadata.TypeBoolean},
		},
	})
	require.NoError(t, err)
	return tbl
}

func mustCreate(t *testing.T, e *Engine, key metadata.TableKey, payload map[string]any) *Record {
	t.Helper()
	rec, err := e.Create(context.Background(), key, payload)
	require.NoError(t, err)
	return rec
}

func appErrCode(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	appErr := AsAppError(err)
	require.NotNil(t, appErr, "expected a client-facing error, got %v", err)
	return appErr.Code
}

func TestCreate_AssignsSequentialIDsAndDefaults(t *testing.T) {
	e := newTestEngine(t)
	customersTable(t, e)

	first := mustCreate(t, e, customersKey, map[string]any{"name": "Ada", "age": "36"})
	second := mustCreate(t, e, customersKey, map[string]any{"name": "Bob"})

	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, int64(2), second.ID)
	assert.Equal(t, int64(36), first.Data["age"])
	assert.Equal(t, "basic", first.Data["tier"])
	assert.False(t, first.CreatedAt.IsZero())
	assert.Equal(t, first.CreatedAt, first.UpdatedAt)

	got, err := e.Get(context.Background(), customersKey, 1)
	require.NoError(t, err)
	assert.Equal(t, "Ada", got.Data["name"])
	assert.Equal(t, int64(36), got.Data["age"])
}

func TestCreate_ValidationCollectsEveryViolation(t *testing.T) {
	e := newTestEngine(t)
	customersTable(t, e)

	_, err := e.Create(context.Background(), customersKey, map[string]any{
		"name":  "a name that is far too long for the column",
		"email": "not-an-email",
		"age":   -1,
		"score": "high",
	})
	require.Equal(t, "VALIDATION_FAILED", appErrCode(t, err))

	rules := map[string]string{}
	for _, d := range AsAppError(err).Details {
		rules[d.Field] = d.Rule
	}
	assert.Equal(t, map[string]string{
		"name":  "max_length",
		"email": "pattern",
		"age":   "min_value",
		"score": "type",
	}, rules)

	n, err := e.backend.Count(context.Background(), storeKey(customersKey))
	require.NoError(t, err)
	assert.Zero(t, n, "failed writes must not persist anything")
}

func TestCreate_RequiredField(t *testing.T) {
	e := newTestEngine(t)
	customersTable(t, e)

	for _, payload := range []map[string]any{
		{},
		{"name": nil},
		{"name": "   "},
	} {
		_, err := e.Create(context.Background(), customersKey, payload)
		require.Equal(t, "VALIDATION_FAILED", appErrCode(t, err))
		details := AsAppError(err).Details
		require.Len(t, details, 1)
		assert.Equal(t, "name", details[0].Field)
		assert.Equal(t, "required", details[0].Rule)
	}
}

func TestCreate_KeepsUndeclaredKeys(t *testing.T) {
	e := newTestEngine(t)
	customersTable(t, e)

	rec := mustCreate(t, e, customersKey, map[string]any{"name": "Ada", "nickname": "countess"})
	assert.Equal(t, "countess", rec.Data["nickname"])

	got, err := e.Get(context.Background(), customersKey, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "countess", got.Data["nickname"])
}

func TestCreate_UniqueViolation(t *testing.T) {
	e := newTestEngine(t)
	customersTable(t, e)

	mustCreate(t, e, customersKey, map[string]any{"name": "Ada", "email": "ada@example.com"})

	_, err := e.Create(context.Background(), customersKey, map[string]any{"name": "Eve", "email": "ada@example.com"})
	require.Equal(t, "UNIQUE_VIOLATION", appErrCode(t, err))
	details := AsAppError(err).Details
	require.Len(t, details, 1)
	assert.Equal(t, "email", details[0].Field)
	assert.Equal(t, "ada@example.com", details[0].Value)

	// comparison is case-sensitive and nulls never conflict
	mustCreate(t, e, customersKey, map[string]any{"name": "Eve", "email": "ADA@example.com"})
	mustCreate(t, e, customersKey, map[string]any{"name": "Nil1"})
	mustCreate(t, e, customersKey, map[string]any{"name": "Nil2"})
}

func TestUpdate_MergesAndRevalidates(t *testing.T) {
	e := newTestEngine(t)
	customersTable(t, e)
	ctx := context.Background()

	rec := mustCreate(t, e, customersKey, map[string]any{"name": "Ada", "email": "ada@example.com", "age": 36})

	updated, err := e.Update(ctx, customersKey, rec.ID, map[string]any{"age": 37})
	require.NoError(t, err)
	assert.Equal(t, "Ada", updated.Data["name"])
	assert.Equal(t, "ada@example.com", updated.Data["email"])
	assert.Equal(t, int64(37), updated.Data["age"])
	assert.Equal(t, rec.CreatedAt, updated.CreatedAt)

	// a record never conflicts with itself
	_, err = e.Update(ctx, customersKey, rec.ID, map[string]any{"email": "ada@example.com"})
	require.NoError(t, err)

	_, err = e.Update(ctx, customersKey, rec.ID, map[string]any{"name": nil})
	assert.Equal(t, "VALIDATION_FAILED", appErrCode(t, err))

	other := mustCreate(t, e, customersKey, map[string]any{"name": "Bob", "email": "bob@example.com"})
	_, err = e.Update(ctx, customersKey, other.ID, map[string]any{"email": "ada@example.com"})
	assert.Equal(t, "UNIQUE_VIOLATION", appErrCode(t, err))

	_, err = e.Update(ctx, customersKey, 99, map[string]any{"age": 1})
	assert.Equal(t, "NOT_FOUND", appErrCode(t, err))
}

func TestDelete(t *testing.T) {
	e := newTestEngine(t)
	customersTable(t, e)
	ctx := context.Background()

	rec := mustCreate(t, e, customersKey, map[string]any{"name": "Ada"})
	require.NoError(t, e.Delete(ctx, customersKey, rec.ID))

	_, err := e.Get(ctx, customersKey, rec.ID)
	assert.Equal(t, "NOT_FOUND", appErrCode(t, err))
	assert.Equal(t, "NOT_FOUND", appErrCode(t, e.Delete(ctx, customersKey, rec.ID)))

	// ids are never reused
	next := mustCreate(t, e, customersKey, map[string]any{"name": "Bob"})
	assert.Equal(t, int64(2), next.ID)
}

func TestRecordsOfUnknownTable(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Create(context.Background(), customersKey, map[string]any{"name": "Ada"})
	assert.Equal(t, "NOT_FOUND", appErrCode(t, err))

	_, err = e.List(context.Background(), customersKey, Query{})
	assert.Equal(t, "NOT_FOUND", appErrCode(t, err))
}

func TestInactiveAppRejectsWritesButAllowsReads(t *testing.T) {
	e := newTestEngine(t)
	customersTable(t, e)
	ctx := context.Background()
	rec := mustCreate(t, e, customersKey, map[string]any{"name": "Ada"})

	inactive := false
	_, err := e.UpdateApp(ctx, "sales", AppUpdate{Active: &inactive})
	require.NoError(t, err)

	_, err = e.Create(ctx, customersKey, map[string]any{"name": "Bob"})
	assert.Equal(t, "APP_INACTIVE", appErrCode(t, err))
	_, err = e.Update(ctx, customersKey, rec.ID, map[string]any{"name": "Bob"})
	assert.Equal(t, "APP_INACTIVE", appErrCode(t, err))
	assert.Equal(t, "APP_INACTIVE", appErrCode(t, e.Delete(ctx, customersKey, rec.ID)))
	_, err = e.AddColumn(ctx, customersKey, metadata.Column{Name: "notes", Type: metadata.TypeLongText})
	assert.Equal(t, "APP_INACTIVE", appErrCode(t, err))

	got, err := e.Get(ctx, customersKey, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada", got.Data["name"])

	res, err := e.List(ctx, customersKey, Query{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
}

func TestSchemaChangeInvalidatesValidator(t *testing.T) {
	e := newTestEngine(t)
	customersTable(t, e)
	ctx := context.Background()

	mustCreate(t, e, customersKey, map[string]any{"name": "Ada"})

	_, err := e.AddColumn(ctx, customersKey, metadata.Column{Name: "region", Type: metadata.TypeShortText, Required: true})
	require.NoError(t, err)

	_, err = e.Create(ctx, customersKey, map[string]any{"name": "Bob"})
	require.Equal(t, "VALIDATION_FAILED", appErrCode(t, err))
	assert.Equal(t, "region", AsAppError(err).Details[0].Field)

	// existing records are not retroactively invalidated
	got, err := e.Get(ctx, customersKey, 1)
	require.NoError(t, err)
	assert.Equal(t, "Ada", got.Data["name"])

	_, err = e.DropColumn(ctx, customersKey, "region")
	require.NoError(t, err)
	mustCreate(t, e, customersKey, map[string]any{"name": "Bob"})
}

func TestDropColumn_KeepsOrphanedValues(t *testing.T) {
	e := newTestEngine(t)
	customersTable(t, e)
	ctx := context.Background()

	rec := mustCreate(t, e, customersKey, map[string]any{"name": "Ada", "score": 9.5})
	_, err := e.DropColumn(ctx, customersKey, "score")
	require.NoError(t, err)

	got, err := e.Get(ctx, customersKey, rec.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Data, "score")

	_, err = e.List(ctx, customersKey, Query{Filter: Condition{Field: "score", Op: OpGt, Value: 1}})
	assert.Equal(t, "UNKNOWN_FIELD", appErrCode(t, err))
}

func TestDefineTable_Errors(t *testing.T) {
	e := newTestEngine(t)
	customersTable(t, e)
	ctx := context.Background()

	_, err := e.DefineTable(ctx, "sales", metadata.TableDefinition{Name: "Customers"})
	assert.Equal(t, "DUPLICATE_NAME", appErrCode(t, err))

	_, err = e.DefineTable(ctx, "sales", metadata.TableDefinition{
		Name:    "orders",
		Columns: []metadata.Column{{Name: "total", Type: metadata.TypeShortText, MinValue: floatPtr(0)}},
	})
	assert.Equal(t, "INVALID_CONSTRAINT", appErrCode(t, err))

	_, err = e.DefineTable(ctx, "sales", metadata.TableDefinition{Name: "bad name!"})
	assert.Equal(t, "INVALID_NAME", appErrCode(t, err))

	_, err = e.AddColumn(ctx, customersKey, metadata.Column{Name: "Email", Type: metadata.TypeLongText})
	assert.Equal(t, "DUPLICATE_NAME", appErrCode(t, err))
}

func TestListTables_IncludesRecordCounts(t *testing.T) {
	e := newTestEngine(t)
	customersTable(t, e)
	ctx := context.Background()
	_, err := e.DefineTable(ctx, "sales", metadata.TableDefinition{
		Name:    "orders",
		Columns: []metadata.Column{{Name: "total", Type: metadata.TypeFloat}},
	})
	require.NoError(t, err)

	mustCreate(t, e, customersKey, map[string]any{"name": "Ada"})
	mustCreate(t, e, customersKey, map[string]any{"name": "Bob"})

	infos, err := e.ListTables(ctx, "sales")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	counts := map[string]int64{}
	for _, info := range infos {
		counts[info.Name] = info.RecordCount
	}
	assert.Equal(t, map[string]int64{"customers": 2, "orders": 0}, counts)
}

func TestRenameTable_ImmutableOnceRecordsExist(t *testing.T) {
	e := newTestEngine(t)
	customersTable(t, e)
	ctx := context.Background()

	renamed, err := e.RenameTable(ctx, customersKey, "clients")
	require.NoError(t, err)
	assert.Equal(t, "clients", renamed.Name)

	clientsKey := metadata.TableKey{App: "sales", Table: "clients"}
	_, err = e.GetTable(customersKey)
	assert.Equal(t, "NOT_FOUND", appErrCode(t, err))

	mustCreate(t, e, clientsKey, map[string]any{"name": "Ada"})
	_, err = e.RenameTable(ctx, clientsKey, "customers")
	assert.Equal(t, "IMMUTABLE", appErrCode(t, err))

	// non-name attributes stay editable
	display := "Clients"
	tbl, err := e.UpdateTable(ctx, clientsKey, metadata.TableUpdate{DisplayName: &display})
	require.NoError(t, err)
	assert.Equal(t, "Clients", tbl.DisplayName)
}

func TestRenameApp(t *testing.T) {
	e := newTestEngine(t)
	customersTable(t, e)
	ctx := context.Background()

	name := "crm"
	app, err := e.UpdateApp(ctx, "sales", AppUpdate{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "crm", app.Name)

	crmKey := metadata.TableKey{App: "crm", Table: "customers"}
	_, err = e.GetTable(crmKey)
	require.NoError(t, err)
	mustCreate(t, e, crmKey, map[string]any{"name": "Ada"})

	back := "sales"
	_, err = e.UpdateApp(ctx, "crm", AppUpdate{Name: &back})
	assert.Equal(t, "IMMUTABLE", appErrCode(t, err))
}

func TestRenameApp_ConcurrentDefineTable(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		e := newTestEngine(t)
		customersTable(t, e)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			name := "crm"
			_, err := e.UpdateApp(ctx, "sales", AppUpdate{Name: &name})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := e.DefineTable(ctx, "sales", metadata.TableDefinition{Name: "late"})
			assert.NoError(t, err)
		}()
		wg.Wait()

		// the stored definitions describe exactly what the registry holds
		reloaded := metadata.NewRegistry()
		require.NoError(t, metadata.LoadAll(ctx, e.backend, reloaded, zap.NewNop().Sugar()))
		assert.ElementsMatch(t, registryKeys(t, e.registry), registryKeys(t, reloaded))
		assert.Len(t, registryKeys(t, e.registry), 2)
	}
}

func registryKeys(t *testing.T, reg *metadata.Registry) []string {
	t.Helper()
	var keys []string
	for _, app := range reg.Apps() {
		tables, err := reg.Tables(app.Name)
		require.NoError(t, err)
		for _, tbl := range tables {
			keys = append(keys, tbl.Key().String())
		}
	}
	return keys
}

func TestAsAppError_ConcurrentChange(t *testing.T) {
	err := fmt.Errorf("rename: %w", metadata.ErrConcurrentChange)
	appErr := AsAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, "CONFLICT", appErr.Code)
	assert.Equal(t, 409, appErr.Status)
}

func TestUpdate_KeepsStoredValuesThatNoLongerCoerce(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	key := metadata.TableKey{App: "sales", Table: "parts"}
	_, err := e.DefineTable(ctx, "sales", metadata.TableDefinition{
		Name: "parts",
		Columns: []metadata.Column{
			{Name: "label", Type: metadata.TypeShortText},
			{Name: "code", Type: metadata.TypeShortText},
		},
	})
	require.NoError(t, err)
	rec := mustCreate(t, e, key, map[string]any{"label": "bolt", "code": "abc"})

	_, err = e.DropColumn(ctx, key, "code")
	require.NoError(t, err)
	_, err = e.AddColumn(ctx, key, metadata.Column{Name: "code", Type: metadata.TypeInteger})
	require.NoError(t, err)

	updated, err := e.Update(ctx, key, rec.ID, map[string]any{"label": "nut"})
	require.NoError(t, err)
	assert.Equal(t, "nut", updated.Data["label"])
	assert.NotContains(t, updated.Data, "code")

	doc, err := e.backend.Get(ctx, storeKey(key), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "abc", doc.Values["code"])

	// setting the field replaces the stale value
	updated, err = e.Update(ctx, key, rec.ID, map[string]any{"code": 7})
	require.NoError(t, err)
	assert.Equal(t, int64(7), updated.Data["code"])
	doc, err = e.backend.Get(ctx, storeKey(key), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), doc.Values["code"])
}

func TestDeleteTable_CascadesRecords(t *testing.T) {
	e := newTestEngine(t)
	customersTable(t, e)
	ctx := context.Background()
	mustCreate(t, e, customersKey, map[string]any{"name": "Ada"})

	require.NoError(t, e.DeleteTable(ctx, customersKey))
	_, err := e.GetTable(customersKey)
	assert.Equal(t, "NOT_FOUND", appErrCode(t, err))

	customersTable(t, e)
	res, err := e.List(ctx, customersKey, Query{})
	require.NoError(t, err)
	assert.Zero(t, res.Total)
	rec := mustCreate(t, e, customersKey, map[string]any{"name": "Bob"})
	assert.Equal(t, int64(1), rec.ID)
}

func TestLoad_RestoresRegistryFromBackend(t *testing.T) {
	codec, err := store.NewCodec("json", "none")
	require.NoError(t, err)
	backend := store.NewMemoryBackend(codec)
	ctx := context.Background()

	first := New(metadata.NewRegistry(), backend, zap.NewNop().Sugar(), Options{})
	customersTable(t, first)
	mustCreate(t, first, customersKey, map[string]any{"name": "Ada", "email": "ada@example.com"})

	second := New(metadata.NewRegistry(), backend, zap.NewNop().Sugar(), Options{})
	require.NoError(t, second.Load(ctx))

	tbl, err := second.GetTable(customersKey)
	require.NoError(t, err)
	assert.Len(t, tbl.Columns, 6)

	_, err = second.Create(ctx, customersKey, map[string]any{"name": "Eve", "email": "ada@example.com"})
	assert.Equal(t, "UNIQUE_VIOLATION", appErrCode(t, err))

	rec := mustCreate(t, second, customersKey, map[string]any{"name": "Bob"})
	assert.Equal(t, int64(2), rec.ID)
}

// failingBackend fails catalog writes so rollbacks can be observed.
type failingBackend struct {
	store.Backend
}

func (failingBackend) SaveTable(context.Context, store.Key, []byte) error {
	return errors.New("disk full")
}

func TestDefineTable_RollsBackOnPersistFailure(t *testing.T) {
	codec, err := store.NewCodec("json", "none")
	require.NoError(t, err)
	e := New(metadata.NewRegistry(), failingBackend{store.NewMemoryBackend(codec)}, zap.NewNop().Sugar(), Options{})

	_, err = e.DefineTable(context.Background(), "sales", metadata.TableDefinition{Name: "customers"})
	require.Error(t, err)
	assert.Nil(t, AsAppError(err), "persistence failures are internal errors")

	_, err = e.GetTable(customersKey)
	assert.ErrorIs(t, err, metadata.ErrTableNotFound)
	_, err = e.Registry().GetApp("sales")
	assert.ErrorIs(t, err, metadata.ErrAppNotFound)
}

func TestConcurrentCreatesKeepUniqueness(t *testing.T) {
	e := newTestEngine(t)
	customersTable(t, e)

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.Create(context.Background(), customersKey, map[string]any{
				"name":  fmt.Sprintf("user%d", i),
				"email": "shared@example.com",
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	res, err := e.List(context.Background(), customersKey, Query{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
}
