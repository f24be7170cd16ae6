package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablekit/internal/metadata"
)

func eventsTable() *metadata.Table {
	return &metadata.Table{
		ID:      "t1",
		App:     "ops",
		Name:    "events",
		Version: 1,
		Columns: []metadata.Column{
			{Name: "title", Type: metadata.TypeShortText, Required: true},
			{Name: "body", Type: metadata.TypeLongText},
			{Name: "starts", Type: metadata.TypeDate},
			{Name: "ends", Type: metadata.TypeDate, Check: "record.starts == nil || value >= record.starts"},
			{Name: "seats", Type: metadata.TypeInteger, Check: "value % 2 == 0"},
			{Name: "payload", Type: metadata.TypeStructured},
		},
	}
}

func TestValidate_CoercesAndKeepsBlankText(t *testing.T) {
	v, err := NewValidator(eventsTable())
	require.NoError(t, err)

	out, errs := v.Validate(map[string]any{
		"title":   "Launch",
		"body":    "",
		"starts":  "2024-06-01",
		"seats":   "4",
		"payload": `{"room": "A"}`,
	})
	require.Empty(t, errs)
	assert.Equal(t, "", out["body"])
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), out["starts"])
	assert.Equal(t, int64(4), out["seats"])
	assert.Equal(t, map[string]any{"room": "A"}, out["payload"])
	assert.NotContains(t, out, "ends", "absent optional columns stay absent")
}

func TestValidate_BlankNonTextIsNull(t *testing.T) {
	v, err := NewValidator(eventsTable())
	require.NoError(t, err)

	out, errs := v.Validate(map[string]any{"title": "Launch", "seats": " "})
	require.Empty(t, errs)
	assert.Contains(t, out, "seats")
	assert.Nil(t, out["seats"])
}

func TestValidate_CheckExpressions(t *testing.T) {
	v, err := NewValidator(eventsTable())
	require.NoError(t, err)

	_, errs := v.Validate(map[string]any{
		"title":  "Launch",
		"starts": "2024-06-10",
		"ends":   "2024-06-01",
		"seats":  3,
	})
	require.Len(t, errs, 2)
	for _, d := range errs {
		assert.Equal(t, "check", d.Rule)
	}
	assert.ElementsMatch(t, []string{"ends", "seats"}, []string{errs[0].Field, errs[1].Field})

	_, errs = v.Validate(map[string]any{"title": "Launch", "ends": "2024-06-01", "seats": 2})
	assert.Empty(t, errs)
}

func TestValidate_TypeErrorsSkipConstraintChecks(t *testing.T) {
	v, err := NewValidator(eventsTable())
	require.NoError(t, err)

	_, errs := v.Validate(map[string]any{"title": 12, "seats": "four"})
	require.Len(t, errs, 1)
	assert.Equal(t, "seats", errs[0].Field)
	assert.Equal(t, "type", errs[0].Rule)
	assert.Equal(t, "four", errs[0].Value)
}

func TestValidatorCache_TracksVersion(t *testing.T) {
	cache := NewValidatorCache()
	tbl := eventsTable()

	first, err := cache.Get(tbl)
	require.NoError(t, err)
	again, err := cache.Get(tbl)
	require.NoError(t, err)
	assert.Same(t, first, again)

	next := *tbl
	next.Version = 2
	next.Columns = append([]metadata.Column{}, tbl.Columns[:1]...)
	fresh, err := cache.Get(&next)
	require.NoError(t, err)
	assert.NotSame(t, first, fresh)

	cache.Invalidate(next.Key())
	afterInvalidate, err := cache.Get(&next)
	require.NoError(t, err)
	assert.NotSame(t, fresh, afterInvalidate)
}
