package mapper

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func profileBuilder() *SQLBuilder {
	return NewSQLBuilder().Allow("customer_profiles", map[string]string{
		"id":        "id",
		"name":      "name",
		"phone":     "phone",
		"birthDate": "birth_date",
		"updatedAt": "updated_at",
	})
}

func TestBuildInsert(t *testing.T) {
	query, args, err := profileBuilder().BuildInsert("customer_profiles", map[string]any{
		"phone": "555-0101",
		"name":  "Ana",
		"id":    "u1",
	})
	require.NoError(t, err)

	assert.Equal(t, "INSERT INTO customer_profiles (id, name, phone) VALUES ($1, $2, $3)", query)
	assert.Equal(t, []any{"u1", "Ana", "555-0101"}, args)
}

func TestBuildUpdate(t *testing.T) {
	query, args, err := profileBuilder().BuildUpdate("customer_profiles", "id", "u1", map[string]any{
		"name":      "Ana Maria",
		"id":        "ignored",
		"birthDate": "1990-04-02",
		"updatedAt": "2026-03-14T09:30:00Z",
	})
	require.NoError(t, err)

	assert.Equal(t, "UPDATE customer_profiles SET birth_date = $1, name = $2, updated_at = $3 WHERE id = $4", query)
	require.Len(t, args, 4)
	assert.Equal(t, time.Date(1990, 4, 2, 0, 0, 0, 0, time.UTC), args[0])
	assert.Equal(t, "Ana Maria", args[1])
	assert.Equal(t, time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC), args[2])
	assert.Equal(t, "u1", args[3])
}

func TestBuilderRejectsUnknownField(t *testing.T) {
	_, _, err := profileBuilder().BuildUpdate("customer_profiles", "id", "u1", map[string]any{
		"name":               "x",
		"credit_limit; DROP": 1,
	})

	var fieldErr *FieldError
	require.True(t, errors.As(err, &fieldErr))
	assert.Equal(t, "credit_limit; DROP", fieldErr.Field)
}

func TestBuilderRejectsEmptyAndUnmapped(t *testing.T) {
	b := profileBuilder()

	_, _, err := b.BuildUpdate("customer_profiles", "id", "u1", map[string]any{"id": "only pk"})
	assert.Error(t, err)

	_, _, err = b.BuildInsert("customer_profiles", nil)
	assert.Error(t, err)

	_, _, err = b.BuildInsert("ledger", map[string]any{"a": 1})
	assert.Error(t, err)
}
