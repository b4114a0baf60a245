package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueryBuilder(t *testing.T) {
	t.Run("numbers placeholders across chunks", func(t *testing.T) {
		var qb QueryBuilder
		qb.Add("SELECT id FROM conversation WHERE heap_id = $?", 3)
		qb.Add("AND subject = $? OR subject = $?", "a", "b")

		assert.Equal(t, "SELECT id FROM conversation WHERE heap_id = $1\nAND subject = $2 OR subject = $3\n", qb.String())
		assert.Equal(t, []any{3, "a", "b"}, qb.Args())
	})

	t.Run("named queries", func(t *testing.T) {
		qb := NamedQuery("Heap conversations")
		qb.Add("SELECT id FROM conversation WHERE TRUE")
		qb.Add("AND subject = $?", "a")

		name, ok := GetQueryName(qb.String())
		assert.True(t, ok)
		assert.Equal(t, "Heap conversations", name)
		assert.Contains(t, qb.String(), "AND subject = $1\n")
		assert.Equal(t, []any{"a"}, qb.Args())
	})

	t.Run("panics on argument count mismatch", func(t *testing.T) {
		var qb QueryBuilder
		assert.Panics(t, func() {
			qb.Add("WHERE a = $? AND b = $?", 1)
		})
	})
}

func TestGetQueryName(t *testing.T) {
	name, ok := GetQueryName("\n---- Latest version\nSELECT 1")
	assert.True(t, ok)
	assert.Equal(t, "Latest version", name)

	_, ok = GetQueryName("SELECT 1")
	assert.False(t, ok)
}
