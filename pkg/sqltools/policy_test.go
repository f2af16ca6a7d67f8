package sqltools

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckReadOnly(t *testing.T) {
	allowed := []string{
		"SELECT * FROM users",
		"select count(*) from orders;",
		"  WITH recent AS (SELECT * FROM orders) SELECT * FROM recent",
		"EXPLAIN SELECT 1",
		"EXPLAIN ANALYZE SELECT 1",
		"SHOW search_path",
		"DESCRIBE users",
		"PRAGMA table_info(users)",
		"VALUES (1, 2)",
		"TABLE users",
		"SELECT replace(name, 'a', 'b') FROM users",
		"SELECT 'DROP TABLE users; --' AS s",
		`SELECT "delete" FROM audit`,
		"SELECT created_at, updated_at FROM users",
		"SELECT 1 -- DELETE FROM users\n",
		"SELECT /* ; INSERT */ 1",
		"SELECT $$ ; drop table x $$",
		"SELECT $body$ update t set a=1 $body$",
		"SELECT * FROM t WHERE id = $1",
		"SELECT 'it''s; fine'",
	}
	for _, q := range allowed {
		t.Run(q, func(t *testing.T) {
			assert.NoError(t, CheckReadOnly(q))
		})
	}

	rejected := []string{
		"",
		"   ;  ",
		"INSERT INTO users (id) VALUES (1)",
		"update users set name = 'x'",
		"DELETE FROM users",
		"DROP TABLE users",
		"CREATE TABLE t (id int)",
		"ALTER TABLE users ADD COLUMN x int",
		"TRUNCATE users",
		"SELECT 1; DELETE FROM users",
		"SELECT 1; SELECT 2",
		"WITH gone AS (DELETE FROM users RETURNING *) SELECT * FROM gone",
		"SELECT * INTO backup FROM users",
		"PRAGMA journal_mode = DELETE",
		"PRAGMA user_version=3",
		"ATTACH DATABASE 'x.db' AS x",
		"EXPLAIN ANALYZE DELETE FROM users",
		"COPY users TO '/tmp/x'",
		"GRANT ALL ON users TO bob",
		"BEGIN",
	}
	for _, q := range rejected {
		t.Run("reject "+q, func(t *testing.T) {
			assert.Error(t, CheckReadOnly(q))
		})
	}

	t.Run("should wrap ErrNotReadOnly for mutations", func(t *testing.T) {
		assert.ErrorIs(t, CheckReadOnly("DELETE FROM users"), ErrNotReadOnly)
		assert.ErrorIs(t, CheckReadOnly("SELECT 1; SELECT 2"), ErrNotReadOnly)
	})
}

func TestStripLiterals(t *testing.T) {
	assert.NotContains(t, stripLiterals("SELECT 'a;b'"), ";")
	assert.NotContains(t, stripLiterals("SELECT 1 -- ; drop"), "drop")
	assert.NotContains(t, stripLiterals("SELECT [weird;name]"), ";")
	assert.Contains(t, stripLiterals("SELECT $1"), "$1")
}
