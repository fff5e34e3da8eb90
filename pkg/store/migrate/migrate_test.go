package migrate

import (
	"context"
	"database/sql"
	"embed"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

//go:embed testdata/*.sql
var testMigrationsFS embed.FS

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrator(t *testing.T) {
	ctx := context.Background()

	t.Run("empty database is at version zero", func(t *testing.T) {
		m := New(openDB(t), "test_migrations")
		version, err := m.Version(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, version)
	})

	t.Run("loads migrations in order", func(t *testing.T) {
		m := New(openDB(t), "test_migrations")
		require.NoError(t, m.LoadFromFS(testMigrationsFS, "testdata"))

		migs := m.Migrations()
		require.Len(t, migs, 2)
		assert.Equal(t, 1, migs[0].Version)
		assert.Equal(t, "create_widgets", migs[0].Name)
		assert.NotEmpty(t, migs[0].Down)
		assert.Equal(t, 2, migs[1].Version)
		assert.Empty(t, migs[1].Down)
	})

	t.Run("up is idempotent", func(t *testing.T) {
		db := openDB(t)
		m := New(db, "test_migrations")
		require.NoError(t, m.LoadFromFS(testMigrationsFS, "testdata"))

		applied, err := m.Up(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, applied)

		applied, err = m.Up(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, applied)

		version, err := m.Version(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, version)

		_, err = db.Exec("INSERT INTO widgets (id, name, color) VALUES (1, 'bolt', 'red')")
		require.NoError(t, err)
	})

	t.Run("down without script fails", func(t *testing.T) {
		m := New(openDB(t), "test_migrations")
		require.NoError(t, m.LoadFromFS(testMigrationsFS, "testdata"))
		_, err := m.Up(ctx)
		require.NoError(t, err)

		err = m.Down(ctx)
		assert.ErrorContains(t, err, "has no down script")
	})

	t.Run("down rolls back last migration", func(t *testing.T) {
		db := openDB(t)
		m := New(db, "test_migrations")
		require.NoError(t, m.LoadFromFS(testMigrationsFS, "testdata"))
		m.migrations = m.migrations[:1]

		_, err := m.Up(ctx)
		require.NoError(t, err)
		require.NoError(t, m.Down(ctx))

		version, err := m.Version(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, version)

		_, err = db.Exec("SELECT COUNT(*) FROM widgets")
		assert.Error(t, err)
	})

	t.Run("dollar placeholders", func(t *testing.T) {
		m := New(openDB(t), "test_migrations", WithPlaceholder(Dollar))
		assert.Equal(t, "$2", m.bind(2))
	})
}
