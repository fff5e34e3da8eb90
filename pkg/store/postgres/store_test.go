package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/plaenen/commandcore/pkg/store"
	"github.com/plaenen/commandcore/pkg/store/postgres"
	"github.com/plaenen/commandcore/pkg/store/storetest"
	"github.com/stretchr/testify/require"
)

const dsnEnv = "COMMANDCORE_TEST_POSTGRES_DSN"

func TestStore(t *testing.T) {
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set", dsnEnv)
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		ctx := context.Background()
		st, err := postgres.New(ctx, postgres.WithDSN(dsn))
		require.NoError(t, err)
		require.NoError(t, st.Truncate(ctx))
		t.Cleanup(func() { st.Close() })
		return st
	})
}
