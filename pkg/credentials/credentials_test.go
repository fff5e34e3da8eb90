package credentials_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/plaenen/commandcore/pkg/credentials"
	natspkg "github.com/plaenen/commandcore/pkg/nats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeeper = "base64key://smGbjm71Nxd1Ig5FS0wj9SlbzAIrnolCz9bQQ6uAhl4="

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		creds   credentials.Credentials
		wantErr bool
	}{
		{name: "token", creds: credentials.Credentials{Type: credentials.CredentialTypeToken, Token: "t"}},
		{name: "user password", creds: credentials.Credentials{Type: credentials.CredentialTypeUserPassword, User: "u", Password: "p"}},
		{name: "missing type", creds: credentials.Credentials{Token: "t"}, wantErr: true},
		{name: "empty token", creds: credentials.Credentials{Type: credentials.CredentialTypeToken}, wantErr: true},
		{name: "missing password", creds: credentials.Credentials{Type: credentials.CredentialTypeUserPassword, User: "u"}, wantErr: true},
		{name: "unknown type", creds: credentials.Credentials{Type: "nkey"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.creds.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, credentials.ErrInvalidCredentials)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRedaction(t *testing.T) {
	c := &credentials.Credentials{Type: credentials.CredentialTypeUserPassword, User: "svc", Password: "hunter2"}
	assert.Equal(t, "user_password(svc:***)", c.String())
	assert.Equal(t, "***", c.Redacted().Password)
	assert.Equal(t, "hunter2", c.Password)
}

func TestKeeperProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("seal and open", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "db.secret")
		require.NoError(t, credentials.Seal(ctx, testKeeper, path, &credentials.Credentials{
			Type: credentials.CredentialTypeUserPassword, User: "svc", Password: "hunter2",
		}))

		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.NotContains(t, string(raw), "hunter2")

		p, err := credentials.OpenKeeperProvider(ctx, testKeeper, path)
		require.NoError(t, err)
		defer p.Close()

		creds, err := p.Credentials(ctx)
		require.NoError(t, err)
		assert.Equal(t, "svc", creds.User)
		assert.Equal(t, "hunter2", creds.Password)
	})

	t.Run("rotation is picked up after the ttl", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nats.secret")
		require.NoError(t, credentials.Seal(ctx, testKeeper, path, &credentials.Credentials{
			Type: credentials.CredentialTypeToken, Token: "first",
		}))

		now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		p, err := credentials.OpenKeeperProvider(ctx, testKeeper, path,
			credentials.WithCacheTTL(time.Minute),
			credentials.WithClock(func() time.Time { return now }),
		)
		require.NoError(t, err)
		defer p.Close()

		require.NoError(t, credentials.Seal(ctx, testKeeper, path, &credentials.Credentials{
			Type: credentials.CredentialTypeToken, Token: "second",
		}))

		creds, err := p.Credentials(ctx)
		require.NoError(t, err)
		assert.Equal(t, "first", creds.Token)

		now = now.Add(2 * time.Minute)
		creds, err = p.Credentials(ctx)
		require.NoError(t, err)
		assert.Equal(t, "second", creds.Token)
	})

	t.Run("wrong key fails at open", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nats.secret")
		require.NoError(t, credentials.Seal(ctx, testKeeper, path, &credentials.Credentials{
			Type: credentials.CredentialTypeToken, Token: "t",
		}))

		_, err := credentials.OpenKeeperProvider(ctx, "base64key://", path)
		assert.Error(t, err)
	})

	t.Run("closed provider", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nats.secret")
		require.NoError(t, credentials.Seal(ctx, testKeeper, path, &credentials.Credentials{
			Type: credentials.CredentialTypeToken, Token: "t",
		}))
		p, err := credentials.OpenKeeperProvider(ctx, testKeeper, path)
		require.NoError(t, err)
		require.NoError(t, p.Close())

		_, err = p.Credentials(ctx)
		assert.ErrorIs(t, err, credentials.ErrProviderClosed)
	})
}

func TestNATSOptions(t *testing.T) {
	srv, err := natspkg.StartEmbeddedServer(natspkg.WithStoreDir(t.TempDir()), natspkg.WithToken("s3cret"))
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	_, err = nats.Connect(srv.URL())
	require.Error(t, err)

	creds, err := credentials.NewStaticToken("s3cret").Credentials(context.Background())
	require.NoError(t, err)

	nc, err := nats.Connect(srv.URL(), credentials.NATSOptions(creds)...)
	require.NoError(t, err)
	nc.Close()
}
