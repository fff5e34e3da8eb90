package credentials

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gocloud.dev/secrets"
	_ "gocloud.dev/secrets/localsecrets" // base64key:// keepers
)

// KeeperProvider decrypts credentials sealed in a file with a secrets
// keeper (e.g. "base64key://...", "awskms://...", "gcpkms://..."). The
// decrypted value is cached for the TTL and re-read afterwards, so a
// rotated file is picked up without a restart.
type KeeperProvider struct {
	keeper *secrets.Keeper
	path   string
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	cached  *Credentials
	expires time.Time
	closed  bool
}

// KeeperOption configures a KeeperProvider.
type KeeperOption func(*KeeperProvider)

// WithCacheTTL sets how long decrypted credentials are reused. Default 5m.
func WithCacheTTL(ttl time.Duration) KeeperOption {
	return func(p *KeeperProvider) {
		p.ttl = ttl
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) KeeperOption {
	return func(p *KeeperProvider) {
		p.now = now
	}
}

// OpenKeeperProvider opens the keeper at keeperURL and loads path once so
// configuration errors surface at startup.
func OpenKeeperProvider(ctx context.Context, keeperURL, path string, opts ...KeeperOption) (*KeeperProvider, error) {
	if keeperURL == "" || path == "" {
		return nil, fmt.Errorf("%w: keeper url and secret path are required", ErrInvalidCredentials)
	}

	keeper, err := secrets.OpenKeeper(ctx, keeperURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open secret keeper: %w", err)
	}

	p := &KeeperProvider{
		keeper: keeper,
		path:   path,
		ttl:    5 * time.Minute,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	if _, err := p.Credentials(ctx); err != nil {
		_ = keeper.Close()
		return nil, err
	}
	return p, nil
}

// Credentials returns the cached credentials or decrypts the file again.
func (p *KeeperProvider) Credentials(ctx context.Context) (*Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrProviderClosed
	}
	now := p.now()
	if p.cached == nil || !now.Before(p.expires) {
		creds, err := p.load(ctx)
		if err != nil {
			return nil, err
		}
		p.cached = creds
		p.expires = now.Add(p.ttl)
	}
	if p.cached.IsExpired(now) {
		return nil, ErrCredentialsExpired
	}
	return p.cached, nil
}

func (p *KeeperProvider) load(ctx context.Context) (*Credentials, error) {
	ciphertext, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret: %w", err)
	}
	plaintext, err := p.keeper.Decrypt(ctx, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secret %s: %w", p.path, err)
	}
	return decode(plaintext)
}

// Close releases the keeper.
func (p *KeeperProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.keeper.Close()
}

// Seal encrypts creds with the keeper at keeperURL and writes them to path.
func Seal(ctx context.Context, keeperURL, path string, creds *Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}

	keeper, err := secrets.OpenKeeper(ctx, keeperURL)
	if err != nil {
		return fmt.Errorf("failed to open secret keeper: %w", err)
	}
	defer keeper.Close()

	plaintext, err := encode(creds, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	ciphertext, err := keeper.Encrypt(ctx, plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}
	if err := os.WriteFile(path, ciphertext, 0o600); err != nil {
		return fmt.Errorf("failed to write secret: %w", err)
	}
	return nil
}
