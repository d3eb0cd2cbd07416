package providers

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/providers/gmail"
	"github.com/Martian-dev/mailsync/internal/providers/imap"
	"github.com/Martian-dev/mailsync/internal/providers/outlook"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

// tokens are renewed this long before they expire
const refreshSkew = time.Minute

// SecretStore looks up account secrets
type SecretStore interface {
	Get(key string) (string, error)
}

// BuildFunc creates an OAuth-backed provider from a fresh token
type BuildFunc func(ctx context.Context, tok *auth.Token, accountID string, maxItems int) (mailsync.Provider, error)

// Factory builds providers for configured accounts
type Factory struct {
	tokens   auth.TokenSource
	secrets  SecretStore
	maxItems func() int
	builders map[mailsync.ProviderName]BuildFunc
}

// NewFactory returns a factory using the Gmail and Outlook adapters for
// OAuth accounts. maxItems is read on every build so settings reloads apply.
func NewFactory(tokens auth.TokenSource, secrets SecretStore, maxItems func() int) *Factory {
	if maxItems == nil {
		maxItems = func() int { return mailsync.DefaultSettings().MaxItemsPerSync }
	}
	return &Factory{
		tokens:   tokens,
		secrets:  secrets,
		maxItems: maxItems,
		builders: map[mailsync.ProviderName]BuildFunc{
			mailsync.ProviderGoogle: func(ctx context.Context, tok *auth.Token, id string, n int) (mailsync.Provider, error) {
				return gmail.New(ctx, tok, id, n)
			},
			mailsync.ProviderMicrosoft: func(ctx context.Context, tok *auth.Token, id string, n int) (mailsync.Provider, error) {
				return outlook.New(ctx, tok, id, n)
			},
		},
	}
}

// WithBuilder overrides how providers of the given name are built
func (f *Factory) WithBuilder(name mailsync.ProviderName, build BuildFunc) *Factory {
	f.builders[name] = build
	return f
}

// Build returns the provider for an account
func (f *Factory) Build(acct config.AccountConfig) (mailsync.Provider, error) {
	switch acct.Provider {
	case mailsync.ProviderIMAP:
		if f.secrets == nil {
			return nil, fmt.Errorf("account %s: no credential store", acct.ID)
		}
		password, err := f.secrets.Get(acct.IMAP.PasswordKey)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", acct.ID, err)
		}
		cfg := acct.IMAP.Config
		cfg.Password = password
		return imap.New(cfg, acct.ID, f.maxItems()), nil

	case mailsync.ProviderGoogle, mailsync.ProviderMicrosoft:
		build, ok := f.builders[acct.Provider]
		if !ok {
			return nil, fmt.Errorf("account %s: no builder for %s", acct.ID, acct.Provider)
		}
		authProvider, err := auth.ProviderFor(acct.Provider)
		if err != nil {
			return nil, err
		}
		if f.tokens == nil {
			return nil, fmt.Errorf("account %s: no token source", acct.ID)
		}
		return &oauthProvider{
			accountID: acct.ID,
			userJWT:   acct.UserJWT,
			provider:  authProvider,
			tokens:    f.tokens,
			build:     build,
			maxItems:  f.maxItems,
		}, nil
	}
	return nil, fmt.Errorf("account %s: unknown provider %q", acct.ID, acct.Provider)
}

// oauthProvider defers token retrieval to the first fetch and rebuilds the
// underlying adapter when its token is about to expire. Rebuilds only
// happen at the start of a fetch so a cycle uses one adapter throughout.
type oauthProvider struct {
	accountID string
	userJWT   string
	provider  auth.Provider
	tokens    auth.TokenSource
	build     BuildFunc
	maxItems  func() int

	mu     gosync.Mutex
	cur    mailsync.Provider
	expiry time.Time
}

func (p *oauthProvider) current(ctx context.Context, refresh bool) (mailsync.Provider, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stale := p.cur == nil ||
		(refresh && !p.expiry.IsZero() && time.Now().Add(refreshSkew).After(p.expiry))
	if !stale {
		return p.cur, nil
	}

	tok, err := p.tokens.GetToken(ctx, p.userJWT, p.provider)
	if err != nil {
		return nil, fmt.Errorf("fetching %s token: %w", p.provider, err)
	}
	prov, err := p.build(ctx, tok, p.accountID, p.maxItems())
	if err != nil {
		return nil, err
	}
	p.cur = prov
	p.expiry = tok.Expiry
	return prov, nil
}

func (p *oauthProvider) FetchChangesSince(ctx context.Context, state mailsync.State) ([]mailsync.Change, error) {
	prov, err := p.current(ctx, true)
	if err != nil {
		return nil, err
	}
	return prov.FetchChangesSince(ctx, state)
}

func (p *oauthProvider) PushChange(ctx context.Context, change mailsync.PendingChange) error {
	prov, err := p.current(ctx, false)
	if err != nil {
		return err
	}
	return prov.PushChange(ctx, change)
}

func (p *oauthProvider) GetCurrentState(ctx context.Context) (mailsync.State, error) {
	prov, err := p.current(ctx, false)
	if err != nil {
		return mailsync.State{}, err
	}
	return prov.GetCurrentState(ctx)
}
