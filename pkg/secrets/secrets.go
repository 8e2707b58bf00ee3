// Package secrets is the Secrets Resolver: it resolves a
// types.SecretReference to a types.Secret by trying a caller-supplied,
// ordered list of providers, and it never lets a resolved value reach a
// journal, a snapshot metadata file, or the audit log.
package secrets

import (
	"context"
	"time"

	"github.com/clonebox-dev/clonebox/pkg/types"
	"github.com/rs/zerolog"
)

// Provider is the tagged-variant interface every secret backend implements.
// The set of providers is closed (env, dotenv, vault, sops, age); Resolver
// switches on each provider's Name, never on its concrete Go type.
type Provider interface {
	Name() types.SecretProvider
	// IsAvailable reports whether this provider can be tried at all (binary
	// present, file exists, client authenticated) without attempting a
	// resolution.
	IsAvailable(ctx context.Context, ref types.SecretReference) bool
	// Get resolves ref to a value. A provider that has no matching secret
	// returns ("", false, nil); an operational failure returns a
	// ProviderError.
	Get(ctx context.Context, ref types.SecretReference) (value string, found bool, err error)
}

// Resolver tries an explicit, ordered list of providers for each
// SecretReference. The first provider whose IsAvailable returns true and
// whose Get returns found=true wins.
type Resolver struct {
	providers []Provider
	logger    zerolog.Logger
}

// NewResolver constructs a Resolver over providers, tried in the given
// order. The order is supplied by the caller (typically CLI configuration),
// never reordered internally.
func NewResolver(logger zerolog.Logger, providers ...Provider) *Resolver {
	return &Resolver{providers: providers, logger: logger}
}

// Resolve resolves ref to a Secret. It never logs or returns the value
// itself in an error message.
func (r *Resolver) Resolve(ctx context.Context, ref types.SecretReference) (types.Secret, error) {
	var lastErr error
	for _, p := range r.providers {
		if ref.Provider != "" && ref.Provider != p.Name() {
			continue
		}
		if !p.IsAvailable(ctx, ref) {
			continue
		}
		value, found, err := p.Get(ctx, ref)
		if err != nil {
			r.logger.Warn().
				Str("provider", string(p.Name())).
				Str("path", ref.Path).
				Err(err).
				Msg("secret provider error, trying next provider")
			lastErr = types.NewError(types.ErrProviderError, ref.Path, err)
			continue
		}
		if !found {
			continue
		}
		r.logger.Debug().
			Str("provider", string(p.Name())).
			Str("path", ref.Path).
			Msg("secret resolved")
		return types.NewSecret(value, p.Name(), time.Now()), nil
	}
	if lastErr != nil {
		return types.Secret{}, lastErr
	}
	return types.Secret{}, types.NewError(types.ErrSecretNotFound, ref.Path, nil)
}
