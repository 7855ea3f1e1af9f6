package auth

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Issuer issues tokens and verifies them against the revocation records.
type Issuer struct {
	repo   TokenRepository
	secret string
	ttl    time.Duration
}

// NewIssuer creates an issuer. With a nil repo tokens are checked by
// signature only and cannot be revoked.
func NewIssuer(repo TokenRepository, secret string, ttl time.Duration) *Issuer {
	return &Issuer{repo: repo, secret: secret, ttl: ttl}
}

// Issue signs a new token for subject and records it.
func (i *Issuer) Issue(ctx context.Context, subject string, role Role) (string, *EditorToken, error) {
	signed, claims, err := GenerateToken(subject, role, i.secret, i.ttl)
	if err != nil {
		return "", nil, err
	}

	rec := &EditorToken{
		ID:        claims.ID,
		Subject:   subject,
		Role:      role,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if i.repo != nil {
		if err := i.repo.Create(ctx, rec); err != nil {
			return "", nil, fmt.Errorf("recording token: %w", err)
		}
	}
	return signed, rec, nil
}

// Verify parses raw and checks that its record exists and is not revoked.
func (i *Issuer) Verify(ctx context.Context, raw string) (*CustomClaims, error) {
	claims, err := ParseToken(raw, i.secret)
	if err != nil {
		return nil, err
	}
	if i.repo == nil {
		return claims, nil
	}

	rec, err := i.repo.GetByID(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, ErrTokenUnknown) {
			return nil, fmt.Errorf("%w: unknown id", ErrTokenInvalid)
		}
		return nil, err
	}
	if rec.Revoked {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// Revoke revokes the token with id.
func (i *Issuer) Revoke(ctx context.Context, id string) error {
	if i.repo == nil {
		return fmt.Errorf("revoking %s: no token store", id)
	}
	return i.repo.Revoke(ctx, id)
}
