package auth

import (
	"context"
	"fmt"
	"log/slog"
)

// SeedSubject is the subject of the first-boot installer token.
const SeedSubject = "installer"

// SeedInstallerToken issues an installer token on first boot if no token
// was ever issued. The token is returned for the caller to print once; only
// its id is logged. Returns an empty string if seeding was skipped.
func SeedInstallerToken(ctx context.Context, issuer *Issuer, repo TokenRepository, logger *slog.Logger) (string, error) {
	count, err := repo.Count(ctx)
	if err != nil {
		return "", fmt.Errorf("checking token count: %w", err)
	}
	if count > 0 {
		logger.Info("editor tokens exist, skipping installer seed")
		return "", nil
	}

	signed, rec, err := issuer.Issue(ctx, SeedSubject, RoleInstaller)
	if err != nil {
		return "", fmt.Errorf("issuing seed installer token: %w", err)
	}

	logger.Warn("seed installer token issued",
		"token_id", rec.ID,
		"expires_at", rec.ExpiresAt,
		"action_required", "issue named tokens and revoke this one",
	)
	return signed, nil
}
