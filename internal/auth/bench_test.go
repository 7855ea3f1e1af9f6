package auth

import (
	"testing"
	"time"
)

// Token parsing runs on every API request and WebSocket upgrade.

func BenchmarkGenerateToken(b *testing.B) {
	for b.Loop() {
		GenerateToken("bench", RoleEditor, testSecret, time.Hour) //nolint:errcheck // benchmark
	}
}

func BenchmarkParseToken(b *testing.B) {
	token, _, err := GenerateToken("bench", RoleEditor, testSecret, time.Hour)
	if err != nil {
		b.Fatalf("GenerateToken: %v", err)
	}

	for b.Loop() {
		ParseToken(token, testSecret) //nolint:errcheck // benchmark
	}
}
