// ABOUTME: Unit tests for JWT token verification and generation
// ABOUTME: Tests valid tokens, invalid tokens, expired tokens and weak secrets

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret-key-for-jwt-signing!")

func newTestVerifier(t *testing.T) *JWTVerifier {
	t.Helper()
	verifier, err := NewJWTVerifier(testSecret)
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}
	return verifier
}

func TestNewJWTVerifier_WeakSecret(t *testing.T) {
	_, err := NewJWTVerifier([]byte("short"))
	if !errors.Is(err, ErrWeakSecret) {
		t.Errorf("NewJWTVerifier() error = %v, want ErrWeakSecret", err)
	}
}

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier := newTestVerifier(t)

	token, err := verifier.Generate(123, time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	gotID, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	if gotID != 123 {
		t.Errorf("Verify() = %d, want 123", gotID)
	}
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier := newTestVerifier(t)

	signWith := func(secret []byte, claims jwt.MapClaims) string {
		token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
		return token
	}
	future := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{
			name:  "empty token",
			token: "",
			want:  ErrInvalidToken,
		},
		{
			name:  "garbage token",
			token: "not-a-jwt-token",
			want:  ErrInvalidToken,
		},
		{
			name:  "wrong secret",
			token: signWith([]byte("a-completely-different-secret-32b"), jwt.MapClaims{"sub": "1", "exp": future}),
			want:  ErrInvalidToken,
		},
		{
			name:  "missing sub",
			token: signWith(testSecret, jwt.MapClaims{"exp": future}),
			want:  ErrMissingClaim,
		},
		{
			name:  "non-numeric sub",
			token: signWith(testSecret, jwt.MapClaims{"sub": "user-abc", "exp": future}),
			want:  ErrInvalidToken,
		},
		{
			name:  "negative sub",
			token: signWith(testSecret, jwt.MapClaims{"sub": "-4", "exp": future}),
			want:  ErrInvalidToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			if err == nil {
				t.Fatal("Verify() should have returned an error")
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Verify() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier := newTestVerifier(t)

	// Generate a token that expired 1 hour ago
	token, err := verifier.Generate(123, -time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	_, err = verifier.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestJWTVerifier_DifferentUsers(t *testing.T) {
	verifier := newTestVerifier(t)

	for _, userID := range []int64{1, 2, 9_000_000_001} {
		token, err := verifier.Generate(userID, time.Hour)
		if err != nil {
			t.Fatalf("Generate(%d) error = %v", userID, err)
		}

		gotID, err := verifier.Verify(token)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}

		if gotID != userID {
			t.Errorf("Verify() = %d, want %d", gotID, userID)
		}
	}
}
