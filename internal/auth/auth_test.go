package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/tmarkov/exchange/internal/store"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

func newTestService() (*AuthService, *store.Memory) {
	st := store.NewMemory()
	return NewAuthService(st, "test-secret", time.Hour), st
}

func TestRegister(t *testing.T) {
	service, _ := newTestService()
	ctx := context.Background()

	tests := []struct {
		name        string
		username    string
		email       string
		password    string
		balance     int64
		expectError bool
	}{
		{
			name:     "ValidRegistration",
			username: "testuser",
			email:    "testuser@example.com",
			password: "password123",
			balance:  10_000_00,
		},
		{
			name:        "EmptyUsername",
			username:    "",
			email:       "empty@example.com",
			password:    "password123",
			expectError: true,
		},
		{
			name:        "EmptyEmail",
			username:    "noemail",
			email:       "",
			password:    "password123",
			expectError: true,
		},
		{
			name:        "EmptyPassword",
			username:    "nopass",
			email:       "nopass@example.com",
			password:    "",
			expectError: true,
		},
		{
			name:        "UsernameTooLong",
			username:    strings.Repeat("a", 51),
			email:       "long@example.com",
			password:    "password123",
			expectError: true,
		},
		{
			name:        "PasswordTooLong",
			username:    "longpass",
			email:       "longpass@example.com",
			password:    strings.Repeat("a", 101),
			expectError: true,
		},
		{
			name:        "NegativeBalance",
			username:    "negative",
			email:       "negative@example.com",
			password:    "password123",
			balance:     -1,
			expectError: true,
		},
		{
			name:        "DuplicateUsername",
			username:    "testuser",
			email:       "other@example.com",
			password:    "password123",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, err := service.Register(ctx, tt.username, tt.email, tt.password, tt.balance)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if user.Username != tt.username {
				t.Errorf("username = %q, want %q", user.Username, tt.username)
			}
			if user.Balance != tt.balance {
				t.Errorf("balance = %d, want %d", user.Balance, tt.balance)
			}
			if user.PasswordHash == tt.password {
				t.Error("password stored in plaintext")
			}
			if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(tt.password)); err != nil {
				t.Errorf("stored hash does not match password: %v", err)
			}
		})
	}
}

func TestLogin(t *testing.T) {
	service, _ := newTestService()
	ctx := context.Background()

	_, err := service.Register(ctx, "testuser", "testuser@example.com", "password123", 0)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	tests := []struct {
		name        string
		email       string
		password    string
		expectError bool
	}{
		{
			name:     "ValidCredentials",
			email:    "testuser@example.com",
			password: "password123",
		},
		{
			name:        "WrongPassword",
			email:       "testuser@example.com",
			password:    "wrongpassword",
			expectError: true,
		},
		{
			name:        "UnknownEmail",
			email:       "nobody@example.com",
			password:    "password123",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := service.Login(ctx, tt.email, tt.password)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if token == "" {
				t.Error("expected a token")
			}
		})
	}
}

func TestGetUserFromToken(t *testing.T) {
	service, _ := newTestService()
	ctx := context.Background()

	user, err := service.Register(ctx, "testuser", "testuser@example.com", "password123", 0)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	token, err := service.Login(ctx, "testuser@example.com", "password123")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	t.Run("ValidToken", func(t *testing.T) {
		userID, err := service.GetUserFromToken(token)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if userID != user.ID {
			t.Errorf("user id = %d, want %d", userID, user.ID)
		}
	})

	t.Run("GarbageToken", func(t *testing.T) {
		if _, err := service.GetUserFromToken("not.a.token"); err == nil {
			t.Error("expected error for malformed token")
		}
	})

	t.Run("WrongSecret", func(t *testing.T) {
		other := NewAuthService(store.NewMemory(), "other-secret", time.Hour)
		if _, err := other.GetUserFromToken(token); err == nil {
			t.Error("expected error for token signed with another secret")
		}
	})

	t.Run("ExpiredToken", func(t *testing.T) {
		expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"user_id":  user.ID,
			"username": user.Username,
			"exp":      time.Now().Add(-time.Hour).Unix(),
		})
		signed, err := expired.SignedString([]byte("test-secret"))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		if _, err := service.GetUserFromToken(signed); err == nil {
			t.Error("expected error for expired token")
		}
	})

	t.Run("WrongSigningMethod", func(t *testing.T) {
		unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
			"user_id": user.ID,
		})
		signed, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		if _, err := service.GetUserFromToken(signed); err == nil {
			t.Error("expected error for alg=none token")
		}
	})
}
