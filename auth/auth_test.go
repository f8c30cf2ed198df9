package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
)

func newTestManager(issuer string, now time.Time) *Manager {
	m := NewManager("test-secret", issuer, time.Hour)
	m.now = func() time.Time { return now }
	return m
}

func TestSignVerify_RoundTrip(t *testing.T) {
	m := newTestManager("loyalty", time.Now())

	tok, err := m.Sign(Identity{UserID: "u1", Role: loyalty.RoleCustomer})
	require.NoError(t, err)

	id, err := m.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
	assert.Equal(t, loyalty.RoleCustomer, id.Role)
	assert.False(t, id.IsAdmin())
}

func TestVerify_Rejects(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m := newTestManager("loyalty", now)

	sign := func(secret string, method jwt.SigningMethod, claims Claims) string {
		t.Helper()
		tok, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		return tok
	}
	valid := func() Claims {
		return Claims{
			Role: loyalty.RoleAdmin,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "admin-1",
				Issuer:    "loyalty",
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			},
		}
	}

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "abc.def.ghi"},
		{"wrong secret", sign("other-secret", jwt.SigningMethodHS256, valid())},
		{"wrong algorithm", sign("test-secret", jwt.SigningMethodHS512, valid())},
		{"expired", func() string {
			c := valid()
			c.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute))
			return sign("test-secret", jwt.SigningMethodHS256, c)
		}()},
		{"no expiry", func() string {
			c := valid()
			c.ExpiresAt = nil
			return sign("test-secret", jwt.SigningMethodHS256, c)
		}()},
		{"wrong issuer", func() string {
			c := valid()
			c.Issuer = "someone-else"
			return sign("test-secret", jwt.SigningMethodHS256, c)
		}()},
		{"missing subject", func() string {
			c := valid()
			c.Subject = ""
			return sign("test-secret", jwt.SigningMethodHS256, c)
		}()},
		{"unknown role", func() string {
			c := valid()
			c.Role = "owner"
			return sign("test-secret", jwt.SigningMethodHS256, c)
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Verify(tt.token)
			assert.Error(t, err)
		})
	}

	id, err := m.Verify(sign("test-secret", jwt.SigningMethodHS256, valid()))
	require.NoError(t, err, "control token must pass")
	assert.True(t, id.IsAdmin())
}

func TestVerify_MissingTokenSentinel(t *testing.T) {
	_, err := NewManager("s", "", 0).Verify("")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestSign_RequiresSecret(t *testing.T) {
	_, err := NewManager("", "", 0).Sign(Identity{UserID: "u1", Role: loyalty.RoleAdmin})
	assert.Error(t, err)
}

func TestIdentity_CanAccess(t *testing.T) {
	customer := Identity{UserID: "u1", Role: loyalty.RoleCustomer}
	admin := Identity{UserID: "a1", Role: loyalty.RoleAdmin}

	assert.True(t, customer.CanAccess("u1"))
	assert.False(t, customer.CanAccess("u2"))
	assert.True(t, admin.CanAccess("u2"))
}

func TestContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := WithIdentity(context.Background(), Identity{UserID: "u1", Role: loyalty.RoleCustomer})
	id, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "u1", id.UserID)
}
