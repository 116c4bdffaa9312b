package utils

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	issuer, err := NewTokenIssuer("test-secret", time.Hour)
	require.NoError(t, err)

	token, exp, err := issuer.GenerateToken("cashier-7", "Mary Achieng", RoleCashier)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)

	claims, err := issuer.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "cashier-7", claims.StaffID)
	assert.Equal(t, "Mary Achieng", claims.Name)
	assert.Equal(t, RoleCashier, claims.Role)
	assert.Equal(t, "cashier-7", claims.Subject)
}

func TestParseTokenRejects(t *testing.T) {
	issuer, err := NewTokenIssuer("test-secret", time.Hour)
	require.NoError(t, err)
	other, err := NewTokenIssuer("other-secret", time.Hour)
	require.NoError(t, err)
	forged, _, err := other.GenerateToken("admin-1", "", RoleAdmin)
	require.NoError(t, err)

	expired, err := NewTokenIssuer("test-secret", time.Hour)
	require.NoError(t, err)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	stale, _, err := expired.GenerateToken("cashier-7", "", RoleCashier)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"garbage":      "not-a-token",
		"wrong secret": forged,
		"expired":      stale,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := issuer.ParseToken(token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestNewTokenIssuerRequiresSecret(t *testing.T) {
	_, err := NewTokenIssuer("", time.Hour)
	assert.Error(t, err)
}

func TestActor(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Equal(t, GuestActor, Actor(c))

	SetClaims(c, &Claims{StaffID: "accounts-2", Role: RoleAccounts})
	assert.Equal(t, "accounts-2", Actor(c))
	assert.Equal(t, RoleAccounts, ClaimsFrom(c).Role)
}
