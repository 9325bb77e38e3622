package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentease/converse/internal/models"
)

const testSecret = "test-secret-key-for-jwt-tests"

func TestGenerateToken(t *testing.T) {
	svc := NewTokenService(testSecret, time.Hour)

	tests := []struct {
		name      string
		principal models.Principal
		wantErr   bool
	}{
		{
			name:      "valid principal",
			principal: models.Principal{UserID: "64b7f0c2e1a4", DisplayName: "Ann"},
			wantErr:   false,
		},
		{
			name:      "missing user ID",
			principal: models.Principal{DisplayName: "Ann"},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, expiry, err := svc.Generate(tt.principal)

			if tt.wantErr {
				assert.Error(t, err)
				assert.Empty(t, token)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, token)
			assert.True(t, expiry.After(time.Now()))

			claims, err := svc.Validate(token)
			require.NoError(t, err)
			assert.Equal(t, tt.principal.UserID, claims.UserID)
			assert.Equal(t, tt.principal.DisplayName, claims.Name)
		})
	}
}

func TestValidateToken(t *testing.T) {
	svc := NewTokenService(testSecret, time.Hour)
	validToken, _, err := svc.Generate(models.Principal{UserID: "u1", DisplayName: "Ann"})
	require.NoError(t, err)

	otherKey, _, err := NewTokenService("another-secret", time.Hour).Generate(models.Principal{UserID: "u1"})
	require.NoError(t, err)

	expired, _, err := NewTokenService(testSecret, time.Nanosecond).Generate(models.Principal{UserID: "u1"})
	require.NoError(t, err)
	time.Sleep(time.Second)

	tests := []struct {
		name        string
		tokenString string
		wantErr     bool
	}{
		{name: "valid token", tokenString: validToken},
		{name: "empty token", tokenString: "", wantErr: true},
		{name: "invalid token format", tokenString: "not.a.valid.jwt.token", wantErr: true},
		{name: "tampered token", tokenString: validToken + "tampered", wantErr: true},
		{name: "wrong key", tokenString: otherKey, wantErr: true},
		{name: "expired", tokenString: expired, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := svc.Validate(tt.tokenString)

			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidToken)
				assert.Nil(t, claims)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "u1", claims.UserID)
		})
	}
}

func TestValidateRejectsNoneAlgorithm(t *testing.T) {
	svc := NewTokenService(testSecret, time.Hour)
	token := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "u1"})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = svc.Validate(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateFallsBackToSubject(t *testing.T) {
	svc := NewTokenService(testSecret, time.Hour)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "from-sub",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)

	claims, err := svc.Validate(signed)
	require.NoError(t, err)
	p, err := claims.Principal()
	require.NoError(t, err)
	assert.Equal(t, "from-sub", p.UserID)
}

func TestClaimsPrincipal(t *testing.T) {
	var nilClaims *Claims
	_, err := nilClaims.Principal()
	assert.Error(t, err)

	_, err = (&Claims{UserID: "  "}).Principal()
	assert.ErrorIs(t, err, ErrInvalidToken)

	p, err := (&Claims{UserID: "u1", Name: "Ann"}).Principal()
	require.NoError(t, err)
	assert.Equal(t, models.Principal{UserID: "u1", DisplayName: "Ann"}, p)
}
