package token

import (
	"testing"

	"github.com/christopherjohns/chatguard/internal/apperr"
	"github.com/stretchr/testify/require"
)

func TestIssueDecodeRoundTrip(t *testing.T) {
	req := require.New(t)

	raw := Issue(RoleAdmin, "5f0c")
	req.Equal("admin_token_5f0c", raw)

	claims, err := Decode(raw)
	req.NoError(err)
	req.Equal(RoleAdmin, claims.Role)
	req.Equal("5f0c", claims.UserID)
	req.True(claims.IsAdmin())
}

func TestDecodeAcceptsBearerPrefix(t *testing.T) {
	claims, err := Decode("Bearer user_token_abc")
	require.NoError(t, err)
	require.Equal(t, RoleUser, claims.Role)
	require.False(t, claims.IsAdmin())
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "   ", "user_token_", "token_abc", "root_token_abc", "admin-abc"} {
		_, err := Decode(raw)
		if apperr.KindOf(err) != apperr.KindAuth {
			t.Errorf("Decode(%q): expected auth error, got %v", raw, err)
		}
	}
}

func TestRequireAdmin(t *testing.T) {
	req := require.New(t)

	_, err := RequireAdmin(Issue(RoleUser, "u1"))
	req.ErrorIs(err, apperr.ErrForbidden)

	_, err = RequireAdmin("")
	req.ErrorIs(err, apperr.ErrAuth)

	claims, err := RequireAdmin(Issue(RoleAdmin, "a1"))
	req.NoError(err)
	req.Equal("a1", claims.UserID)
}
