package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dvgate/dvgate/pkg/auth/token"
)

func TestAuthorize(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		scopes      []string
		roles       []string
		acceptScope []string
		acceptRole  []string
		accepted    bool
		matched     string
	}{
		{
			name:        "scope matches allow-list",
			scopes:      []string{"user_impersonation"},
			acceptScope: []string{"user_impersonation"},
			accepted:    true,
			matched:     "user_impersonation",
		},
		{
			name:        "scope not in allow-list",
			scopes:      []string{"profile"},
			acceptScope: []string{"user_impersonation"},
			accepted:    false,
		},
		{
			name:     "empty scope allow-list is permissive",
			scopes:   []string{"anything"},
			accepted: true,
		},
		{
			name:        "empty scope allow-list permissive even with role allow-list",
			scopes:      []string{"anything"},
			acceptRole:  []string{"Data.Read"},
			accepted:    true,
		},
		{
			name:       "role matches allow-list",
			roles:      []string{"Data.Read"},
			acceptRole: []string{"Data.Read", "Data.Write"},
			accepted:   true,
			matched:    "Data.Read",
		},
		{
			name:       "role not in allow-list",
			roles:      []string{"Other.Role"},
			acceptRole: []string{"Data.Read"},
			accepted:   false,
		},
		{
			name:     "empty role allow-list is permissive",
			roles:    []string{"Any.Role"},
			accepted: true,
		},
		{
			name:        "scope checked before role, matching scope wins",
			scopes:      []string{"user_impersonation"},
			roles:       []string{"NotAccepted.Role"},
			acceptScope: []string{"user_impersonation"},
			acceptRole:  []string{"Data.Read"},
			accepted:    true,
			matched:     "user_impersonation",
		},
		{
			name:        "scope checked before role, no fall-through on scope miss",
			scopes:      []string{"wrong_scope"},
			roles:       []string{"Data.Read"},
			acceptScope: []string{"user_impersonation"},
			acceptRole:  []string{"Data.Read"},
			accepted:    false,
		},
		{
			name:     "bare validation mode accepts claimless token",
			accepted: true,
		},
		{
			name:        "claimless token rejected once a list is configured",
			acceptScope: []string{"user_impersonation"},
			accepted:    false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			a := New(tc.acceptScope, tc.acceptRole)
			claims := &token.ValidatedClaims{Scopes: tc.scopes, Roles: tc.roles}

			decision := a.Authorize(claims)
			assert.Equal(t, tc.accepted, decision.Accepted)
			if tc.matched != "" {
				assert.Equal(t, tc.matched, decision.Matched)
			}
			if !tc.accepted {
				assert.NotEmpty(t, decision.Reason)
			}
		})
	}
}

func TestAuthorizeDeterministic(t *testing.T) {
	t.Parallel()
	a := New([]string{"user_impersonation"}, []string{"Data.Read"})
	claims := &token.ValidatedClaims{Scopes: []string{"user_impersonation"}}

	first := a.Authorize(claims)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, a.Authorize(claims))
	}
}
