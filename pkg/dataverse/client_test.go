package dataverse

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func staticTokenSource(tok string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok, TokenType: "Bearer"})
}

func TestWhoAmI(t *testing.T) {
	t.Parallel()

	userID := uuid.New()
	buID := uuid.New()
	orgID := uuid.New()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/data/v9.2/WhoAmI", r.URL.Path)
		assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))
		assert.Equal(t, "4.0", r.Header.Get("OData-Version"))
		assert.Empty(t, r.Header.Get("MSCRMCallerID"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"UserId":%q,"BusinessUnitId":%q,"OrganizationId":%q}`, userID, buID, orgID)
	}))
	t.Cleanup(server.Close)

	conn := NewDelegatedConnection(server.URL, staticTokenSource("user-token"), 5*time.Second)
	resp, err := conn.WhoAmI(context.Background())
	require.NoError(t, err)
	assert.Equal(t, userID, resp.UserID)
	assert.Equal(t, buID, resp.BusinessUnitID)
	assert.Equal(t, orgID, resp.OrganizationID)
}

func TestWhoAmIWithCallerID(t *testing.T) {
	t.Parallel()

	caller := uuid.New()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, caller.String(), r.Header.Get("MSCRMCallerID"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"UserId":%q,"BusinessUnitId":%q,"OrganizationId":%q}`,
			uuid.New(), uuid.New(), uuid.New())
	}))
	t.Cleanup(server.Close)

	base := NewDelegatedConnection(server.URL, staticTokenSource("svc-token"), 5*time.Second)
	conn := base.WithCallerID(caller)

	_, err := conn.WhoAmI(context.Background())
	require.NoError(t, err)

	// The original connection is untouched.
	assert.Empty(t, base.callerID)
}

func TestFindApplicationUsers(t *testing.T) {
	t.Parallel()

	appID := uuid.New()
	su1 := uuid.New()
	su2 := uuid.New()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/data/v9.2/systemusers", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "systemuserid,fullname,applicationid", q.Get("$select"))
		assert.Equal(t, fmt.Sprintf("applicationid eq %s", appID), q.Get("$filter"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"value":[
			{"systemuserid":%q,"fullname":"App User One","applicationid":%q},
			{"systemuserid":%q,"fullname":"App User Two","applicationid":%q}
		]}`, su1, appID, su2, appID)
	}))
	t.Cleanup(server.Close)

	conn := NewDelegatedConnection(server.URL, staticTokenSource("svc-token"), 5*time.Second)
	users, err := conn.FindApplicationUsers(context.Background(), appID)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, su1, users[0].SystemUserID)
	assert.Equal(t, "App User One", users[0].FullName)
}

func TestUnavailableOnHTTPError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"code":"0x80041103","message":"service busy"}}`)
	}))
	t.Cleanup(server.Close)

	conn := NewDelegatedConnection(server.URL, staticTokenSource("tok"), 5*time.Second)
	_, err := conn.WhoAmI(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "service busy")
}

func TestUnavailableOnConnectFailure(t *testing.T) {
	t.Parallel()

	// Closed server: connections are refused.
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close()

	conn := NewDelegatedConnection(server.URL, staticTokenSource("tok"), time.Second)
	_, err := conn.WhoAmI(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestTokenSourceErrorPassesThrough(t *testing.T) {
	t.Parallel()

	failing := oauth2.TokenSource(failingTokenSource{})
	conn := NewDelegatedConnection("https://org.example.com", failing, time.Second)
	_, err := conn.WhoAmI(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

type failingTokenSource struct{}

func (failingTokenSource) Token() (*oauth2.Token, error) {
	return nil, fmt.Errorf("exchange rejected")
}
