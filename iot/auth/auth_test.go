package auth

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestAuthorizationRequestURL(t *testing.T) {
	c := Config{ClientID: "client1"}
	u, err := url.Parse(c.AuthorizationRequestURL(""))
	require.NoError(t, err)
	assert.Equal(t, "accounts.samsungsami.io", u.Host)
	assert.Equal(t, "/authorize", u.Path)
	q := u.Query()
	assert.Equal(t, "token", q.Get("response_type"))
	assert.Equal(t, "mobile", q.Get("client"))
	assert.Equal(t, "client1", q.Get("client_id"))
	assert.Equal(t, DefaultRedirectURL, q.Get("redirect_uri"))
	assert.Empty(t, q.Get("state"))

	c = Config{AuthBaseURL: "http://localhost:9000/", ClientID: "client1", RedirectURL: "http://localhost:9001/callback"}
	u, err = url.Parse(c.AuthorizationRequestURL("s1"))
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", u.Host)
	assert.Equal(t, "/authorize", u.Path)
	assert.Equal(t, "s1", u.Query().Get("state"))
	assert.Equal(t, "http://localhost:9001/callback", u.Query().Get("redirect_uri"))
}

func TestLogoutRequestURL(t *testing.T) {
	assert.Equal(t, "https://accounts.samsungsami.io/logout?redirect_uri=android-app%3A%2F%2Fredirect",
		Config{}.LogoutRequestURL())
}

func TestIsRedirect(t *testing.T) {
	c := Config{}
	assert.True(t, c.IsRedirect("android-app://redirect#access_token=abc"))
	assert.False(t, c.IsRedirect("https://accounts.samsungsami.io/authorize"))
}

func TestParseRedirect(t *testing.T) {
	before := time.Now()
	token, err := ParseRedirect("android-app://redirect#expires_in=1209600&token_type=bearer&access_token=abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", token.AccessToken)
	assert.Equal(t, "bearer", token.TokenType)
	assert.True(t, token.Expiry.After(before.Add(1209599*time.Second)))

	token, err = ParseRedirect("http://localhost/callback?access_token=def")
	require.NoError(t, err)
	assert.Equal(t, "def", token.AccessToken)
	assert.True(t, token.Expiry.IsZero())

	_, err = ParseRedirect("android-app://redirect#error=access_denied&error_description=nope")
	assert.ErrorIs(t, err, ErrNoAccessToken)
	_, err = ParseRedirect("android-app://redirect")
	assert.ErrorIs(t, err, ErrNoAccessToken)
	_, err = ParseRedirect("android-app://redirect#access_token=%zz")
	assert.Error(t, err)
}

func TestHandle(t *testing.T) {
	router := mux.NewRouter()
	var received *oauth2.Token
	Handle(router, "/callback", func(token *oauth2.Token) { received = token })

	// without parameters the page moves the fragment into the query
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/callback", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "window.location.hash")
	assert.Nil(t, received)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/callback?error=access_denied", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Nil(t, received)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/callback?access_token=abc&token_type=bearer", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, received)
	assert.Equal(t, "abc", received.AccessToken)
}

func TestHTTPClient(t *testing.T) {
	var authorization string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization = r.Header.Get("Authorization")
	}))
	defer server.Close()

	res, err := HTTPClient(context.Background(), "abc").Get(server.URL + "/users/self")
	require.NoError(t, err)
	io.Copy(io.Discard, res.Body)
	res.Body.Close()
	assert.Equal(t, "Bearer abc", authorization)
}
