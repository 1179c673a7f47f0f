/*Package auth implements the client side of the OAuth2 implicit flow

The user logs in on the platform's authorization page, which redirects to the
client's redirect url with the access token in the url fragment:

	android-app://redirect#expires_in=1209600&token_type=bearer&access_token=xxxx

ParseRedirect extracts the token from such a url. Handle installs a callback route
on a mux router for clients which capture the redirect with a local web server.
*/
package auth

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/relabs-tech/pulse/core/logger"
	"golang.org/x/oauth2"
)

const (
	// DefaultAuthBaseURL is the platform's account server
	DefaultAuthBaseURL = "https://accounts.samsungsami.io"
	// DefaultRedirectURL is the redirect url of the mobile client
	DefaultRedirectURL = "android-app://redirect"
	// DefaultRESTURL is the base url of the platform's REST api
	DefaultRESTURL = "https://api.samsungsami.io/v1.1"
)

// ErrNoAccessToken is returned when a redirect carries no access token
var ErrNoAccessToken = errors.New("redirect carries no access token")

// Config describes the OAuth2 client
type Config struct {
	AuthBaseURL string
	ClientID    string
	RedirectURL string
}

func (c Config) withDefaults() Config {
	if c.AuthBaseURL == "" {
		c.AuthBaseURL = DefaultAuthBaseURL
	}
	if c.RedirectURL == "" {
		c.RedirectURL = DefaultRedirectURL
	}
	c.AuthBaseURL = strings.TrimSuffix(c.AuthBaseURL, "/")
	return c
}

func (c Config) oauth2Config() *oauth2.Config {
	c = c.withDefaults()
	return &oauth2.Config{
		ClientID:    c.ClientID,
		RedirectURL: c.RedirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.AuthBaseURL + "/authorize",
			TokenURL: c.AuthBaseURL + "/token",
		},
	}
}

// AuthorizationRequestURL returns the login page url for the implicit flow.
// The state is optional.
func (c Config) AuthorizationRequestURL(state string) string {
	return c.oauth2Config().AuthCodeURL(state,
		oauth2.SetAuthURLParam("response_type", "token"),
		oauth2.SetAuthURLParam("client", "mobile"),
	)
}

// LogoutRequestURL returns the platform's logout url, which redirects back to
// the redirect url afterwards
func (c Config) LogoutRequestURL() string {
	c = c.withDefaults()
	return c.AuthBaseURL + "/logout?redirect_uri=" + url.QueryEscape(c.RedirectURL)
}

// IsRedirect returns true if uri is a redirect to the configured redirect url
func (c Config) IsRedirect(uri string) bool {
	return strings.HasPrefix(uri, c.withDefaults().RedirectURL)
}

// ParseRedirect extracts the token from a redirect uri. The token parameters are
// read from the fragment, or from the query if there is no fragment.
func ParseRedirect(uri string) (*oauth2.Token, error) {
	raw := ""
	if i := strings.Index(uri, "#"); i >= 0 {
		raw = uri[i+1:]
	} else if i := strings.Index(uri, "?"); i >= 0 {
		raw = uri[i+1:]
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, fmt.Errorf("cannot parse redirect: %w", err)
	}
	return tokenFromValues(values)
}

func tokenFromValues(values url.Values) (*oauth2.Token, error) {
	accessToken := values.Get("access_token")
	if len(accessToken) == 0 {
		if e := values.Get("error"); len(e) > 0 {
			return nil, fmt.Errorf("%w: %s %s", ErrNoAccessToken, e, values.Get("error_description"))
		}
		return nil, ErrNoAccessToken
	}
	token := &oauth2.Token{
		AccessToken: accessToken,
		TokenType:   values.Get("token_type"),
	}
	if expiresIn, err := strconv.Atoi(values.Get("expires_in")); err == nil && expiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(expiresIn) * time.Second)
	}
	return token, nil
}

// TokenSource returns a token source for an access token obtained by the
// implicit flow. There is no refresh token, the source always returns the same token.
func TokenSource(accessToken string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "bearer",
	})
}

// HTTPClient returns a http client which authorizes all requests with the
// access token. This is the client REST api wrappers are built on.
func HTTPClient(ctx context.Context, accessToken string) *http.Client {
	return oauth2.NewClient(ctx, TokenSource(accessToken))
}

// the fragment never reaches the server, this page hands it over as query
var fragmentPage = template.Must(template.New("fragment").Parse(`<!DOCTYPE html>
<html><head><title>pulse login</title></head>
<body><script>
if (window.location.hash.length > 1) {
  window.location.replace(window.location.pathname + "?" + window.location.hash.substring(1));
} else {
  document.body.innerText = {{.}};
}
</script></body></html>
`))

// Handle installs a callback route for the redirect on router. The route calls
// onToken for every redirect which carries an access token.
func Handle(router *mux.Router, path string, onToken func(*oauth2.Token)) {
	logger.Default().Debugln("  handle login redirect route:", path, "GET")

	router.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		query := r.URL.Query()
		if len(query) == 0 {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fragmentPage.Execute(w, "waiting for login")
			return
		}
		token, err := tokenFromValues(query)
		if err != nil {
			rlog.WithError(err).Warnln("login redirect without token")
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rlog.Infoln("received access token")
		onToken(token)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("login successful, you can close this window"))
	}).Methods(http.MethodGet)
}
