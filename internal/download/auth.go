package download

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/BadgerOps/ocistash/internal/safety"
)

const maxTokenBodySize = 1 << 20

// authParamRegexp matches key="value" and key=value pairs in a WWW-Authenticate header.
var authParamRegexp = regexp.MustCompile(`([a-zA-Z_]+)=(?:"([^"]*)"|([^,\s]*))`)

// Credentials are the static username/password configured for a remote.
type Credentials struct {
	Username string
	Password string
}

// Empty reports whether no username is configured.
func (c Credentials) Empty() bool { return c.Username == "" }

// BasicHeader returns the Authorization value for HTTP Basic auth.
func (c Credentials) BasicHeader() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(c.Username+":"+c.Password))
}

// Challenge is a parsed WWW-Authenticate header.
type Challenge struct {
	Scheme  string // "bearer" or "basic", lower-cased
	Realm   string
	Service string
	Scope   string
	Params  map[string]string
}

// ParseChallenge parses a WWW-Authenticate header value.
func ParseChallenge(header string) Challenge {
	header = strings.TrimSpace(header)
	scheme, rest, _ := strings.Cut(header, " ")
	c := Challenge{Scheme: strings.ToLower(scheme), Params: map[string]string{}}
	for _, m := range authParamRegexp.FindAllStringSubmatch(rest, -1) {
		value := m[2]
		if value == "" {
			value = m[3]
		}
		c.Params[strings.ToLower(m[1])] = value
	}
	c.Realm = c.Params["realm"]
	c.Service = c.Params["service"]
	c.Scope = c.Params["scope"]
	return c
}

// AuthState is the bearer token and basic header shared by every downloader
// talking to one remote. Field reads take mu; a whole refresh holds the
// refresh semaphore so concurrent 401s collapse into one token request.
type AuthState struct {
	mu     sync.Mutex
	bearer string
	basic  string

	refresh *semaphore.Weighted

	client  *http.Client
	creds   Credentials
	logger  *slog.Logger
	metrics *Metrics
}

// NewAuthState creates auth state that fetches tokens with client.
func NewAuthState(client *http.Client, creds Credentials, metrics *Metrics, logger *slog.Logger) *AuthState {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthState{
		refresh: semaphore.NewWeighted(1),
		client:  client,
		creds:   creds,
		logger:  logger,
		metrics: metrics,
	}
}

// AuthorizationHeader returns the header to send and the bearer token it
// carries (empty when none). A bearer token wins over a basic header.
func (a *AuthState) AuthorizationHeader() (header, token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bearer != "" {
		return "Bearer " + a.bearer, a.bearer
	}
	return a.basic, ""
}

// Token returns the current bearer token.
func (a *AuthState) Token() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bearer
}

// SetBasic stores a basic auth header computed from the remote credentials.
func (a *AuthState) SetBasic() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.basic = a.creds.BasicHeader()
}

// UpdateToken refreshes the bearer token in response to a 401 challenge.
// usedToken is the token sent with the failed request. If another caller
// has already replaced it, no request is made.
func (a *AuthState) UpdateToken(ctx context.Context, challengeHeader, usedToken, repoName string) error {
	if err := a.refresh.Acquire(ctx, 1); err != nil {
		return err
	}
	defer a.refresh.Release(1)

	a.mu.Lock()
	current := a.bearer
	if current != "" && current != usedToken {
		a.mu.Unlock()
		a.logger.Debug("token already refreshed by concurrent request", "repository", repoName)
		return nil
	}
	a.bearer = ""
	a.mu.Unlock()

	challenge := ParseChallenge(challengeHeader)
	if challenge.Realm == "" {
		return ErrMissingRealm
	}
	if challenge.Scope == "" {
		challenge.Params["scope"] = fmt.Sprintf("repository:%s:pull", repoName)
	}

	tokenURL, err := buildTokenURL(challenge)
	if err != nil {
		return err
	}

	token, err := a.requestToken(ctx, tokenURL)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.bearer = token
	a.mu.Unlock()
	a.metrics.tokenRefreshed()
	a.logger.Debug("bearer token refreshed", "repository", repoName, "realm", challenge.Realm)
	return nil
}

// buildTokenURL merges the realm's own query with the challenge params;
// challenge values win on conflict.
func buildTokenURL(c Challenge) (string, error) {
	realm, err := url.Parse(c.Realm)
	if err != nil {
		return "", fmt.Errorf("invalid token realm %q: %w", c.Realm, err)
	}
	q := realm.Query()
	for k, v := range c.Params {
		if k == "realm" {
			continue
		}
		q.Set(k, v)
	}
	realm.RawQuery = q.Encode()
	return realm.String(), nil
}

func (a *AuthState) requestToken(ctx context.Context, tokenURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	if !a.creds.Empty() {
		req.Header.Set("Authorization", a.creds.BasicHeader())
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := safety.ReadAllWithLimit(resp.Body, maxTokenBodySize)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, URL: tokenURL, Body: string(body)}
	}

	var payload struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if payload.Token != "" {
		return payload.Token, nil
	}
	if payload.AccessToken != "" {
		return payload.AccessToken, nil
	}
	return "", fmt.Errorf("token response from %s has no token", tokenURL)
}
