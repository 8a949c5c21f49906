package idp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testClientID = "client-1"

// testIssuer is a minimal OIDC provider: discovery, JWKS, token and
// userinfo endpoints backed by a throwaway RSA key.
type testIssuer struct {
	t      *testing.T
	server *httptest.Server
	key    *rsa.PrivateKey
	signer jose.Signer

	// Knobs tests flip before issuing requests.
	userinfoEnabled bool
	userinfoClaims  map[string]interface{}
	idClaims        map[string]interface{}
	refreshToken    string
	omitIDToken     bool
	omitExpiresIn   bool
	tokenError      *tokenError

	mu            sync.Mutex
	tokenForms    []url.Values
	userinfoAuth  string
	discoveryHits int
}

type tokenError struct {
	status int
	code   string
	desc   string
}

func newTestIssuer(t *testing.T) *testIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key}, nil)
	require.NoError(t, err)

	iss := &testIssuer{t: t, key: key, signer: signer}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", iss.handleDiscovery)
	mux.HandleFunc("/keys", iss.handleKeys)
	mux.HandleFunc("/token", iss.handleToken)
	mux.HandleFunc("/userinfo", iss.handleUserinfo)

	iss.server = httptest.NewServer(mux)
	t.Cleanup(iss.server.Close)
	return iss
}

// signIDToken signs an ID token with sane defaults merged under the
// overrides.
func (iss *testIssuer) signIDToken(overrides map[string]interface{}) string {
	claims := map[string]interface{}{
		"iss":   iss.server.URL,
		"aud":   testClientID,
		"sub":   "subject-1",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iat":   time.Now().Unix(),
		"email": "ada@example.com",
	}
	for k, v := range overrides {
		claims[k] = v
	}
	raw, err := jwt.Signed(iss.signer).Claims(claims).Serialize()
	require.NoError(iss.t, err)
	return raw
}

func (iss *testIssuer) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	iss.mu.Lock()
	iss.discoveryHits++
	iss.mu.Unlock()

	doc := map[string]interface{}{
		"issuer":                                iss.server.URL,
		"authorization_endpoint":                iss.server.URL + "/auth",
		"token_endpoint":                        iss.server.URL + "/token",
		"jwks_uri":                              iss.server.URL + "/keys",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	}
	if iss.userinfoEnabled {
		doc["userinfo_endpoint"] = iss.server.URL + "/userinfo"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doc)
}

func (iss *testIssuer) handleKeys(w http.ResponseWriter, r *http.Request) {
	jwks := jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{
			Key:       &iss.key.PublicKey,
			KeyID:     "test-key",
			Algorithm: string(jose.RS256),
			Use:       "sig",
		}},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(jwks)
}

func (iss *testIssuer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	iss.mu.Lock()
	iss.tokenForms = append(iss.tokenForms, r.PostForm)
	iss.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	if iss.tokenError != nil {
		w.WriteHeader(iss.tokenError.status)
		json.NewEncoder(w).Encode(map[string]string{
			"error":             iss.tokenError.code,
			"error_description": iss.tokenError.desc,
		})
		return
	}

	resp := map[string]interface{}{
		"access_token": "at-123",
		"token_type":   "Bearer",
	}
	if !iss.omitExpiresIn {
		resp["expires_in"] = 3600
	}
	if !iss.omitIDToken {
		resp["id_token"] = iss.signIDToken(iss.idClaims)
	}
	if iss.refreshToken != "" {
		resp["refresh_token"] = iss.refreshToken
	}
	json.NewEncoder(w).Encode(resp)
}

func (iss *testIssuer) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	iss.mu.Lock()
	iss.userinfoAuth = r.Header.Get("Authorization")
	iss.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(iss.userinfoClaims)
}

func (iss *testIssuer) lastTokenForm() url.Values {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	require.NotEmpty(iss.t, iss.tokenForms, "no token request recorded")
	return iss.tokenForms[len(iss.tokenForms)-1]
}

func (iss *testIssuer) discoveries() int {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	return iss.discoveryHits
}

func (iss *testIssuer) userinfoAuthHeader() string {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	return iss.userinfoAuth
}

func issuerClientConfig(iss *testIssuer) ClientConfig {
	return ClientConfig{
		Config: Config{
			IssuerURL:    iss.server.URL,
			ClientID:     testClientID,
			ClientSecret: "client-secret",
		},
		RedirectURL: "https://app.example.test/auth/callback",
	}
}

func newIssuerClient(t *testing.T, iss *testIssuer) *Client {
	t.Helper()
	client, err := NewClient(context.Background(), issuerClientConfig(iss))
	require.NoError(t, err)
	return client
}

func TestNewClient(t *testing.T) {
	iss := newTestIssuer(t)

	client := newIssuerClient(t, iss)
	assert.Equal(t, iss.server.URL, client.Issuer())
	assert.Equal(t, defaultScopes, client.oauth.Scopes)
}

func TestNewClient_RequiresIssuerAndClientID(t *testing.T) {
	_, err := NewClient(context.Background(), ClientConfig{
		Config: Config{ClientID: testClientID},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "issuer URL is required")

	_, err = NewClient(context.Background(), ClientConfig{
		Config: Config{IssuerURL: "https://idp.example.test"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client ID is required")
}

func TestNewClient_DiscoveryFailure(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusInternalServerError)
	}))
	defer broken.Close()

	_, err := NewClient(context.Background(), ClientConfig{
		Config: Config{IssuerURL: broken.URL, ClientID: testClientID},
	})
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeInternal), "got %v", err)
}

func TestNewClient_PrependsOpenIDScope(t *testing.T) {
	iss := newTestIssuer(t)

	cfg := issuerClientConfig(iss)
	cfg.Scopes = []string{"email", "profile"}

	client, err := NewClient(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"openid", "email", "profile"}, client.oauth.Scopes)
}

func TestBuildAuthorizationURI(t *testing.T) {
	iss := newTestIssuer(t)
	client := newIssuerClient(t, iss)

	req, err := client.BuildAuthorizationURI(map[string]string{"access_type": "offline"})
	require.NoError(t, err)
	require.NotEmpty(t, req.State)
	require.NotEmpty(t, req.Verifier)

	parsed, err := url.Parse(req.URI)
	require.NoError(t, err)
	assert.Equal(t, "/auth", parsed.Path)

	q := parsed.Query()
	assert.Equal(t, req.State, q.Get("state"))
	assert.Equal(t, Challenge(req.Verifier), q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, testClientID, q.Get("client_id"))
	assert.Equal(t, "https://app.example.test/auth/callback", q.Get("redirect_uri"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Contains(t, q.Get("scope"), "openid")
}

func TestBuildAuthorizationURI_FreshStatePerRequest(t *testing.T) {
	iss := newTestIssuer(t)
	client := newIssuerClient(t, iss)

	first, err := client.BuildAuthorizationURI(nil)
	require.NoError(t, err)
	second, err := client.BuildAuthorizationURI(nil)
	require.NoError(t, err)

	assert.NotEqual(t, first.State, second.State)
	assert.NotEqual(t, first.Verifier, second.Verifier)
}

func TestExchange(t *testing.T) {
	iss := newTestIssuer(t)
	iss.refreshToken = "rt-1"
	client := newIssuerClient(t, iss)

	tok, err := client.Exchange(context.Background(), "code-abc", "verifier-xyz")
	require.NoError(t, err)

	assert.Equal(t, "at-123", tok.AccessToken)
	assert.Equal(t, "rt-1", tok.RefreshToken)
	assert.NotEmpty(t, tok.RawIDToken)
	require.NotNil(t, tok.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *tok.ExpiresAt, time.Minute)

	form := iss.lastTokenForm()
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "code-abc", form.Get("code"))
	assert.Equal(t, "verifier-xyz", form.Get("code_verifier"))
	assert.Equal(t, "https://app.example.test/auth/callback", form.Get("redirect_uri"))
}

func TestExchange_ExpiryFallsBackToIDToken(t *testing.T) {
	iss := newTestIssuer(t)
	iss.omitExpiresIn = true
	exp := time.Now().Add(30 * time.Minute).Unix()
	iss.idClaims = map[string]interface{}{"exp": exp}
	client := newIssuerClient(t, iss)

	tok, err := client.Exchange(context.Background(), "code-abc", "verifier-xyz")
	require.NoError(t, err)

	require.NotNil(t, tok.ExpiresAt)
	assert.Equal(t, exp, tok.ExpiresAt.Unix())
}

func TestExchange_MissingIDToken(t *testing.T) {
	iss := newTestIssuer(t)
	iss.omitIDToken = true
	client := newIssuerClient(t, iss)

	_, err := client.Exchange(context.Background(), "code-abc", "verifier-xyz")
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeInvalidToken), "got %v", err)
	assert.Contains(t, err.Error(), "id_token")
}

func TestExchange_ClassifiesProviderErrors(t *testing.T) {
	tests := []struct {
		name     string
		tokenErr *tokenError
		want     ErrorCode
	}{
		{
			name:     "expired grant",
			tokenErr: &tokenError{status: http.StatusBadRequest, code: "invalid_grant", desc: "authorization code expired"},
			want:     CodeExpiredToken,
		},
		{
			name:     "rejected grant",
			tokenErr: &tokenError{status: http.StatusBadRequest, code: "invalid_grant", desc: "malformed authorization code"},
			want:     CodeInvalidToken,
		},
		{
			name:     "provider outage",
			tokenErr: &tokenError{status: http.StatusBadGateway, code: "temporarily_unavailable", desc: "upstream down"},
			want:     CodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			iss := newTestIssuer(t)
			client := newIssuerClient(t, iss)
			iss.tokenError = tt.tokenErr

			_, err := client.Exchange(context.Background(), "code-abc", "verifier-xyz")
			require.Error(t, err)
			assert.True(t, IsCode(err, tt.want), "want %s, got %v", tt.want, err)
		})
	}
}

func TestRefresh(t *testing.T) {
	iss := newTestIssuer(t)
	iss.refreshToken = "rt-rotated"
	client := newIssuerClient(t, iss)

	tok, err := client.Refresh(context.Background(), "rt-original")
	require.NoError(t, err)

	assert.Equal(t, "at-123", tok.AccessToken)
	assert.Equal(t, "rt-rotated", tok.RefreshToken)
	require.NotNil(t, tok.ExpiresAt)

	form := iss.lastTokenForm()
	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "rt-original", form.Get("refresh_token"))
}

func TestRefresh_KeepsTokenWhenProviderDoesNotRotate(t *testing.T) {
	iss := newTestIssuer(t)
	client := newIssuerClient(t, iss)

	tok, err := client.Refresh(context.Background(), "rt-original")
	require.NoError(t, err)
	assert.Equal(t, "rt-original", tok.RefreshToken)
}

func TestRefresh_MissingRefreshToken(t *testing.T) {
	iss := newTestIssuer(t)
	client := newIssuerClient(t, iss)

	_, err := client.Refresh(context.Background(), "")
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeInvalidToken), "got %v", err)
	assert.Contains(t, err.Error(), "missing credential")
}

func TestRefresh_RevokedToken(t *testing.T) {
	iss := newTestIssuer(t)
	client := newIssuerClient(t, iss)
	iss.tokenError = &tokenError{status: http.StatusBadRequest, code: "invalid_grant", desc: "refresh token expired or revoked"}

	_, err := client.Refresh(context.Background(), "rt-dead")
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeExpiredToken), "got %v", err)
}

func TestVerifyIDToken(t *testing.T) {
	iss := newTestIssuer(t)
	client := newIssuerClient(t, iss)

	raw := iss.signIDToken(map[string]interface{}{
		"email":          "Ada@Example.COM",
		"email_verified": true,
		"name":           "Ada Lovelace",
		"picture":        "https://img.example.test/ada.png",
		"hd":             "example.com",
	})

	claims, err := client.VerifyIDToken(context.Background(), raw)
	require.NoError(t, err)

	assert.Equal(t, iss.server.URL, claims.Issuer)
	assert.Equal(t, "subject-1", claims.Subject)
	assert.Equal(t, "ada@example.com", claims.Email)
	assert.True(t, claims.EmailVerified)
	assert.Equal(t, "Ada Lovelace", claims.Name)
	assert.Equal(t, "https://img.example.test/ada.png", claims.Picture)
	assert.Equal(t, "example.com", claims.Raw["hd"])
}

func TestVerifyIDToken_Expired(t *testing.T) {
	iss := newTestIssuer(t)
	client := newIssuerClient(t, iss)

	raw := iss.signIDToken(map[string]interface{}{
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	_, err := client.VerifyIDToken(context.Background(), raw)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeExpiredToken), "got %v", err)
}

func TestVerifyIDToken_WrongAudience(t *testing.T) {
	iss := newTestIssuer(t)
	client := newIssuerClient(t, iss)

	raw := iss.signIDToken(map[string]interface{}{"aud": "someone-else"})

	_, err := client.VerifyIDToken(context.Background(), raw)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeInvalidToken), "got %v", err)
}

func TestVerifyIDToken_Garbage(t *testing.T) {
	iss := newTestIssuer(t)
	client := newIssuerClient(t, iss)

	_, err := client.VerifyIDToken(context.Background(), "not-a-token")
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeInvalidToken), "got %v", err)
}

func TestUserInfo(t *testing.T) {
	iss := newTestIssuer(t)
	iss.userinfoEnabled = true
	iss.userinfoClaims = map[string]interface{}{
		"sub":        "subject-1",
		"email":      "ada@example.com",
		"department": "Research",
	}
	client := newIssuerClient(t, iss)

	info, err := client.UserInfo(context.Background(), &Token{AccessToken: "at-123"})
	require.NoError(t, err)

	assert.Equal(t, "Research", info["department"])
	assert.Equal(t, "Bearer at-123", iss.userinfoAuthHeader())
}

func TestUserInfo_EndpointNotPublished(t *testing.T) {
	iss := newTestIssuer(t)
	client := newIssuerClient(t, iss)

	info, err := client.UserInfo(context.Background(), &Token{AccessToken: "at-123"})
	require.NoError(t, err)
	assert.Empty(t, info)
}

func TestIDTokenExpiry(t *testing.T) {
	payload := func(v interface{}) string {
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		return "h." + base64.RawURLEncoding.EncodeToString(raw) + ".s"
	}

	got := idTokenExpiry(payload(map[string]int64{"exp": 1700000000}))
	require.NotNil(t, got)
	assert.Equal(t, int64(1700000000), got.Unix())

	assert.Nil(t, idTokenExpiry("onlytwoparts.left"))
	assert.Nil(t, idTokenExpiry("h.!!!not-base64!!!.s"))
	assert.Nil(t, idTokenExpiry(payload(map[string]string{"sub": "x"})))
}
