package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultIdentityURL = "https://identitytoolkit.googleapis.com"
	DefaultTokenURL    = "https://securetoken.googleapis.com"
)

// IdentityOptions configures an IdentityAuthenticator.
type IdentityOptions struct {
	APIKey      string
	IdentityURL string
	TokenURL    string
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// IdentityAuthenticator signs accounts in against an identity-toolkit style
// REST API (email/password sign-in, refresh-token grant, account lookup).
type IdentityAuthenticator struct {
	apiKey      string
	identityURL string
	tokenURL    string
	client      *http.Client
}

// NewIdentityAuthenticator creates an authenticator.
func NewIdentityAuthenticator(opts IdentityOptions) *IdentityAuthenticator {
	if opts.IdentityURL == "" {
		opts.IdentityURL = DefaultIdentityURL
	}
	if opts.TokenURL == "" {
		opts.TokenURL = DefaultTokenURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	return &IdentityAuthenticator{
		apiKey:      opts.APIKey,
		identityURL: strings.TrimRight(opts.IdentityURL, "/"),
		tokenURL:    strings.TrimRight(opts.TokenURL, "/"),
		client:      client,
	}
}

type signInRequest struct {
	Email             string `json:"email"`
	Password          string `json:"password"`
	ReturnSecureToken bool   `json:"returnSecureToken"`
}

type signInResponse struct {
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
	LocalID      string `json:"localId"`
	Email        string `json:"email"`
}

type refreshRequest struct {
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
	UserID       string `json:"user_id"`
}

type lookupRequest struct {
	IDToken string `json:"idToken"`
}

type lookupResponse struct {
	Users []struct {
		LocalID string `json:"localId"`
	} `json:"users"`
}

type identityError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Authenticate implements Authenticator.
func (a *IdentityAuthenticator) Authenticate(ctx context.Context, account Account) (Credentials, error) {
	endpoint := a.identityURL + "/v1/accounts:signInWithPassword?key=" + url.QueryEscape(a.apiKey)

	var out signInResponse
	resp, err := a.post(ctx, endpoint, signInRequest{
		Email:             account.ID,
		Password:          account.Secret,
		ReturnSecureToken: true,
	}, &out)
	if err != nil {
		return Credentials{}, &AuthenticationError{AccountID: account.ID, Op: "authenticate", Err: err}
	}

	creds, err := credentialsFrom(out.IDToken, out.RefreshToken, out.ExpiresIn, out.LocalID)
	if err != nil {
		return Credentials{}, &AuthenticationError{AccountID: account.ID, Op: "authenticate", Err: err}
	}
	creds.Store = cookiesFrom(resp)

	log.Debug().
		Str("account", account.ID).
		Str("user_id", creds.UserID).
		Time("expires_at", creds.ExpiresAt).
		Msg("Identity sign-in succeeded")

	return creds, nil
}

// Refresh implements Authenticator.
func (a *IdentityAuthenticator) Refresh(ctx context.Context, creds Credentials) (Credentials, error) {
	if creds.RefreshToken == "" {
		return Credentials{}, &AuthenticationError{Op: "refresh", Message: "no refresh token"}
	}
	endpoint := a.tokenURL + "/v1/token?key=" + url.QueryEscape(a.apiKey)

	var out refreshResponse
	if _, err := a.post(ctx, endpoint, refreshRequest{
		GrantType:    "refresh_token",
		RefreshToken: creds.RefreshToken,
	}, &out); err != nil {
		return Credentials{}, &AuthenticationError{Op: "refresh", Err: err}
	}

	fresh, err := credentialsFrom(out.IDToken, out.RefreshToken, out.ExpiresIn, out.UserID)
	if err != nil {
		return Credentials{}, &AuthenticationError{Op: "refresh", Err: err}
	}
	fresh.Store = creds.Store
	return fresh, nil
}

// Ping implements Pinger by looking up the account behind the token.
func (a *IdentityAuthenticator) Ping(ctx context.Context, creds Credentials) error {
	endpoint := a.identityURL + "/v1/accounts:lookup?key=" + url.QueryEscape(a.apiKey)

	var out lookupResponse
	if _, err := a.post(ctx, endpoint, lookupRequest{IDToken: creds.Token}, &out); err != nil {
		return err
	}
	if len(out.Users) == 0 {
		return fmt.Errorf("token lookup returned no user")
	}
	return nil
}

func (a *IdentityAuthenticator) post(ctx context.Context, endpoint string, body, out interface{}) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("network error: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var ie identityError
		msg := "unknown error"
		if json.Unmarshal(data, &ie) == nil && ie.Error.Message != "" {
			msg = ie.Error.Message
		}
		return resp, fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return resp, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp, nil
}

func credentialsFrom(token, refresh, expiresIn, userID string) (Credentials, error) {
	if token == "" {
		return Credentials{}, fmt.Errorf("response carried no token")
	}
	creds := Credentials{Token: token, RefreshToken: refresh, UserID: userID}
	if expiresIn != "" {
		secs, err := strconv.Atoi(expiresIn)
		if err != nil {
			return Credentials{}, fmt.Errorf("invalid expiresIn %q: %w", expiresIn, err)
		}
		creds.ExpiresAt = time.Now().Add(time.Duration(secs) * time.Second)
	}
	return creds, nil
}

func cookiesFrom(resp *http.Response) map[string]string {
	if resp == nil {
		return nil
	}
	cookies := resp.Cookies()
	if len(cookies) == 0 {
		return nil
	}
	store := make(map[string]string, len(cookies))
	for _, c := range cookies {
		store[c.Name] = c.Value
	}
	return store
}
