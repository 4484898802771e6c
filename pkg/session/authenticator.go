package session

import "context"

// Authenticator exchanges account credentials for a session token.
type Authenticator interface {
	// Authenticate signs account in. Failures are *AuthenticationError.
	Authenticate(ctx context.Context, account Account) (Credentials, error)

	// Refresh extends the validity of creds.
	Refresh(ctx context.Context, creds Credentials) (Credentials, error)
}

// Pinger is implemented by authenticators that can verify a token is still
// accepted. The manager uses it as a keep-alive.
type Pinger interface {
	Ping(ctx context.Context, creds Credentials) error
}

// AuthenticatorFunc adapts plain functions to Authenticator.
type AuthenticatorFunc struct {
	AuthenticateFn func(ctx context.Context, account Account) (Credentials, error)
	RefreshFn      func(ctx context.Context, creds Credentials) (Credentials, error)
}

func (f AuthenticatorFunc) Authenticate(ctx context.Context, account Account) (Credentials, error) {
	return f.AuthenticateFn(ctx, account)
}

func (f AuthenticatorFunc) Refresh(ctx context.Context, creds Credentials) (Credentials, error) {
	if f.RefreshFn == nil {
		return Credentials{}, &AuthenticationError{Op: "refresh", Message: "refresh not supported"}
	}
	return f.RefreshFn(ctx, creds)
}
