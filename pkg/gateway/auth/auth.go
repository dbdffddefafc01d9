package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Principal is the signed-in user a request acts for.
type Principal struct {
	UserID string
	Email  string
	Role   string
}

// ErrInvalidToken is returned by verifiers for tokens that do not identify a
// user. Other errors mean verification itself could not be performed.
var ErrInvalidToken = errors.New("invalid session token")

// Verifier resolves a bearer token to a principal.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Principal, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, token string) (*Principal, error)

func (f VerifierFunc) Verify(ctx context.Context, token string) (*Principal, error) {
	return f(ctx, token)
}

// Chain tries each verifier in order and returns the first principal. A
// verifier answering ErrInvalidToken passes the token on to the next one.
type Chain []Verifier

func (c Chain) Verify(ctx context.Context, token string) (*Principal, error) {
	var lastErr error = ErrInvalidToken
	for _, v := range c {
		if v == nil {
			continue
		}
		p, err := v.Verify(ctx, token)
		if err == nil && p != nil {
			return p, nil
		}
		if err != nil {
			lastErr = err
		}
	}
	return nil, lastErr
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// SessionSource produces the caller's session once it is known. It may block
// until the session is established and must honour ctx.
type SessionSource interface {
	Session(ctx context.Context) (*Principal, error)
}

// SessionSourceFunc adapts a function to SessionSource.
type SessionSourceFunc func(ctx context.Context) (*Principal, error)

func (f SessionSourceFunc) Session(ctx context.Context) (*Principal, error) {
	return f(ctx)
}

// AwaitSessionReady waits at most timeout for source to yield a session.
// It returns the principal, or nil when no valid session appeared in time.
// The error is non-nil only when source failed for a reason other than an
// invalid token or the deadline, so callers can log it.
func AwaitSessionReady(ctx context.Context, source SessionSource, timeout time.Duration) (*Principal, error) {
	if source == nil {
		return nil, nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		p   *Principal
		err error
	}
	done := make(chan result, 1)
	go func() {
		p, err := source.Session(ctx)
		done <- result{p: p, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, nil
	case res := <-done:
		switch {
		case res.err == nil:
			return res.p, nil
		case errors.Is(res.err, ErrInvalidToken),
			errors.Is(res.err, context.DeadlineExceeded),
			errors.Is(res.err, context.Canceled):
			return nil, nil
		default:
			return nil, res.err
		}
	}
}
