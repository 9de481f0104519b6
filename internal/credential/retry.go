package credential

import (
	"context"
)

// Do invokes fn with a fresh token, retrying exactly once after a
// forced refresh when the failure is credential-shaped. Billing
// failures propagate immediately: retrying cannot change a billing
// outcome. A second auth failure after the retry is fatal.
func Do[T any](ctx context.Context, m *Mutex, fn func(ctx context.Context, tok Token) (T, error)) (T, error) {
	var zero T

	tok, err := m.Token(ctx)
	if err != nil {
		return zero, err
	}

	v, err := fn(ctx, tok)
	if err == nil {
		return v, nil
	}
	if IsBilling(err) || !IsAuth(err) {
		return v, err
	}

	tok, rerr := m.ForceRefresh(ctx)
	if rerr != nil {
		return zero, rerr
	}
	return fn(ctx, tok)
}
