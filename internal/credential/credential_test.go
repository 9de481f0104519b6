package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pipali/pipali/internal/protocol"
)

func TestSingleFlightRefresh(t *testing.T) {
	var calls int64
	m := NewMutex(func(ctx context.Context) (Token, error) {
		n := atomic.AddInt64(&calls, 1)
		time.Sleep(20 * time.Millisecond) // widen the race window
		return Token{
			AccessToken: fmt.Sprintf("tok-%d", n),
			ExpiresAt:   time.Now().Add(time.Hour),
		}, nil
	})

	const callers = 10
	tokens := make([]Token, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.Token(context.Background())
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("upstream refresh called %d times, want 1", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i].AccessToken != "tok-1" {
			t.Fatalf("caller %d got %q, want tok-1", i, tokens[i].AccessToken)
		}
	}
}

func TestRefreshClearedOnFailure(t *testing.T) {
	var calls int64
	fail := atomic.Bool{}
	fail.Store(true)
	m := NewMutex(func(ctx context.Context) (Token, error) {
		atomic.AddInt64(&calls, 1)
		if fail.Load() {
			return Token{}, errors.New("upstream down")
		}
		return Token{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
	})

	if _, err := m.Token(context.Background()); err == nil {
		t.Fatal("expected first refresh to fail")
	}
	fail.Store(false)
	tok, err := m.Token(context.Background())
	if err != nil || tok.AccessToken != "tok" {
		t.Fatalf("second attempt: tok=%q err=%v", tok.AccessToken, err)
	}
	if got := atomic.LoadInt64(&calls); got != 2 {
		t.Fatalf("refresh calls = %d, want 2 (failed slot cleared)", got)
	}
}

func TestValidTokenSkipsRefresh(t *testing.T) {
	var calls int64
	m := NewMutex(func(ctx context.Context) (Token, error) {
		atomic.AddInt64(&calls, 1)
		return Token{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
	})

	for i := 0; i < 5; i++ {
		if _, err := m.Token(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("refresh calls = %d, want 1", got)
	}
}

func TestDoRetriesOnceOnAuthFailure(t *testing.T) {
	var refreshes int64
	m := NewMutex(func(ctx context.Context) (Token, error) {
		n := atomic.AddInt64(&refreshes, 1)
		return Token{AccessToken: fmt.Sprintf("tok-%d", n), ExpiresAt: time.Now().Add(time.Hour)}, nil
	})

	var attempts int
	got, err := Do(context.Background(), m, func(ctx context.Context, tok Token) (string, error) {
		attempts++
		if attempts == 1 {
			return "", &AuthError{Status: 401, Reason: "expired"}
		}
		return "ok:" + tok.AccessToken, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok:tok-2" {
		t.Fatalf("got %q, want ok:tok-2 (retried with refreshed token)", got)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestDoSecondAuthFailureIsFatal(t *testing.T) {
	m := NewMutex(func(ctx context.Context) (Token, error) {
		return Token{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
	})

	var attempts int
	_, err := Do(context.Background(), m, func(ctx context.Context, tok Token) (string, error) {
		attempts++
		return "", &AuthError{Status: 401, Reason: "still bad"}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want exactly 2 (no third try)", attempts)
	}
}

func TestDoNeverRetriesBilling(t *testing.T) {
	m := NewMutex(func(ctx context.Context) (Token, error) {
		return Token{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
	})

	var attempts int
	_, err := Do(context.Background(), m, func(ctx context.Context, tok Token) (string, error) {
		attempts++
		return "", &BillingError{Info: protocol.BillingError{Code: "credits_exhausted", Message: "out of credits"}}
	})
	if !IsBilling(err) {
		t.Fatalf("billing error lost: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (billing is never retried)", attempts)
	}
}

func TestClassification(t *testing.T) {
	if !IsAuth(&AuthError{Status: 401}) {
		t.Fatal("typed auth error not detected")
	}
	if !IsAuth(errors.New("request failed: 401 Unauthorized")) {
		t.Fatal("credential-shaped error body not detected")
	}
	if !IsBilling(errors.New("anthropic: insufficient credits")) {
		t.Fatal("billing-shaped error not detected")
	}
	if IsAuth(errors.New("connection refused")) || IsBilling(errors.New("connection refused")) {
		t.Fatal("plain error misclassified")
	}
	be, ok := AsBilling(fmt.Errorf("wrapped: %w", &BillingError{Info: protocol.BillingError{Code: "x"}}))
	if !ok || be.Info.Code != "x" {
		t.Fatal("AsBilling failed through wrapping")
	}
}
