/* SPDX-License-Identifier: BSD-2-Clause */

package rangefs

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testRetryConfig() Config {
	cfg, err := NewConfig(
		WithRetryMaxAttempts(3),
		WithRetryInitialBackoff(time.Millisecond),
		WithRetryMaxBackoff(5*time.Millisecond),
		WithRetryBackoffMultiplier(2),
		WithRetryJitterFraction(0),
	)
	if err != nil {
		panic(err)
	}
	return cfg
}

func TestRetryControllerRetriesTransientThenSucceeds(t *testing.T) {
	r := newRetryController(testRetryConfig())

	attempts := 0
	err := r.do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return transientErr(errors.New("temporary"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestRetryControllerStopsOnPermanentError(t *testing.T) {
	r := newRetryController(testRetryConfig())

	attempts := 0
	err := r.do(context.Background(), func(ctx context.Context) error {
		attempts++
		return permanentErr(errors.New("nope"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if KindOf(err) != KindNetwork {
		t.Fatalf("Kind = %v, want KindNetwork", KindOf(err))
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (no retry on permanent failure)", attempts)
	}
}

func TestRetryControllerClassifiesProtocolError(t *testing.T) {
	r := newRetryController(testRetryConfig())

	attempts := 0
	err := r.do(context.Background(), func(ctx context.Context) error {
		attempts++
		return protocolErr(errors.New("bad range response"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if KindOf(err) != KindProtocol {
		t.Fatalf("Kind = %v, want KindProtocol", KindOf(err))
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestRetryControllerExhaustsAttemptsAsNetwork(t *testing.T) {
	r := newRetryController(testRetryConfig())

	attempts := 0
	err := r.do(context.Background(), func(ctx context.Context) error {
		attempts++
		return transientErr(errors.New("still down"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if KindOf(err) != KindNetwork {
		t.Fatalf("Kind = %v, want KindNetwork", KindOf(err))
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3 (RetryMaxAttempts)", attempts)
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := map[int]failureClass{
		500: classTransient,
		503: classTransient,
		429: classTransient,
		408: classTransient,
		501: classPermanent,
		404: classPermanent,
		400: classPermanent,
	}
	for status, want := range cases {
		if got := classifyStatus(status); got != want {
			t.Errorf("classifyStatus(%d) = %v, want %v", status, got, want)
		}
	}
}
