package backend

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{Errorf(KindTransient, "overloaded"), KindTransient},
		{Errorf(KindPolicyBlocked, "refused"), KindPolicyBlocked},
		{fmt.Errorf("wrapped: %w", Errorf(KindTimeout, "slow")), KindTimeout},
		{context.DeadlineExceeded, KindTimeout},
		{context.Canceled, KindCanceled},
		{errors.New("something else"), KindPermanent},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("KindOf(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := map[int]Kind{
		408: KindTransient,
		429: KindTransient,
		500: KindTransient,
		503: KindTransient,
		401: KindPermanent,
		403: KindPermanent,
		404: KindPermanent,
		400: KindPermanent,
	}
	for status, want := range cases {
		if got := ClassifyStatus(status); got != want {
			t.Errorf("ClassifyStatus(%d) = %s, want %s", status, got, want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(KindTransient) {
		t.Errorf("transient should be retryable")
	}
	for _, k := range []Kind{KindPermanent, KindTimeout, KindCanceled, KindPolicyBlocked} {
		if IsRetryable(k) {
			t.Errorf("%s should not be retryable", k)
		}
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("socket closed")
	err := Wrap(KindTransient, "post chat", cause)
	if !errors.Is(err, cause) {
		t.Errorf("wrapped cause should be reachable via errors.Is")
	}
}
