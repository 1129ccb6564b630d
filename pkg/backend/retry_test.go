package backend

import (
	"context"
	"testing"
)

// flaky fails its first n calls with the given kind, then succeeds.
type flaky struct {
	failures int
	kind     Kind
	calls    int
}

func (f *flaky) Name() string { return "flaky" }

func (f *flaky) Think(context.Context, Request) (*Result, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, Errorf(f.kind, "induced failure %d", f.calls)
	}
	return &Result{Text: "recovered"}, nil
}

func TestRetryRecoversFromTransient(t *testing.T) {
	b := &flaky{failures: 2, kind: KindTransient}
	res, err := WithRetry(b, nil).Think(context.Background(), Request{})
	if err != nil {
		t.Fatalf("think: %v", err)
	}
	if res.Text != "recovered" || b.calls != 3 {
		t.Fatalf("res=%+v calls=%d, want recovery on third call", res, b.calls)
	}
}

func TestRetryGivesUpAfterBudget(t *testing.T) {
	b := &flaky{failures: 10, kind: KindTransient}
	_, err := WithRetry(b, nil).Think(context.Background(), Request{})
	if err == nil {
		t.Fatal("expected failure after retry budget")
	}
	if b.calls != 3 {
		t.Fatalf("calls = %d, want 3 (initial + 2 retries)", b.calls)
	}
	if KindOf(err) != KindTransient {
		t.Errorf("kind = %s, want transient", KindOf(err))
	}
}

func TestRetrySkipsPermanent(t *testing.T) {
	b := &flaky{failures: 10, kind: KindPermanent}
	_, err := WithRetry(b, nil).Think(context.Background(), Request{})
	if err == nil {
		t.Fatal("expected failure")
	}
	if b.calls != 1 {
		t.Fatalf("calls = %d, permanent failures must not retry", b.calls)
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := &flaky{failures: 10, kind: KindTransient}
	_, err := WithRetry(b, nil).Think(ctx, Request{})
	if err == nil {
		t.Fatal("expected failure")
	}
	if b.calls > 1 {
		t.Fatalf("calls = %d, canceled context must not keep retrying", b.calls)
	}
}
