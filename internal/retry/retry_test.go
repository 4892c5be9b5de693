package retry

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	apperrors "github.com/mpz/devops/tools/aurora-restore-pipeline/internal/errors"
)

func testPolicy(slept *[]time.Duration) Policy {
	return Policy{
		BaseDelay:   4 * time.Second,
		MaxDelay:    60 * time.Second,
		MaxAttempts: 10,
		Sleep: func(_ context.Context, d time.Duration) error {
			*slept = append(*slept, d)
			return nil
		},
	}
}

func TestDoSucceedsAfterTransientErrors(t *testing.T) {
	var slept []time.Duration
	p := testPolicy(&slept)

	calls := 0
	err := p.Do(context.Background(), nil, "copy", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.Mark(errors.New("throttled"), apperrors.ErrTransient)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(slept) != 2 || slept[0] != 4*time.Second || slept[1] != 8*time.Second {
		t.Errorf("slept = %v", slept)
	}
}

func TestDoStopsOnNonTransient(t *testing.T) {
	var slept []time.Duration
	p := testPolicy(&slept)

	calls := 0
	fatal := errors.New("access denied")
	err := p.Do(context.Background(), nil, "copy", func(context.Context) error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Errorf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if len(slept) != 0 {
		t.Errorf("slept = %v, want none", slept)
	}
}

func TestDoExhaustsBudget(t *testing.T) {
	var slept []time.Duration
	p := testPolicy(&slept)

	calls := 0
	err := p.Do(context.Background(), nil, "copy", func(context.Context) error {
		calls++
		return errors.Mark(errors.New("throttled"), apperrors.ErrTransient)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 10 {
		t.Errorf("calls = %d, want 10", calls)
	}
	// Delays double from 4s and cap at 60s.
	want := []time.Duration{4, 8, 16, 32, 60, 60, 60, 60, 60}
	if len(slept) != len(want) {
		t.Fatalf("slept %d times, want %d", len(slept), len(want))
	}
	for i, w := range want {
		if slept[i] != w*time.Second {
			t.Errorf("slept[%d] = %v, want %vs", i, slept[i], w)
		}
	}
}

func TestClassify(t *testing.T) {
	if err := Classify(nil); err != nil {
		t.Errorf("Classify(nil) = %v", err)
	}
	throttle := errors.New("api error ThrottlingException: rate exceeded")
	if !apperrors.IsTransient(Classify(throttle)) {
		t.Error("throttle error should classify transient")
	}
	denied := errors.New("api error AccessDenied: not authorized")
	if apperrors.IsTransient(Classify(denied)) {
		t.Error("access denied should not classify transient")
	}
}
