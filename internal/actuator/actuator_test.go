package actuator

import (
	"errors"
	"testing"
)

var _ Actuator = (*Fake)(nil)
var _ Actuator = (*GPIO)(nil)

func TestFakeRecordsCalls(t *testing.T) {
	f := &Fake{}

	if err := f.Set(true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.Engaged {
		t.Error("expected engaged")
	}
	if err := f.Set(false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.Calls) != 2 || f.Calls[0] != true || f.Calls[1] != false {
		t.Errorf("unexpected calls: %v", f.Calls)
	}
}

func TestFakeSetError(t *testing.T) {
	f := &Fake{SetError: errors.New("simulated error")}
	if err := f.Set(true); err == nil {
		t.Error("expected error to be returned")
	}
	if f.Engaged {
		t.Error("failed set should not change state")
	}
}

func TestFakeCloseReleases(t *testing.T) {
	f := &Fake{}
	f.Set(true)
	if err := f.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if f.Engaged || !f.Closed {
		t.Errorf("expected released and closed, got engaged=%v closed=%v", f.Engaged, f.Closed)
	}
}
