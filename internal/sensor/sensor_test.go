package sensor

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFakeReaderReadRaw(t *testing.T) {
	f := NewFakeReader(map[string][]int{"flame": {1500, 800, 400}})

	for i, want := range []int{1500, 800, 400, 400} {
		got, err := f.ReadRaw("flame")
		if err != nil {
			t.Fatalf("read %d: unexpected error: %v", i, err)
		}
		if got != want {
			t.Errorf("read %d: expected %d, got %d", i, want, got)
		}
	}
	if f.Reads("flame") != 4 {
		t.Errorf("expected 4 reads, got %d", f.Reads("flame"))
	}

	f.Reset()
	if got, _ := f.ReadRaw("flame"); got != 1500 {
		t.Errorf("after reset: expected 1500, got %d", got)
	}
}

func TestFakeReaderErrors(t *testing.T) {
	f := NewFakeReader(map[string][]int{"flame": {1500}, "empty": {}})

	if _, err := f.ReadRaw("mq2"); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("expected ErrUnknownChannel, got %v", err)
	}
	if _, err := f.ReadRaw("empty"); err == nil {
		t.Error("expected error with no samples")
	}

	f.Errors["flame"] = errors.New("simulated error")
	if _, err := f.ReadRaw("flame"); err == nil || err.Error() != "simulated error" {
		t.Errorf("unexpected error: %v", err)
	}

	if err := f.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !f.Closed {
		t.Error("should be closed after Close()")
	}
}

func TestIIOReader(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "in_voltage0_raw")
	bad := filepath.Join(dir, "in_voltage1_raw")
	if err := os.WriteFile(good, []byte("1234\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bad, []byte("n/a\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewIIOReader([]Channel{
		{ID: "mq2", Source: SourceIIO, Path: good},
		{ID: "flame", Source: SourceIIO, Path: bad},
		{ID: "gone", Source: SourceIIO, Path: filepath.Join(dir, "missing")},
	})

	v, err := r.ReadRaw("mq2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 1234 {
		t.Errorf("expected 1234, got %d", v)
	}
	if _, err := r.ReadRaw("flame"); err == nil {
		t.Error("expected parse error")
	}
	if _, err := r.ReadRaw("gone"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
	if _, err := r.ReadRaw("temperature"); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("expected ErrUnknownChannel, got %v", err)
	}
}

func TestBankDispatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in_voltage0_raw")
	if err := os.WriteFile(path, []byte("900"), 0o644); err != nil {
		t.Fatal(err)
	}

	b, err := NewBank("", []Channel{
		{ID: "mq2", Source: SourceIIO, Path: path},
		{ID: "temperature", Source: SourceFixed, Value: 22},
	})
	if err != nil {
		t.Fatalf("NewBank: %v", err)
	}
	defer b.Close()

	if v, err := b.ReadRaw("mq2"); err != nil || v != 900 {
		t.Errorf("mq2: got %d, %v", v, err)
	}
	if v, err := b.ReadRaw("temperature"); err != nil || v != 22 {
		t.Errorf("temperature: got %d, %v", v, err)
	}
	if _, err := b.ReadRaw("flame"); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("expected ErrUnknownChannel, got %v", err)
	}
}

func TestBankRejectsUnknownSource(t *testing.T) {
	if _, err := NewBank("", []Channel{{ID: "x", Source: "spi"}}); err == nil {
		t.Error("expected error for unknown source")
	}
}

func TestSamplerLastKnownGood(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f := NewFakeReader(map[string][]int{"flame": {1500, 700}, "mq2": {2000}})
	chans := []Channel{
		{ID: "flame", Default: 4095},
		{ID: "mq2", Default: 4095},
	}
	s := NewSampler(f, chans, nil)

	got := s.Sample(now)
	if len(got) != 2 || got[0].Raw != 1500 || got[1].Raw != 2000 || got[0].Stale {
		t.Fatalf("unexpected first sample: %+v", got)
	}
	if !got[0].Time.Equal(now) {
		t.Errorf("expected reading time %v, got %v", now, got[0].Time)
	}

	f.Errors["flame"] = errors.New("adc timeout")
	got = s.Sample(now.Add(time.Second))
	if got[0].Raw != 1500 || !got[0].Stale {
		t.Errorf("expected stale last-good 1500, got %+v", got[0])
	}
	if got[1].Stale {
		t.Error("healthy channel should not be stale")
	}

	delete(f.Errors, "flame")
	got = s.Sample(now.Add(2 * time.Second))
	if got[0].Raw != 700 || got[0].Stale {
		t.Errorf("expected recovered 700, got %+v", got[0])
	}
	if s.Failures() != 1 {
		t.Errorf("expected 1 failure, got %d", s.Failures())
	}
}

func TestSamplerDefaultBeforeFirstGoodRead(t *testing.T) {
	f := NewFakeReader(map[string][]int{})
	s := NewSampler(f, []Channel{{ID: "flame", Default: 4095}}, nil)

	got := s.Sample(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	if got[0].Raw != 4095 || !got[0].Stale {
		t.Errorf("expected stale default 4095, got %+v", got[0])
	}
}
