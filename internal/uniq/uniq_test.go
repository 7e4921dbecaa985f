package uniq_test

import (
	"testing"

	"github.com/obango/obango/internal/domain"
	"github.com/obango/obango/internal/uniq"
)

func TestFingerprint_StableKeyOrdering(t *testing.T) {
	spec := &domain.UniqueSpec{Fields: []domain.UniqueField{domain.FieldWorker, domain.FieldArgs}}

	args1 := map[string]any{"b": 2, "a": 1}
	args2 := map[string]any{"a": 1, "b": 2}

	k1 := uniq.Fingerprint(spec, "SendEmail", "default", args1, nil, 0)
	k2 := uniq.Fingerprint(spec, "SendEmail", "default", args2, nil, 0)

	if k1 != k2 {
		t.Fatalf("fingerprint should be independent of map iteration order: %s != %s", k1, k2)
	}
}

func TestFingerprint_DiffersOnArgs(t *testing.T) {
	spec := &domain.UniqueSpec{Fields: []domain.UniqueField{domain.FieldWorker, domain.FieldArgs}}

	k1 := uniq.Fingerprint(spec, "SendEmail", "default", map[string]any{"id": 1}, nil, 0)
	k2 := uniq.Fingerprint(spec, "SendEmail", "default", map[string]any{"id": 2}, nil, 0)

	if k1 == k2 {
		t.Fatal("different args must produce different fingerprints")
	}
}

func TestFingerprint_KeysFilterIgnoresOtherArgs(t *testing.T) {
	spec := &domain.UniqueSpec{
		Fields: []domain.UniqueField{domain.FieldWorker, domain.FieldArgs},
		Keys:   []string{"id"},
	}

	k1 := uniq.Fingerprint(spec, "W", "q", map[string]any{"id": 1, "trace": "a"}, nil, 0)
	k2 := uniq.Fingerprint(spec, "W", "q", map[string]any{"id": 1, "trace": "b"}, nil, 0)

	if k1 != k2 {
		t.Fatal("keys filter should make unrelated args not participate in the fingerprint")
	}
}

func TestFingerprint_PeriodBucketChangesFingerprint(t *testing.T) {
	spec := &domain.UniqueSpec{Fields: []domain.UniqueField{domain.FieldWorker}, Period: 60}

	k1 := uniq.Fingerprint(spec, "W", "q", nil, nil, 100)
	k2 := uniq.Fingerprint(spec, "W", "q", nil, nil, 101)

	if k1 == k2 {
		t.Fatal("different buckets must yield different fingerprints when period is set")
	}
}

func TestFingerprint_ZeroPeriodIgnoresBucket(t *testing.T) {
	spec := &domain.UniqueSpec{Fields: []domain.UniqueField{domain.FieldWorker}}

	k1 := uniq.Fingerprint(spec, "W", "q", nil, nil, 100)
	k2 := uniq.Fingerprint(spec, "W", "q", nil, nil, 999)

	if k1 != k2 {
		t.Fatal("unbounded period (0) must ignore the bucket term entirely")
	}
}

func TestEncodeDecodeGroup_RoundTrip(t *testing.T) {
	states := []domain.State{domain.Available, domain.Executing, domain.Retryable}
	bmp := uniq.EncodeGroup(states)

	decoded := uniq.DecodeGroup(bmp)
	if len(decoded) != len(states) {
		t.Fatalf("round trip lost states: got %v", decoded)
	}
	for _, s := range states {
		if !uniq.InGroup(bmp, s) {
			t.Fatalf("expected %s to be in group", s)
		}
	}
	if uniq.InGroup(bmp, domain.Completed) {
		t.Fatal("completed was never added to the group")
	}
}

func TestInGroup_SuspendedNeverParticipates(t *testing.T) {
	bmp := uniq.EncodeGroup([]domain.State{domain.Available, domain.Scheduled, domain.Executing,
		domain.Retryable, domain.Completed, domain.Discarded, domain.Cancelled})
	if uniq.InGroup(bmp, domain.Suspended) {
		t.Fatal("suspended must never be representable in the bitmap")
	}
}
