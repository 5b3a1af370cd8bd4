package checkpoint

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hailam/tupletrain/internal/device"
	"github.com/hailam/tupletrain/internal/ntuple"
	"github.com/hailam/tupletrain/internal/storage"
)

func newNetwork(t *testing.T, patterns []ntuple.Pattern) *ntuple.Network {
	t.Helper()
	n, err := ntuple.New(patterns, 0)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func seededNetwork(t *testing.T, seed int64) *ntuple.Network {
	t.Helper()
	n := newNetwork(t, ntuple.DefaultPatterns())
	rng := rand.New(rand.NewSource(seed))
	tables := n.WeightTables()
	for _, table := range tables {
		for i := range table {
			table[i] = rng.NormFloat64() * 50
		}
	}
	if err := n.RestoreWeights(tables); err != nil {
		t.Fatal(err)
	}
	return n
}

func nopLogger() zerolog.Logger { return zerolog.Nop() }

func testStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.OpenFiles(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// TestSaveLoadRoundTrip: a saved snapshot restores episode, learning
// rate and weights exactly.
func TestSaveLoadRoundTrip(t *testing.T) {
	n := seededNetwork(t, 101)
	store := testStore(t)
	runID := uuid.New()

	snap := Capture(runID, 4200, 91000, 0.0125,
		[]float64{1024, 2048, 512}, map[uint8]uint64{11: 37, 12: 4},
		n, DeviceState{BatchSize: 96, PendingGradSteps: 0})

	if err := Save(store, "train", snap); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(store, "train")
	if err != nil {
		t.Fatal(err)
	}

	if loaded.RunID != runID {
		t.Errorf("RunID = %v, want %v", loaded.RunID, runID)
	}
	if loaded.Episode != 4200 || loaded.TotalSteps != 91000 {
		t.Errorf("Episode/TotalSteps = %d/%d", loaded.Episode, loaded.TotalSteps)
	}
	if loaded.LearningRate != 0.0125 {
		t.Errorf("LearningRate = %v, want 0.0125", loaded.LearningRate)
	}
	if len(loaded.RecentScores) != 3 || loaded.RecentScores[1] != 2048 {
		t.Errorf("RecentScores = %v", loaded.RecentScores)
	}
	if loaded.Milestones[11] != 37 || loaded.Milestones[12] != 4 {
		t.Errorf("Milestones = %v", loaded.Milestones)
	}
	if loaded.Device.BatchSize != 96 {
		t.Errorf("BatchSize = %d, want 96", loaded.Device.BatchSize)
	}

	fresh := newNetwork(t, ntuple.DefaultPatterns())
	if err := loaded.Restore(fresh); err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewSource(55))
	for i := 0; i < 100; i++ {
		b := RandomValidationBoard(rng)
		if got, want := fresh.Evaluate(b), n.Evaluate(b); got != want {
			t.Fatalf("restored network evaluates %v, original %v", got, want)
		}
	}
}

func TestGradientBufferRoundTrip(t *testing.T) {
	n := seededNetwork(t, 7)
	store := testStore(t)

	grads := make([]float32, n.TotalWeights())
	grads[3] = 1.5
	grads[100] = -2

	snap := Capture(uuid.New(), 1, 2, 0.1, nil, nil, n,
		DeviceState{BatchSize: 8, PendingGradSteps: 1, Gradients: grads})
	if err := Save(store, "g", snap); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(store, "g")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Device.PendingGradSteps != 1 {
		t.Errorf("PendingGradSteps = %d", loaded.Device.PendingGradSteps)
	}
	if loaded.Device.Gradients[3] != 1.5 || loaded.Device.Gradients[100] != -2 {
		t.Error("gradient buffer did not round trip")
	}
}

func TestLoadMissing(t *testing.T) {
	store := testStore(t)
	if _, err := Load(store, "absent"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("error = %v, want storage.ErrNotFound", err)
	}
}

func TestLoadRejectsCorruption(t *testing.T) {
	n := seededNetwork(t, 9)
	store := testStore(t)
	snap := Capture(uuid.New(), 1, 1, 0.1, nil, nil, n, DeviceState{BatchSize: 4})
	if err := Save(store, "c", snap); err != nil {
		t.Fatal(err)
	}

	blob, err := store.ReadAll("c")
	if err != nil {
		t.Fatal(err)
	}
	blob[len(blob)-1] ^= 0xFF
	if err := store.WriteAtomic("c", blob); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(store, "c"); err == nil {
		t.Error("Load accepted a corrupted payload")
	}
}

// TestRestoreShapeMismatch: resuming into a different pattern shape is
// a hard failure.
func TestRestoreShapeMismatch(t *testing.T) {
	n := seededNetwork(t, 11)
	snap := Capture(uuid.New(), 1, 1, 0.1, nil, nil, n, DeviceState{})

	other := newNetwork(t, []ntuple.Pattern{{0, 1, 2, 3}})
	if err := snap.Restore(other); err == nil {
		t.Error("Restore accepted a network with different patterns")
	}

	same := newNetwork(t, ntuple.DefaultPatterns())
	if err := snap.Restore(same); err != nil {
		t.Errorf("Restore rejected a matching network: %v", err)
	}
}

func TestValidatePasses(t *testing.T) {
	n := seededNetwork(t, 13)
	eng := device.Open(device.SelectSoftware, 16, n, nopLogger())
	defer eng.Dispose()
	if err := eng.SyncWeights(n); err != nil {
		t.Fatal(err)
	}

	res, err := Validate(eng, n, DefaultValidationConfig(), rand.New(rand.NewSource(17)))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Passed {
		t.Errorf("validation failed: maxErr=%v consistency=%v", res.MaxError, res.MoveConsistency)
	}
	if res.Samples != 64 {
		t.Errorf("Samples = %d, want 64", res.Samples)
	}
}

// TestValidateCatchesStaleMirror: weights changed on the host without a
// sync must trip the error threshold.
func TestValidateCatchesStaleMirror(t *testing.T) {
	n := seededNetwork(t, 19)
	eng := device.Open(device.SelectSoftware, 16, n, nopLogger())
	defer eng.Dispose()
	if err := eng.SyncWeights(n); err != nil {
		t.Fatal(err)
	}

	// Drift the host weights far beyond the mirror.
	tables := n.WeightTables()
	for _, table := range tables {
		for i := range table {
			table[i] += 10
		}
	}
	if err := n.RestoreWeights(tables); err != nil {
		t.Fatal(err)
	}

	res, err := Validate(eng, n, DefaultValidationConfig(), rand.New(rand.NewSource(23)))
	if err != nil {
		t.Fatal(err)
	}
	if res.Passed {
		t.Error("validation passed against a stale mirror")
	}
	if res.MaxError < 1 {
		t.Errorf("MaxError = %v, expected a large drift", res.MaxError)
	}
}
