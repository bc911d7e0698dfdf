package model

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFromCountsNormalises(t *testing.T) {
	t.Parallel()

	var counts [Hours]int
	counts[3] = 1
	counts[14] = 6
	counts[20] = 3
	m, ok := FromCounts(counts)
	if !ok {
		t.Fatal("expected a model")
	}
	if math.Abs(m.Sum()-1) > 1e-9 {
		t.Fatalf("weights sum to %v", m.Sum())
	}
	top := m.Top(2)
	if len(top) != 2 || top[0].Hour != 14 || top[1].Hour != 20 {
		t.Fatalf("unexpected top hours %+v", top)
	}
	if _, ok := FromCounts([Hours]int{}); ok {
		t.Fatal("no events should produce no model")
	}
}

func TestTopSkipsEmptyHours(t *testing.T) {
	t.Parallel()

	var counts [Hours]int
	counts[14] = 10
	m, _ := FromCounts(counts)
	if top := m.Top(5); len(top) != 1 || top[0].Weight != 1 {
		t.Fatalf("expected only hour 14, got %+v", top)
	}
}

func TestArtifactSaveLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "models", "hour_model.json")

	missing, err := Load(path)
	if err != nil || len(missing.Retailers) != 0 {
		t.Fatalf("missing artifact should load empty: %+v %v", missing, err)
	}

	var counts [Hours]int
	counts[14] = 10
	m, _ := FromCounts(counts)
	snap := &Snapshot{
		Version:     ArtifactVersion,
		TrainedAt:   time.Date(2026, 3, 1, 3, 15, 0, 0, time.UTC),
		HorizonDays: 30,
		Retailers:   map[string]RetailerHourModel{"best-buy": m},
	}
	if err := Save(path, snap); err != nil {
		t.Fatalf("save: %v", err)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got, ok := loaded.Retailer("best-buy")
	if !ok || got.Weights[14] != 1 || got.TotalEvents != 10 || !loaded.TrainedAt.Equal(snap.TrainedAt) {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}
}

func TestRegistryPublish(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	if r.Current() == nil || len(r.Current().Retailers) != 0 {
		t.Fatal("registry should start empty")
	}
	next := &Snapshot{Retailers: map[string]RetailerHourModel{"target": {TotalEvents: 1}}}
	r.Publish(next)
	r.Publish(nil)
	if r.Current() != next {
		t.Fatal("publish should swap the snapshot and ignore nil")
	}
}

func TestCalibrationDefaultsAndFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "calibration.yaml")

	c, err := LoadCalibration(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Trusted || c.A != 1 || c.B != 0 {
		t.Fatalf("default calibration should be a=1 b=0 and untrusted: %+v", c)
	}
	if p := c.Probability([FeatureCount]float64{}); p != 0.5 {
		t.Fatalf("zero features with default calibration should give 0.5, got %v", p)
	}

	if err := os.WriteFile(path, []byte("a: 4\nb: -2\ntrusted: true\nsamples: 120\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err = LoadCalibration(path)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Trusted || c.A != 4 || c.B != -2 || c.Samples != 120 {
		t.Fatalf("file values not applied: %+v", c)
	}
	if c.Weights[0] != 1.0/FeatureCount {
		t.Fatalf("weights should keep defaults when omitted: %v", c.Weights)
	}
}
