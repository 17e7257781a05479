package brainfill

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"

	"brainfill/internal/artifacts"
	"brainfill/internal/brain"
	"brainfill/internal/locs"
)

var lattice = locs.Set{
	{X: 0, Y: 0, Z: 0}, {X: 5, Y: 0, Z: 0}, {X: 10, Y: 0, Z: 0},
	{X: 0, Y: 5, Z: 0}, {X: 5, Y: 5, Z: 0}, {X: 10, Y: 5, Z: 0},
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := New(Options{
		StoreKind:    "memory",
		ArtifactsDir: filepath.Join(t.TempDir(), "reconstructions"),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

func correlatedSubject(t *testing.T, rng *rand.Rand, samples int, locations locs.Set) *brain.Subject {
	t.Helper()
	data := mat.NewDense(samples, len(locations), nil)
	for i := 0; i < samples; i++ {
		shared := rng.NormFloat64()
		for j := range locations {
			data.Set(i, j, shared+rng.NormFloat64())
		}
	}
	s, err := brain.New(data, locations)
	if err != nil {
		t.Fatalf("new subject: %v", err)
	}
	return s
}

func fitLatticeModel(t *testing.T, client *Client) string {
	t.Helper()
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(11, 12))
	var ids []string
	for i, set := range []locs.Set{lattice[:4], lattice[2:]} {
		summary, err := client.SaveSubject(ctx, "", "", correlatedSubject(t, rng, 40, set))
		if err != nil {
			t.Fatalf("save subject %d: %v", i, err)
		}
		ids = append(ids, summary.ID)
	}
	summary, err := client.FitModel(ctx, FitRequest{
		ID:                "lattice",
		SubjectIDs:        ids,
		KurtosisThreshold: brain.Threshold(100),
	})
	if err != nil {
		t.Fatalf("fit model: %v", err)
	}
	if summary.Locations != len(lattice) || summary.Subjects != 2 {
		t.Fatalf("unexpected model summary: %+v", summary)
	}
	return summary.ID
}

func TestClientImportSubject(t *testing.T) {
	client := newTestClient(t)
	dir := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return path
	}

	summary, err := client.ImportSubject(context.Background(), ImportRequest{
		ID:         "s1",
		Timeseries: write("data.csv", "1,2\n2,1\n3,5\n"),
		Locations:  write("locs.csv", "0,0,0\n5,0,0\n"),
	})
	if err != nil {
		t.Fatalf("import subject: %v", err)
	}
	if summary.ID != "s1" || summary.Channels != 2 || summary.Samples != 3 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	s, err := client.Subject(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get subject: %v", err)
	}
	if s.Data().At(2, 1) != 5 {
		t.Fatalf("unexpected subject data: %v", s.Data().RawMatrix().Data)
	}

	list, err := client.Subjects(context.Background())
	if err != nil {
		t.Fatalf("list subjects: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one subject, got %+v", list)
	}
}

func TestClientMissingRecords(t *testing.T) {
	client := newTestClient(t)
	if _, err := client.Subject(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for subject, got %v", err)
	}
	if _, err := client.Estimate(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for model, got %v", err)
	}
	if _, err := client.FitModel(context.Background(), FitRequest{}); err == nil {
		t.Fatal("expected error fitting without subjects")
	}
}

func TestClientFitUpdateAndEstimate(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	modelID := fitLatticeModel(t, client)

	first, err := client.Estimate(ctx, modelID)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	first.Set(0, 1, 42)
	second, err := client.Estimate(ctx, modelID)
	if err != nil {
		t.Fatalf("estimate again: %v", err)
	}
	if second.At(0, 1) == 42 {
		t.Fatal("cached estimate was mutated through a returned matrix")
	}
	if second.At(0, 0) != 0 || second.At(0, 1) != second.At(1, 0) {
		t.Fatalf("estimate is not a symmetric zero-diagonal matrix: %v", mat.Formatted(second))
	}

	rng := rand.New(rand.NewPCG(21, 22))
	extra, err := client.SaveSubject(ctx, "extra", "", correlatedSubject(t, rng, 40, lattice[1:5]))
	if err != nil {
		t.Fatalf("save extra subject: %v", err)
	}
	updated, err := client.UpdateModel(ctx, UpdateRequest{
		ModelID:           modelID,
		NewID:             "lattice-v2",
		SubjectIDs:        []string{extra.ID},
		KurtosisThreshold: brain.Threshold(100),
	})
	if err != nil {
		t.Fatalf("update model: %v", err)
	}
	if updated.ID != "lattice-v2" || updated.Subjects != 3 {
		t.Fatalf("unexpected updated summary: %+v", updated)
	}

	original, err := client.ModelInfo(ctx, modelID)
	if err != nil {
		t.Fatalf("model info: %v", err)
	}
	if original.Subjects != 2 {
		t.Fatalf("original model changed: %+v", original)
	}

	models, err := client.Models(ctx)
	if err != nil {
		t.Fatalf("list models: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("expected two models, got %+v", models)
	}

	if err := client.DeleteModel(ctx, "lattice-v2"); err != nil {
		t.Fatalf("delete model: %v", err)
	}
	if _, err := client.Estimate(ctx, "lattice-v2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted model to be gone, got %v", err)
	}
}

func TestClientPredict(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	modelID := fitLatticeModel(t, client)

	rng := rand.New(rand.NewPCG(31, 32))
	if _, err := client.SaveSubject(ctx, "target", "", correlatedSubject(t, rng, 30, lattice[:2])); err != nil {
		t.Fatalf("save target: %v", err)
	}

	pred, err := client.Predict(ctx, PredictRequest{
		ModelID:           modelID,
		SubjectID:         "target",
		KurtosisThreshold: brain.Threshold(100),
		End:               20,
	})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if pred.NumReconstructed != 4 || pred.NumObserved != 2 {
		t.Fatalf("unexpected prediction: reconstructed=%d observed=%d", pred.NumReconstructed, pred.NumObserved)
	}
	if pred.Subject.NumSamples() != 20 || pred.Subject.NumChannels() != len(lattice) {
		t.Fatalf("unexpected prediction shape: %+v", pred.Subject.Info())
	}
}

func TestClientReconstructWritesAndSkips(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	modelID := fitLatticeModel(t, client)

	rng := rand.New(rand.NewPCG(41, 42))
	if _, err := client.SaveSubject(ctx, "target", "", correlatedSubject(t, rng, 40, lattice[:3])); err != nil {
		t.Fatalf("save target: %v", err)
	}

	req := ReconstructRequest{SubjectID: "target", ModelID: modelID, KurtosisThreshold: brain.Threshold(100)}
	summary, err := client.Reconstruct(ctx, req)
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if summary.Status != StatusWritten || summary.Reconstructed != 3 || summary.Observed != 3 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	written, ok, err := artifacts.ReadReconstruction(client.artifactsDir, summary.RunID)
	if err != nil || !ok {
		t.Fatalf("read reconstruction: ok=%v err=%v", ok, err)
	}
	rows, cols := written.Timeseries.Dims()
	if rows != defaultWindowEnd || cols != len(lattice) {
		t.Fatalf("unexpected timeseries dims: %dx%d", rows, cols)
	}
	if len(written.Locations.Reference) != len(lattice) || written.Config.End != defaultWindowEnd {
		t.Fatalf("unexpected artifact: %+v", written.Config)
	}

	again, err := client.Reconstruct(ctx, req)
	if err != nil {
		t.Fatalf("reconstruct again: %v", err)
	}
	if again.Status != StatusExists || again.Message != "reconstruction exists" {
		t.Fatalf("expected skip, got %+v", again)
	}

	runs, err := client.Runs(ctx, 0)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != summary.RunID {
		t.Fatalf("unexpected run index: %+v", runs)
	}
}

func TestClientReconstructNotEnoughElectrodes(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	modelID := fitLatticeModel(t, client)

	data := mat.NewDense(40, 2, nil)
	rng := rand.New(rand.NewPCG(51, 52))
	for i := 0; i < 40; i++ {
		data.Set(i, 0, rng.NormFloat64())
	}
	data.Set(39, 1, 100)
	s, err := brain.New(data, lattice[:2])
	if err != nil {
		t.Fatalf("new subject: %v", err)
	}
	if _, err := client.SaveSubject(ctx, "spiky", "", s); err != nil {
		t.Fatalf("save subject: %v", err)
	}

	summary, err := client.Reconstruct(ctx, ReconstructRequest{SubjectID: "spiky", ModelID: modelID})
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if summary.Status != StatusInsufficient || summary.Message != "not enough electrodes pass k = 10" {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	exists, err := artifacts.Exists(client.artifactsDir, summary.RunID)
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists {
		t.Fatal("expected nothing written")
	}

	// an explicit zero is a threshold, not the default
	summary, err = client.Reconstruct(ctx, ReconstructRequest{
		SubjectID:         "spiky",
		ModelID:           modelID,
		KurtosisThreshold: brain.Threshold(0),
	})
	if err != nil {
		t.Fatalf("reconstruct k=0: %v", err)
	}
	if summary.Message != "not enough electrodes pass k = 0" || !strings.Contains(summary.RunID, "_k0_") {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}
