package predict

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"

	"fluxpredict/adapter"
	"fluxpredict/diffusion"
	"fluxpredict/logging"
	"fluxpredict/safety"
	"fluxpredict/transfer"
	"fluxpredict/weights"
)

// scriptedClassifier returns the next flag of script for every image it sees.
type scriptedClassifier struct {
	script []bool
	calls  int
}

func (c *scriptedClassifier) Name() string { return "scripted" }

func (c *scriptedClassifier) Load(ctx context.Context, opts safety.LoadOptions) error { return nil }

func (c *scriptedClassifier) Classify(ctx context.Context, b safety.Batch) ([]bool, error) {
	flags := make([]bool, len(b.Pixels))
	for i := range flags {
		flags[i] = c.script[c.calls%len(c.script)]
		c.calls++
	}
	return flags, nil
}

func acceptAll() *scriptedClassifier {
	return &scriptedClassifier{script: []bool{false}}
}

// failingTransfer fails every download.
type failingTransfer struct{}

func (failingTransfer) Name() string { return "failing" }

func (failingTransfer) FetchArchive(ctx context.Context, url, dest string, opts ...transfer.Option) error {
	return errors.New("offline")
}

func (failingTransfer) FetchFile(ctx context.Context, url, dest string, opts ...transfer.Option) error {
	return errors.New("offline")
}

type harness struct {
	predictor *Predictor
	pipeline  *diffusion.Pipeline
	outputDir string
}

func newHarness(t *testing.T, classifier safety.Classifier) *harness {
	t.Helper()
	logger := logging.FromZap(zaptest.NewLogger(t))
	root := t.TempDir()

	manifest := &weights.Manifest{Bundles: []weights.Bundle{
		{Name: weights.BundleSafety, URL: "https://example.com/safety.tar", Dest: filepath.Join(root, "safety-cache")},
		{Name: weights.BundleDiffusion, URL: "https://example.com/model.tar", Dest: filepath.Join(root, "checkpoints")},
	}}
	for _, b := range manifest.Bundles {
		if err := os.MkdirAll(b.Dest, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	pipeline := diffusion.NewPipeline(diffusion.NewProceduralBackend(), logger)
	outputDir := filepath.Join(root, "outputs")
	p := New(
		pipeline,
		safety.NewChecker(classifier, logger),
		adapter.NewResolver(failingTransfer{}, filepath.Join(root, "scratch"), logger),
		weights.NewProvisioner(failingTransfer{}, logger),
		Options{
			OutputDir:           outputDir,
			FeatureExtractorDir: filepath.Join(root, "feature-extractor"),
			Device:              "cpu",
			Manifest:            manifest,
			Load:                diffusion.LoadOptions{Source: "black-forest-labs/FLUX.1-dev", Precision: diffusion.BFloat16},
		},
		logger,
	)
	if err := p.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	return &harness{predictor: p, pipeline: pipeline, outputDir: outputDir}
}

func testRequest(n int) Request {
	req := DefaultRequest()
	req.Prompt = "a lighthouse at dusk"
	req.NumOutputs = n
	req.NumInferenceSteps = 4
	req.OutputFormat = FormatPNG
	seed := int64(42)
	req.Seed = &seed
	return req
}

func listOutputs(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestSetup_Status(t *testing.T) {
	h := newHarness(t, acceptAll())
	if got := h.predictor.Status(); got != StatusReady {
		t.Errorf("Status = %s, want READY", got)
	}
	if os.Getenv(OfflineEnv) != "1" {
		t.Errorf("%s not forced to 1", OfflineEnv)
	}
}

func TestSetup_ProvisioningFailure(t *testing.T) {
	logger := logging.FromZap(zaptest.NewLogger(t))
	root := t.TempDir()
	p := New(
		diffusion.NewPipeline(diffusion.NewProceduralBackend(), logger),
		safety.NewChecker(acceptAll(), logger),
		adapter.NewResolver(failingTransfer{}, root, logger),
		weights.NewProvisioner(failingTransfer{}, logger),
		Options{
			OutputDir: filepath.Join(root, "outputs"),
			Manifest: &weights.Manifest{Bundles: []weights.Bundle{
				{Name: weights.BundleSafety, URL: "https://example.com/safety.tar", Dest: filepath.Join(root, "safety-cache")},
				{Name: weights.BundleDiffusion, URL: "https://example.com/model.tar", Dest: filepath.Join(root, "checkpoints")},
			}},
		},
		logger,
	)

	err := p.Setup(context.Background())
	if !errors.Is(err, weights.ErrTransferFailed) {
		t.Fatalf("Setup error = %v, want ErrTransferFailed", err)
	}
	if got := p.Status(); got != StatusSetupFailed {
		t.Errorf("Status = %s, want SETUP_FAILED", got)
	}
	if _, err := p.Predict(context.Background(), testRequest(1), nil); !errors.Is(err, ErrNotReady) {
		t.Errorf("Predict error = %v, want ErrNotReady", err)
	}
}

func TestSetup_WithoutChecker(t *testing.T) {
	logger := logging.FromZap(zaptest.NewLogger(t))
	root := t.TempDir()
	checkpoints := filepath.Join(root, "checkpoints")
	if err := os.MkdirAll(checkpoints, 0o755); err != nil {
		t.Fatal(err)
	}
	outputDir := filepath.Join(root, "outputs")
	p := New(
		diffusion.NewPipeline(diffusion.NewProceduralBackend(), logger),
		nil,
		adapter.NewResolver(failingTransfer{}, root, logger),
		weights.NewProvisioner(failingTransfer{}, logger),
		Options{
			OutputDir: outputDir,
			Manifest: &weights.Manifest{Bundles: []weights.Bundle{
				{Name: weights.BundleDiffusion, URL: "https://example.com/model.tar", Dest: checkpoints},
			}},
			Load: diffusion.LoadOptions{Source: "black-forest-labs/FLUX.1-dev"},
		},
		logger,
	)
	if err := p.Setup(context.Background()); err != nil {
		t.Fatalf("Setup without a safety bundle: %v", err)
	}
	res, err := p.Run(context.Background(), "p-unscreened", testRequest(2), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Accepted != 2 {
		t.Errorf("accepted = %d, want 2", res.Accepted)
	}
}

func TestRun_FilterDisabled(t *testing.T) {
	h := newHarness(t, &scriptedClassifier{script: []bool{true}})
	req := testRequest(3)
	req.DisableSafetyChecker = true

	var emitted []Output
	res, err := h.predictor.Run(context.Background(), "p-1", req, func(o Output) error {
		emitted = append(emitted, o)
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Generated != 3 || res.Accepted != 3 {
		t.Errorf("generated/accepted = %d/%d, want 3/3", res.Generated, res.Accepted)
	}
	if len(emitted) != 3 {
		t.Fatalf("emitted %d outputs, want 3", len(emitted))
	}
	for k, o := range emitted {
		want := filepath.Join(h.outputDir, "p-1", fmt.Sprintf("out-%d.png", k))
		if o.Path != want || o.Index != k {
			t.Errorf("output %d = %+v, want path %s", k, o, want)
		}
	}
	if got := listOutputs(t, filepath.Join(h.outputDir, "p-1")); len(got) != 3 {
		t.Errorf("files = %v", got)
	}
}

func TestRun_FilterSkipsFlagged(t *testing.T) {
	h := newHarness(t, &scriptedClassifier{script: []bool{false, true, true, false}})

	res, err := h.predictor.Run(context.Background(), "p-2", testRequest(4), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Generated != 4 || res.Accepted != 2 {
		t.Fatalf("generated/accepted = %d/%d, want 4/2", res.Generated, res.Accepted)
	}
	got := listOutputs(t, filepath.Join(h.outputDir, "p-2"))
	want := []string{"out-0.png", "out-1.png"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("files = %v, want %v", got, want)
	}
	// out-1 holds the fourth rendered image.
	if res.Outputs[1].Seed == res.Outputs[0].Seed {
		t.Errorf("accepted outputs share a seed")
	}
}

func TestRun_AllFiltered(t *testing.T) {
	h := newHarness(t, &scriptedClassifier{script: []bool{true}})

	res, err := h.predictor.Run(context.Background(), "p-3", testRequest(2), nil)
	if !errors.Is(err, ErrAllFiltered) {
		t.Fatalf("error = %v, want ErrAllFiltered", err)
	}
	if err.Error() != "NSFW content detected in all images. Try running it again, or try a different prompt." {
		t.Errorf("message = %q", err.Error())
	}
	if res == nil || res.Generated != 2 || res.Accepted != 0 {
		t.Errorf("result = %+v", res)
	}
	if got := listOutputs(t, filepath.Join(h.outputDir, "p-3")); len(got) != 0 {
		t.Errorf("files written: %v", got)
	}
}

func TestRun_SameSeedReproducible(t *testing.T) {
	h := newHarness(t, acceptAll())
	req := testRequest(2)

	a, err := h.predictor.Run(context.Background(), "a", req, nil)
	if err != nil {
		t.Fatalf("Run a: %v", err)
	}
	b, err := h.predictor.Run(context.Background(), "b", req, nil)
	if err != nil {
		t.Fatalf("Run b: %v", err)
	}

	read := func(path string) []byte {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		return data
	}
	for k := range a.Outputs {
		if !bytes.Equal(read(a.Outputs[k].Path), read(b.Outputs[k].Path)) {
			t.Errorf("output %d differs between runs with the same seed", k)
		}
	}
	if bytes.Equal(read(a.Outputs[0].Path), read(a.Outputs[1].Path)) {
		t.Errorf("images within one request are identical")
	}
}

func TestRun_RandomSeedIs16Bit(t *testing.T) {
	h := newHarness(t, acceptAll())
	req := testRequest(1)
	req.Seed = nil

	res, err := h.predictor.Run(context.Background(), "p-4", req, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Seed < 0 || res.Seed > 0xFFFF {
		t.Errorf("seed = %d, want 16-bit value", res.Seed)
	}
}

func TestRun_RandomSeedVariesAcrossRequests(t *testing.T) {
	h := newHarness(t, acceptAll())
	req := testRequest(1)
	req.Seed = nil

	run := func(id string) []byte {
		t.Helper()
		res, err := h.predictor.Run(context.Background(), id, req, nil)
		if err != nil {
			t.Fatalf("Run %s: %v", id, err)
		}
		data, err := os.ReadFile(res.Outputs[0].Path)
		if err != nil {
			t.Fatal(err)
		}
		return data
	}

	first := run("r-0")
	// Two 16-bit seeds collide once in 65536 runs; allow one retry.
	for attempt := 1; attempt <= 2; attempt++ {
		if !bytes.Equal(first, run(fmt.Sprintf("r-%d", attempt))) {
			return
		}
	}
	t.Error("requests without a seed produced identical images")
}

func TestRun_AdapterDetachedAfterwards(t *testing.T) {
	h := newHarness(t, acceptAll())
	req := testRequest(1)
	req.HFLora = "alice/watercolor"

	res, err := h.predictor.Run(context.Background(), "p-5", req, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Adapter != "alice/watercolor" {
		t.Errorf("Adapter = %q", res.Adapter)
	}
	if a := h.pipeline.Attached(); a != nil {
		t.Errorf("adapter still attached: %v", a)
	}
}

func TestRun_AdapterDetachedOnEmitError(t *testing.T) {
	h := newHarness(t, acceptAll())
	req := testRequest(3)
	req.HFLora = "alice/watercolor"
	stop := errors.New("client went away")

	res, err := h.predictor.Run(context.Background(), "p-6", req, func(Output) error { return stop })
	if !errors.Is(err, stop) {
		t.Fatalf("error = %v, want emit error", err)
	}
	if res.Generated != 1 {
		t.Errorf("generated = %d, want generation stopped after the first image", res.Generated)
	}
	if a := h.pipeline.Attached(); a != nil {
		t.Errorf("adapter still attached: %v", a)
	}
	if h.predictor.Status() != StatusReady {
		t.Errorf("pipeline slot not released: %s", h.predictor.Status())
	}
}

func TestRun_InvalidAdapterReference(t *testing.T) {
	h := newHarness(t, acceptAll())
	req := testRequest(1)
	req.HFLora = "not a reference"

	_, err := h.predictor.Run(context.Background(), "p-7", req, nil)
	if !errors.Is(err, adapter.ErrInvalidReference) {
		t.Fatalf("error = %v, want ErrInvalidReference", err)
	}
	if got := listOutputs(t, filepath.Join(h.outputDir, "p-7")); len(got) != 0 {
		t.Errorf("files written: %v", got)
	}
}

func TestRun_InvalidRequest(t *testing.T) {
	h := newHarness(t, acceptAll())
	req := testRequest(5)

	if _, err := h.predictor.Run(context.Background(), "p-8", req, nil); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("error = %v, want ErrInvalidRequest", err)
	}
}

func TestRun_CancelledWhileBusy(t *testing.T) {
	h := newHarness(t, acceptAll())
	session, err := h.pipeline.Begin(context.Background(), diffusion.SessionOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer session.Close()

	if got := h.predictor.Status(); got != StatusBusy {
		t.Errorf("Status = %s, want BUSY", got)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.predictor.Run(ctx, "p-9", testRequest(1), nil); !errors.Is(err, diffusion.ErrBusy) {
		t.Fatalf("error = %v, want ErrBusy", err)
	}
}
