package diffusion

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"fluxpredict/runner"
)

type fakeRunner struct {
	mu        sync.Mutex
	loaded    map[string]interface{}
	lora      map[string]interface{}
	generated []map[string]interface{}
	png       string
}

func (f *fakeRunner) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var body map[string]interface{}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
	}
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/pipelines/load":
		f.loaded = body
	case r.Method == http.MethodPost && r.URL.Path == "/v1/pipelines/lora":
		if body["source"] == "missing/repo" {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "repository not found"})
			return
		}
		f.lora = body
	case r.Method == http.MethodDelete && r.URL.Path == "/v1/pipelines/lora":
		f.lora = nil
	case r.Method == http.MethodPost && r.URL.Path == "/v1/pipelines/generate":
		f.generated = append(f.generated, body)
		json.NewEncoder(w).Encode(map[string]string{"image": f.png})
		return
	default:
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func TestRunnerBackend(t *testing.T) {
	fr := &fakeRunner{png: pngBase64(t, 64, 64)}
	srv := httptest.NewServer(fr)
	defer srv.Close()

	b := NewRunnerBackend(runner.New(srv.URL, srv.Client()))
	ctx := context.Background()

	if err := b.Load(ctx, LoadOptions{Source: "black-forest-labs/FLUX.1-dev", CacheDir: "checkpoints", Precision: BFloat16, Device: "cuda", Offline: true}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if fr.loaded["model"] != "black-forest-labs/FLUX.1-dev" || fr.loaded["torch_dtype"] != "bfloat16" || fr.loaded["offline"] != true {
		t.Errorf("load body = %v", fr.loaded)
	}

	if err := b.AttachAdapter(ctx, AdapterWeights{Source: "/tmp/lora.safetensors", Local: true}); err != nil {
		t.Fatalf("AttachAdapter: %v", err)
	}
	if fr.lora["source"] != "/tmp/lora.safetensors" || fr.lora["local"] != true {
		t.Errorf("lora body = %v", fr.lora)
	}

	p := RenderParams{Prompt: "p", Width: 64, Height: 64, Steps: 4, GuidanceScale: 3.5, Seed: 9, MaxSequenceLength: 512, HasAdapter: true, AdapterScale: 0.8}
	img, err := b.Render(ctx, p)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if img.Bounds().Dx() != 64 {
		t.Errorf("bounds = %v", img.Bounds())
	}
	got := fr.generated[0]
	if got["num_inference_steps"] != float64(4) || got["seed"] != float64(9) || got["lora_scale"] != 0.8 || got["max_sequence_length"] != float64(512) {
		t.Errorf("generate body = %v", got)
	}

	if err := b.DetachAdapter(ctx); err != nil {
		t.Fatalf("DetachAdapter: %v", err)
	}
	if fr.lora != nil {
		t.Error("lora not detached")
	}

	p.HasAdapter, p.AdapterScale = false, 0
	b.Render(ctx, p)
	if _, ok := fr.generated[1]["lora_scale"]; ok {
		t.Error("lora_scale should be omitted without an adapter")
	}
}

func TestRunnerBackend_AttachError(t *testing.T) {
	srv := httptest.NewServer(&fakeRunner{})
	defer srv.Close()

	err := NewRunnerBackend(runner.New(srv.URL, nil)).AttachAdapter(context.Background(), AdapterWeights{Source: "missing/repo"})
	var rerr *runner.Error
	if !errors.As(err, &rerr) || rerr.Status != http.StatusNotFound {
		t.Fatalf("err = %v, want runner 404", err)
	}
}

func TestRunnerBackend_ZeroAdapterScale(t *testing.T) {
	fr := &fakeRunner{png: pngBase64(t, 64, 64)}
	srv := httptest.NewServer(fr)
	defer srv.Close()

	pipe := NewPipeline(NewRunnerBackend(runner.New(srv.URL, srv.Client())), nil)
	ctx := context.Background()
	if err := pipe.Load(ctx, LoadOptions{Source: "black-forest-labs/FLUX.1-dev"}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sess, err := pipe.Begin(ctx, SessionOptions{Adapter: &AdapterWeights{Source: "owner/name"}, AdapterScale: 0})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer sess.Close()

	if _, err := sess.Render(ctx, RenderParams{Prompt: "p", Width: 64, Height: 64, Steps: 1, GuidanceScale: 3.5}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	scale, ok := fr.generated[len(fr.generated)-1]["lora_scale"]
	if !ok || scale != float64(0) {
		t.Errorf("lora_scale = %v (present %v), want 0 with an adapter attached", scale, ok)
	}
}
