// Package diffusion drives a text-to-image diffusion pipeline.
//
// The sampler itself is a black box behind the Backend interface. Backends:
//
//   - RunnerBackend: the diffusers runner sidecar over HTTP/JSON
//   - OpenAIBackend: an OpenAI-compatible images endpoint
//   - ProceduralBackend: deterministic in-process renderer for dry runs and tests
//   - NativeBackend: placeholder for an in-process engine; this build links
//     none, so loading it fails with ErrNativeUnavailable
//
// A Pipeline owns one loaded backend. Work happens inside a Session, which
// holds the pipeline exclusively, attaches the requested adapter weights when
// it begins and detaches them when it closes:
//
//	sess, err := pipe.Begin(ctx, diffusion.SessionOptions{Adapter: weights, AdapterScale: 0.8})
//	if err != nil {
//	    return err
//	}
//	defer sess.Close()
//
//	img, err := sess.Render(ctx, diffusion.RenderParams{Prompt: "a red fox", Width: 1024, Height: 1024, Steps: 28, GuidanceScale: 3.5, Seed: 7})
package diffusion
