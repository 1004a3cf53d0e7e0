package weights

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"fluxpredict/core"
)

// Bundle kinds.
const (
	KindArchive = "archive"
	KindFile    = "file"
)

// Bundle names used by the predictor.
const (
	BundleDiffusion = "diffusion"
	BundleSafety    = "safety"
)

// Bundle is one remote weight set and where it lives locally.
type Bundle struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	Dest string `yaml:"dest"`
	// Kind is "archive" (default) or "file".
	Kind string `yaml:"kind,omitempty"`
	// SHA256 is the hex digest of the downloaded file (the tar itself for
	// archives). Empty skips verification.
	SHA256 string `yaml:"sha256,omitempty"`
}

// Manifest lists the bundles to provision.
type Manifest struct {
	Bundles []Bundle `yaml:"bundles"`
}

// DefaultManifest returns the diffusion bundle from cfg, preceded by the
// safety bundle unless screening is disabled.
func DefaultManifest(cfg *core.Config) *Manifest {
	m := &Manifest{}
	if cfg.SafetyEnabled() {
		m.Bundles = append(m.Bundles, Bundle{
			Name: BundleSafety, URL: cfg.SafetyURL, Dest: cfg.SafetyCache, Kind: KindArchive, SHA256: cfg.SafetySHA256,
		})
	}
	m.Bundles = append(m.Bundles, Bundle{
		Name: BundleDiffusion, URL: cfg.ModelURL, Dest: cfg.ModelCache, Kind: KindArchive, SHA256: cfg.ModelSHA256,
	})
	return m
}

// LoadManifest reads a YAML manifest and validates it.
//
// Example:
//
//	bundles:
//	  - name: diffusion
//	    url: https://weights.replicate.delivery/default/black-forest-labs/FLUX.1-dev/model-cache.tar
//	    dest: checkpoints
//	    sha256: 9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08
//	  - name: safety
//	    url: https://weights.replicate.delivery/default/sdxl/safety-1.0.tar
//	    dest: safety-cache
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return &m, nil
}

// Validate checks required fields and uniqueness, and fills default kinds.
func (m *Manifest) Validate() error {
	if len(m.Bundles) == 0 {
		return fmt.Errorf("no bundles defined")
	}
	names := make(map[string]bool, len(m.Bundles))
	dests := make(map[string]bool, len(m.Bundles))
	for i := range m.Bundles {
		b := &m.Bundles[i]
		if b.Name == "" || b.URL == "" || b.Dest == "" {
			return fmt.Errorf("bundle %d: name, url and dest are required", i)
		}
		if !strings.HasPrefix(b.URL, "http://") && !strings.HasPrefix(b.URL, "https://") {
			return fmt.Errorf("bundle %s: url must be http(s)", b.Name)
		}
		switch b.Kind {
		case "":
			b.Kind = KindArchive
		case KindArchive, KindFile:
		default:
			return fmt.Errorf("bundle %s: unknown kind %q", b.Name, b.Kind)
		}
		if b.SHA256 != "" && !validSHA256(b.SHA256) {
			return fmt.Errorf("bundle %s: sha256 must be 64 hex characters", b.Name)
		}
		if names[b.Name] {
			return fmt.Errorf("duplicate bundle %s", b.Name)
		}
		if dests[b.Dest] {
			return fmt.Errorf("bundle %s: dest %s already used", b.Name, b.Dest)
		}
		names[b.Name], dests[b.Dest] = true, true
	}
	return nil
}

func validSHA256(s string) bool {
	b, err := hex.DecodeString(s)
	return err == nil && len(b) == sha256.Size
}

// Bundle returns the bundle called name.
func (m *Manifest) Bundle(name string) (Bundle, bool) {
	for _, b := range m.Bundles {
		if b.Name == name {
			return b, true
		}
	}
	return Bundle{}, false
}
