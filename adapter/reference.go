// Package adapter resolves style-adapter (LoRA) references into weights the
// diffusion pipeline can attach.
package adapter

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrInvalidReference is returned for references matching no known form.
	ErrInvalidReference = errors.New("invalid parameter for hf_lora, must be a HuggingFace path/URL, or URL to a .safetensors/.tar file")

	// ErrNoWeightsInArchive is returned when an adapter archive holds no .safetensors file.
	ErrNoWeightsInArchive = errors.New("no .safetensors file found in the tar archive")
)

// Kind classifies an adapter reference.
type Kind int

const (
	// KindSlug is a registry repository id, "owner/name".
	KindSlug Kind = iota + 1
	// KindRegistryURL is a Hugging Face URL; the repository is taken from its path.
	KindRegistryURL
	// KindDirectURL is a URL to a .safetensors file or a .tar archive.
	KindDirectURL
)

func (k Kind) String() string {
	switch k {
	case KindSlug:
		return "slug"
	case KindRegistryURL:
		return "registry_url"
	case KindDirectURL:
		return "direct_url"
	default:
		return "unknown"
	}
}

var (
	slugPattern         = regexp.MustCompile(`^[a-zA-Z0-9_-]+/[a-zA-Z0-9_-]+$`)
	registryPattern     = regexp.MustCompile(`^https?://huggingface.co`)
	registrySlug        = regexp.MustCompile(`^https?://huggingface.co/([a-zA-Z0-9_-]+/[a-zA-Z0-9_-]+)`)
	weightFilePattern   = regexp.MustCompile(`^https?://.*\.(safetensors|tar)$`)
	trainedModelPattern = regexp.MustCompile(`^https?://replicate.delivery/[a-zA-Z0-9_-]+/[a-zA-Z0-9_-]+/trained_model.tar`)
)

// Reference is a parsed adapter reference.
type Reference struct {
	Raw  string
	Kind Kind
	// Slug is the registry repository for KindSlug and KindRegistryURL.
	Slug string
	// WeightName is the file inside the repository for KindRegistryURL.
	WeightName string
	// Archive reports whether a KindDirectURL points at a tar archive.
	Archive bool
}

// Parse classifies raw. Rules are checked in order and the first match wins.
// Parsing never touches the network.
func Parse(raw string) (Reference, error) {
	ref := Reference{Raw: raw}
	switch {
	case slugPattern.MatchString(raw):
		ref.Kind = KindSlug
		ref.Slug = raw

	case registryPattern.MatchString(raw):
		m := registrySlug.FindStringSubmatch(raw)
		if m == nil {
			return Reference{}, fmt.Errorf("%w: %q has no owner/name path", ErrInvalidReference, raw)
		}
		ref.Kind = KindRegistryURL
		ref.Slug = m[1]
		if rest := strings.Trim(strings.TrimPrefix(raw, m[0]), "/"); rest != "" {
			ref.WeightName = raw[strings.LastIndex(raw, "/")+1:]
		}

	case weightFilePattern.MatchString(raw) || trainedModelPattern.MatchString(raw):
		ref.Kind = KindDirectURL
		ref.Archive = strings.HasSuffix(raw, ".tar") || strings.Contains(raw, "replicate.delivery")

	default:
		return Reference{}, fmt.Errorf("%w: %q", ErrInvalidReference, raw)
	}
	return ref, nil
}

// ScratchName is the file name a direct URL is downloaded to.
func (r Reference) ScratchName() string {
	if r.Archive {
		return "lora.tar"
	}
	return "lora.safetensors"
}
