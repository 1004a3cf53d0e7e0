package predict

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
)

// ErrInvalidRequest is returned when a request is outside its bounds.
var ErrInvalidRequest = errors.New("predict: invalid request")

// Output formats.
const (
	FormatWebP = "webp"
	FormatJPG  = "jpg"
	FormatPNG  = "png"
)

// Size is an output resolution in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// AspectRatios maps each accepted aspect ratio to its output resolution.
var AspectRatios = map[string]Size{
	"1:1":  {1024, 1024},
	"16:9": {1344, 768},
	"21:9": {1536, 640},
	"3:2":  {1216, 832},
	"2:3":  {832, 1216},
	"4:5":  {896, 1088},
	"5:4":  {1088, 896},
	"9:16": {768, 1344},
	"9:21": {640, 1536},
}

// AspectRatioNames returns the accepted aspect ratios, sorted.
func AspectRatioNames() []string {
	names := make([]string, 0, len(AspectRatios))
	for name := range AspectRatios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SizeFor returns the resolution for an aspect ratio.
func SizeFor(aspectRatio string) (Size, bool) {
	s, ok := AspectRatios[aspectRatio]
	return s, ok
}

// Request is one prediction. Decode JSON on top of DefaultRequest so that
// omitted fields keep their defaults.
type Request struct {
	Prompt               string  `json:"prompt" validate:"required,notblank"`
	AspectRatio          string  `json:"aspect_ratio" validate:"oneof=1:1 16:9 21:9 3:2 2:3 4:5 5:4 9:16 9:21"`
	NumOutputs           int     `json:"num_outputs" validate:"gte=1,lte=4"`
	NumInferenceSteps    int     `json:"num_inference_steps" validate:"gte=1,lte=50"`
	GuidanceScale        float64 `json:"guidance_scale" validate:"gte=0,lte=10"`
	Seed                 *int64  `json:"seed,omitempty" validate:"omitempty,gte=0"`
	OutputFormat         string  `json:"output_format" validate:"oneof=webp jpg png"`
	OutputQuality        int     `json:"output_quality" validate:"gte=0,lte=100"`
	HFLora               string  `json:"hf_lora,omitempty"`
	LoraScale            float64 `json:"lora_scale" validate:"gte=0,lte=1"`
	DisableSafetyChecker bool    `json:"disable_safety_checker"`
}

// DefaultRequest returns a request with every optional field at its default.
func DefaultRequest() Request {
	return Request{
		AspectRatio:       "1:1",
		NumOutputs:        1,
		NumInferenceSteps: 28,
		GuidanceScale:     3.5,
		OutputFormat:      FormatWebP,
		OutputQuality:     80,
		LoraScale:         0.8,
	}
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		_ = validate.RegisterValidation("notblank", validators.NotBlank)
	})
	return validate
}

// Validate checks every field against its bounds. Errors wrap ErrInvalidRequest
// and name the offending JSON fields.
func (r *Request) Validate() error {
	err := requestValidator().Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "notblank":
		return fe.Field() + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", fe.Field(), fe.Param(), fe.Value())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", fe.Field(), fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be <= %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}

// Size returns the output resolution of the request.
func (r *Request) Size() Size {
	return AspectRatios[r.AspectRatio]
}
