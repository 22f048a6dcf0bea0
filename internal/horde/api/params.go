package api

import (
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/hordeproject/horde/internal/common/hordeerrors"
)

// DecodeParams validates and types the open-form params map of an incoming
// request. Recognized fields land in the modality variant; anything else is
// preserved in Extensions so newer bridge fields survive the round-trip.
func DecodeParams(kind RequestKind, raw map[string]interface{}) (GenerationParams, error) {
	params := GenerationParams{}

	var target interface{}
	switch kind {
	case KindImage:
		params.Image = &ImageParams{}
		target = params.Image
	case KindText:
		params.Text = &TextParams{}
		target = params.Text
	case KindInterrogation:
		params.Interrogation = &InterrogationParams{}
		target = params.Interrogation
	default:
		return params, &hordeerrors.ErrInvalidArgument{Name: "kind", Value: string(kind)}
	}

	metadata := &mapstructure.Metadata{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		Metadata:         metadata,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return params, errors.WithStack(err)
	}
	if err := decoder.Decode(raw); err != nil {
		return params, &hordeerrors.ErrInvalidArgument{Name: "params", Value: raw, Message: err.Error()}
	}

	if len(metadata.Unused) > 0 {
		params.Extensions = map[string]interface{}{}
		for _, key := range metadata.Unused {
			params.Extensions[key] = raw[key]
		}
	}
	return params, nil
}

// Validate applies the boundary checks that do not need database state.
func (p GenerationParams) Validate() error {
	switch {
	case p.Image != nil:
		img := p.Image
		if img.Width <= 0 || img.Height <= 0 {
			return &hordeerrors.ErrInvalidArgument{Name: "width/height", Value: img.Width, Message: "dimensions must be positive"}
		}
		if img.Width%64 != 0 || img.Height%64 != 0 {
			return &hordeerrors.ErrInvalidArgument{Name: "width/height", Value: img.Width, Message: "dimensions must be multiples of 64"}
		}
		if img.Steps <= 0 {
			return &hordeerrors.ErrInvalidArgument{Name: "steps", Value: img.Steps, Message: "steps must be positive"}
		}
	case p.Text != nil:
		txt := p.Text
		if txt.MaxLength <= 0 {
			return &hordeerrors.ErrInvalidArgument{Name: "max_length", Value: txt.MaxLength, Message: "must be positive"}
		}
		if txt.MaxContextLength < txt.MaxLength {
			return &hordeerrors.ErrInvalidArgument{Name: "max_context_length", Value: txt.MaxContextLength, Message: "must cover max_length"}
		}
	case p.Interrogation != nil:
		in := p.Interrogation
		if in.SourceImage == "" {
			return &hordeerrors.ErrInvalidArgument{Name: "source_image", Value: "", Message: "interrogation requires a source image"}
		}
		if len(in.Forms) == 0 {
			return &hordeerrors.ErrInvalidArgument{Name: "forms", Value: in.Forms, Message: "at least one form is required"}
		}
	}
	return nil
}

// Things computes the work-unit volume of a request: pixel-steps for images
// (in megapixelsteps), requested tokens for text, one unit per form for
// interrogation.
func (p GenerationParams) Things() float64 {
	switch {
	case p.Image != nil:
		return float64(p.Image.Width*p.Image.Height*p.Image.Steps) / 1_000_000
	case p.Text != nil:
		return float64(p.Text.MaxLength)
	case p.Interrogation != nil:
		return float64(len(p.Interrogation.Forms))
	}
	return 0
}
