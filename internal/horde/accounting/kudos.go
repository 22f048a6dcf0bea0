package accounting

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/hordeproject/horde/internal/horde/api"
	"github.com/hordeproject/horde/internal/horde/repository"
)

// Round trims kudos to the 2-decimal resolution the ledger works in.
func Round(kudos float64) float64 {
	return math.Round(kudos*100) / 100
}

const (
	stepCost   = 0.1232
	areaWeight = 8.75
)

// Second-order samplers run the model twice per step, so they are accounted
// at double the declared step count.
var doubleStepSamplers = map[string]bool{
	"k_heun":       true,
	"k_dpm_2":      true,
	"k_dpm_2_a":    true,
	"k_dpmpp_2s_a": true,
}

var weightedPartRe = regexp.MustCompile(`\([^()]+:-?\d+(\.\d+)?\)`)

// ImageKudos prices one image generation with the analytic estimator. The
// canonical image, 512x512 at 50 steps with no extras, comes out near 10.
func ImageKudos(prompt string, p *api.ImageParams) float64 {
	steps := float64(p.Steps)
	if doubleStepSamplers[p.SamplerName] {
		steps *= 2
	}

	area := float64(p.Width*p.Height) - 64*64
	basis := float64(1024*1024) - 64*64
	areaFactor := math.Pow(area, 1.75) / math.Pow(basis, 1.75)

	kudos := stepCost*steps + areaFactor*stepCost*steps*areaWeight
	for range p.PostProcessors {
		kudos *= 1.2
	}
	if p.ControlType != "" && !p.ReturnControlMap {
		kudos *= 3
	}
	kudos += float64(len(weightedPartRe.FindAllString(prompt, -1)))
	return Round(kudos)
}

var modelParamsRe = regexp.MustCompile(`(\d+(?:\.\d+)?)[bB]`)

// modelMultiplier derives the kudos multiplier of a text model from the
// parameter count in its name, e.g. "llama-13b" yields 13.
func modelMultiplier(model string) (float64, bool) {
	match := modelParamsRe.FindStringSubmatch(model)
	if match == nil {
		return 0, false
	}
	mult, err := strconv.ParseFloat(match[1], 64)
	if err != nil || mult <= 0 {
		return 0, false
	}
	return mult, true
}

// contextMultiplier scales text kudos by how far past the 1024-token baseline
// the requested context reaches.
func contextMultiplier(contextTokens int64) float64 {
	if contextTokens <= 0 {
		contextTokens = 1024
	}
	m := 1.2 + math.Pow(2.2, math.Log2(float64(contextTokens)/1024))
	return math.Min(30, math.Max(0.1, m))
}

// TextKudos prices one text generation. Models whose parameter count cannot
// be derived are worth a flat 1 kudos for untrusted users; trusted users get
// a throughput-based fallback instead.
func TextKudos(model string, p *api.TextParams, trusted bool) float64 {
	tokens := float64(p.MaxLength)
	cmul := contextMultiplier(p.MaxContextLength)

	mult, known := modelMultiplier(model)
	if !known {
		if trusted {
			return Round(tokens * cmul * 0.027)
		}
		return 1
	}
	bonus := math.Pow(math.Max(mult, 13)/13, 0.20)
	return Round(tokens * mult * bonus / 100 * cmul)
}

// Implied speeds above these are not achievable on real hardware; whoever
// reports them is gaming the performance tracker.
const (
	unreasonableImageSpeed = 100.0 // megapixelsteps per second
	unreasonableTextSpeed  = 200.0 // tokens per second, for models up to 13B
)

// SpeedCeiling returns the throughput above which a reported sample counts as
// impossible. Image workers share one flat ceiling. Text ceilings shrink with
// the model's parameter count past the 13B baseline; "8x" mixture models run
// only part of their experts per token and are capped at three times their
// per-expert size rather than the full eight.
func SpeedCeiling(kind api.RequestKind, model string) float64 {
	if kind != api.KindText {
		return unreasonableImageSpeed
	}
	mult, known := modelMultiplier(model)
	if !known {
		return unreasonableTextSpeed
	}
	effective := mult
	if strings.Contains(strings.ToLower(model), "8x") {
		effective = mult * 3
	}
	if effective < 13 {
		effective = 13
	}
	return unreasonableTextSpeed * 13 / effective
}

// InterrogationKudos prices one interrogation form. The full interrogation
// pipeline is worth more than the single-purpose forms.
func InterrogationKudos(form string) float64 {
	if form == "interrogation" {
		return 3
	}
	return 1
}

// UnitCost prices one unit of a request, used for upfront admission control
// and the dispatcher's upfront-kudos gate. Unknown text models are priced as
// if trusted so the gate is not trivially bypassed by obscure model names.
func UnitCost(wp *repository.WaitingPrompt) float64 {
	switch wp.Kind {
	case api.KindImage:
		if wp.Params.Image != nil {
			return ImageKudos(wp.Prompt, wp.Params.Image)
		}
	case api.KindText:
		if wp.Params.Text != nil {
			model := ""
			if len(wp.Models) > 0 {
				model = wp.Models[0]
			}
			return TextKudos(model, wp.Params.Text, true)
		}
	case api.KindInterrogation:
		if wp.Params.Interrogation != nil {
			var cost float64
			for _, form := range wp.Params.Interrogation.Forms {
				cost += InterrogationKudos(form)
			}
			return cost
		}
	}
	return 1
}
