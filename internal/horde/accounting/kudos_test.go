package accounting

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hordeproject/horde/internal/horde/api"
)

func TestImageKudos_CanonicalImage(t *testing.T) {
	kudos := ImageKudos("a lighthouse at dusk", &api.ImageParams{
		Width: 512, Height: 512, Steps: 50, SamplerName: "k_euler",
	})
	assert.InDelta(t, 10, kudos, 1)
}

func TestImageKudos_FrozenFixtures(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
		params api.ImageParams
		want   float64
	}{
		{
			name:   "fullscale",
			params: api.ImageParams{Width: 1024, Height: 1024, Steps: 50, SamplerName: "k_euler"},
			want:   60.06,
		},
		{
			name:   "canonical",
			params: api.ImageParams{Width: 512, Height: 512, Steps: 50, SamplerName: "k_euler"},
			want:   10.83,
		},
		{
			name:   "thumbnail",
			params: api.ImageParams{Width: 256, Height: 256, Steps: 20, SamplerName: "k_euler"},
			want:   2.62,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, ImageKudos(tc.prompt, &tc.params), 0.01)
		})
	}
}

func TestImageKudos_PostProcessorsMultiply(t *testing.T) {
	base := api.ImageParams{Width: 512, Height: 512, Steps: 50, SamplerName: "k_euler"}
	plain := ImageKudos("", &base)

	processed := base
	processed.PostProcessors = []string{"GFPGAN", "RealESRGAN_x4plus"}
	assert.InDelta(t, plain*1.2*1.2, ImageKudos("", &processed), 0.02)
}

func TestImageKudos_ControlnetTriples(t *testing.T) {
	base := api.ImageParams{Width: 512, Height: 512, Steps: 50, SamplerName: "k_euler"}
	plain := ImageKudos("", &base)

	control := base
	control.ControlType = "canny"
	assert.InDelta(t, plain*3, ImageKudos("", &control), 0.02)

	// Returning only the control map skips the diffusion passes.
	control.ReturnControlMap = true
	assert.InDelta(t, plain, ImageKudos("", &control), 0.02)
}

func TestImageKudos_DoubleStepSamplers(t *testing.T) {
	euler := api.ImageParams{Width: 512, Height: 512, Steps: 50, SamplerName: "k_euler"}
	heun := euler
	heun.SamplerName = "k_heun"
	assert.Greater(t, ImageKudos("", &heun), ImageKudos("", &euler)*1.9)
}

func TestImageKudos_WeightedPromptParts(t *testing.T) {
	params := api.ImageParams{Width: 512, Height: 512, Steps: 50, SamplerName: "k_euler"}
	plain := ImageKudos("a lighthouse", &params)
	weighted := ImageKudos("a (lighthouse:1.3) at (dusk:0.8)", &params)
	assert.InDelta(t, plain+2, weighted, 0.01)
}

func TestTextKudos_FrozenFixtures(t *testing.T) {
	tests := []struct {
		name    string
		model   string
		params  api.TextParams
		trusted bool
		want    float64
	}{
		{
			name:   "13b at double context",
			model:  "llama-13b",
			params: api.TextParams{MaxLength: 2048, MaxContextLength: 2048},
			want:   905.22,
		},
		{
			name:   "13b at baseline context",
			model:  "llama-13b",
			params: api.TextParams{MaxLength: 2048, MaxContextLength: 1024},
			want:   585.73,
		},
		{
			name:   "small models are floored to the 13b bonus",
			model:  "pythia-2.8b",
			params: api.TextParams{MaxLength: 100, MaxContextLength: 1024},
			want:   6.16,
		},
		{
			name:   "unknown model untrusted",
			model:  "mystery",
			params: api.TextParams{MaxLength: 2048, MaxContextLength: 1024},
			want:   1,
		},
		{
			name:    "unknown model trusted",
			model:   "mystery",
			params:  api.TextParams{MaxLength: 2048, MaxContextLength: 1024},
			trusted: true,
			want:    121.65,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, TextKudos(tc.model, &tc.params, tc.trusted), 0.01)
		})
	}
}

func TestContextMultiplier_Bounds(t *testing.T) {
	assert.InDelta(t, 2.2, contextMultiplier(1024), 0.001)
	assert.InDelta(t, 3.4, contextMultiplier(2048), 0.001)
	assert.Equal(t, 30.0, contextMultiplier(1<<20))
	assert.GreaterOrEqual(t, contextMultiplier(64), 0.1)
}

func TestInterrogationKudos(t *testing.T) {
	assert.Equal(t, 1.0, InterrogationKudos("caption"))
	assert.Equal(t, 1.0, InterrogationKudos("nsfw"))
	assert.Equal(t, 3.0, InterrogationKudos("interrogation"))
}

func TestSpeedCeiling(t *testing.T) {
	assert.Equal(t, 100.0, SpeedCeiling(api.KindImage, "stable_diffusion"))
	assert.Equal(t, 200.0, SpeedCeiling(api.KindText, "mystery"))
	assert.Equal(t, 200.0, SpeedCeiling(api.KindText, "llama-13b"))
	assert.Equal(t, 200.0, SpeedCeiling(api.KindText, "pythia-2.8b"))
	assert.InDelta(t, 200*13.0/70, SpeedCeiling(api.KindText, "llama-70b"), 0.01)
	// Mixture models run three active experts, not all eight.
	assert.InDelta(t, 200*13.0/21, SpeedCeiling(api.KindText, "mixtral-8x7b"), 0.01)
}

func TestModelMultiplier(t *testing.T) {
	mult, known := modelMultiplier("llama-13b")
	assert.True(t, known)
	assert.Equal(t, 13.0, mult)

	mult, known = modelMultiplier("pythia-2.8B")
	assert.True(t, known)
	assert.Equal(t, 2.8, mult)

	_, known = modelMultiplier("mystery-model")
	assert.False(t, known)
}
