package capability

import (
	"time"

	"github.com/Masterminds/semver/v3"
	gocache "github.com/patrickmn/go-cache"
)

// Feature names a bridge capability the dispatcher can gate on.
type Feature string

const (
	FeatureImg2Img          Feature = "img2img"
	FeaturePainting         Feature = "painting"
	FeatureControlnet       Feature = "controlnet"
	FeatureReturnControlMap Feature = "return_control_map"
	FeatureLora             Feature = "lora"
	FeaturePostProcessing   Feature = "post-processing"
	FeatureHiresFix         Feature = "hires_fix"
	FeatureTiling           Feature = "tiling"
	FeatureClipSkip         Feature = "clip_skip"
)

// release declares what an agent gained at a specific version. Queries are
// cumulative: asking about version v returns the union over all releases <= v.
type release struct {
	version        *semver.Version
	features       []Feature
	samplers       []string
	karrasSamplers []string
	postProcessors []string
}

// resolved is the flattened feature set for one concrete agent string.
type resolved struct {
	features       map[Feature]bool
	samplers       []string
	karrasSamplers []string
	postProcessors []string
	latest         bool
}

// Table is the static lookup from (agent name, version) to supported
// features. It is immutable after construction; resolved agent strings are
// memoized since workers repeat the same string on every check-in.
type Table struct {
	agents         map[string][]release
	defaultAgent   string
	defaultVersion *semver.Version
	memo           *gocache.Cache
}

const (
	defaultAgentName    = "AI Horde Worker"
	defaultAgentVersion = "1.0.0"
)

func NewTable() *Table {
	return &Table{
		agents:         knownAgents(),
		defaultAgent:   defaultAgentName,
		defaultVersion: semver.MustParse(defaultAgentVersion),
		memo:           gocache.New(10*time.Minute, 30*time.Minute),
	}
}

func knownAgents() map[string][]release {
	return map[string][]release{
		defaultAgentName: {
			{
				version:  semver.MustParse("1.0.0"),
				features: []Feature{FeatureImg2Img},
				samplers: []string{"k_euler", "k_euler_a", "k_heun", "k_lms", "DDIM"},
			},
			{
				version:        semver.MustParse("2.2.0"),
				features:       []Feature{FeaturePainting},
				samplers:       []string{"k_dpm_2", "k_dpm_2_a", "k_dpm_fast", "k_dpm_adaptive"},
				karrasSamplers: []string{"k_euler", "k_euler_a", "k_heun", "k_lms"},
				postProcessors: []string{"GFPGAN"},
			},
			{
				version:        semver.MustParse("3.0.0"),
				features:       []Feature{FeaturePostProcessing, FeatureHiresFix, FeatureClipSkip},
				samplers:       []string{"k_dpmpp_2m", "k_dpmpp_2s_a", "k_dpmpp_sde"},
				karrasSamplers: []string{"k_dpm_2", "k_dpm_2_a", "k_dpmpp_2m", "k_dpmpp_2s_a", "k_dpmpp_sde"},
				postProcessors: []string{"RealESRGAN_x4plus", "CodeFormers"},
			},
			{
				version:        semver.MustParse("4.1.0"),
				features:       []Feature{FeatureLora, FeatureControlnet, FeatureReturnControlMap, FeatureTiling},
				postProcessors: []string{"strip_background", "RealESRGAN_x2plus"},
			},
		},
		"SD Bridge": {
			{
				version:  semver.MustParse("1.0.0"),
				features: []Feature{FeatureImg2Img, FeaturePainting},
				samplers: []string{"k_euler", "k_euler_a", "DDIM"},
			},
			{
				version:        semver.MustParse("2.0.0"),
				features:       []Feature{FeaturePostProcessing, FeatureHiresFix},
				karrasSamplers: []string{"k_euler", "k_euler_a"},
				postProcessors: []string{"GFPGAN", "RealESRGAN_x4plus"},
			},
		},
		"KoboldAI Bridge": {
			{
				version: semver.MustParse("1.0.0"),
			},
		},
	}
}

// HasCapability reports whether the given agent supports the feature.
func (t *Table) HasCapability(agent string, feature Feature) bool {
	return t.resolve(agent).features[feature]
}

// SupportedSamplers returns the samplers the agent can run. With karras set,
// only samplers the agent can run in karras mode are returned.
func (t *Table) SupportedSamplers(agent string, karras bool) []string {
	r := t.resolve(agent)
	if karras {
		return r.karrasSamplers
	}
	return r.samplers
}

// SupportedPostProcessors returns the post-processors the agent can run.
func (t *Table) SupportedPostProcessors(agent string) []string {
	return t.resolve(agent).postProcessors
}

// IsLatest reports whether the agent is at or past the newest declared
// release for its name.
func (t *Table) IsLatest(agent string) bool {
	return t.resolve(agent).latest
}

func (t *Table) resolve(agent string) *resolved {
	if cached, ok := t.memo.Get(agent); ok {
		return cached.(*resolved)
	}

	name, version := t.identify(agent)
	releases := t.agents[name]

	r := &resolved{features: map[Feature]bool{}, latest: true}
	for _, rel := range releases {
		if rel.version.GreaterThan(version) {
			r.latest = false
			continue
		}
		for _, f := range rel.features {
			r.features[f] = true
		}
		r.samplers = append(r.samplers, rel.samplers...)
		r.karrasSamplers = append(r.karrasSamplers, rel.karrasSamplers...)
		r.postProcessors = append(r.postProcessors, rel.postProcessors...)
	}

	t.memo.SetDefault(agent, r)
	return r
}

// identify maps an agent string to a known (name, version) pair; anything
// unrecognized is treated as the default agent at the default version.
func (t *Table) identify(agent string) (string, *semver.Version) {
	parsed, err := ParseAgent(agent)
	if err != nil {
		return t.defaultAgent, t.defaultVersion
	}
	if _, known := t.agents[parsed.Name]; !known {
		return t.defaultAgent, t.defaultVersion
	}
	return parsed.Name, parsed.Version
}
