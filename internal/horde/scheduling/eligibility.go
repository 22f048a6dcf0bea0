package scheduling

import (
	"strings"

	"github.com/hordeproject/horde/internal/horde/api"
	"github.com/hordeproject/horde/internal/horde/capability"
	"github.com/hordeproject/horde/internal/horde/configuration"
	"github.com/hordeproject/horde/internal/horde/repository"
)

// Skip tags name the first predicate a (request, worker) pair failed. They are
// returned to workers in the pop summary so bridges can back off intelligently.
const (
	SkipModels         = "models"
	SkipMaxPixels      = "max_pixels"
	SkipMaxLength      = "max_length"
	SkipMaxContext     = "max_context_length"
	SkipImg2Img        = "img2img"
	SkipPainting       = "painting"
	SkipBridgeVersion  = "bridge_version"
	SkipNsfw           = "nsfw"
	SkipUnsafeIP       = "unsafe_ip"
	SkipUntrusted      = "untrusted"
	SkipKudos          = "kudos"
	SkipControlnet     = "controlnet"
	SkipLora           = "lora"
	SkipPostProcessing = "post-processing"
	SkipPerformance    = "performance"
	SkipWorkerId       = "worker_id"
	SkipBlacklist      = "blacklist"
	SkipTiling         = "tiling"
	SkipFaulted        = "faulted"
)

// CostEstimator prices one unit of a request, used by the upfront-kudos gate.
type CostEstimator func(wp *repository.WaitingPrompt) float64

// EligibilityFilter is a conjunction of predicates over a (request, worker)
// pair. Check returns the tag of the first failing predicate, empty when the
// worker may serve the request. Predicates are ordered cheapest first.
type EligibilityFilter struct {
	config       configuration.SchedulingConfig
	capabilities *capability.Table
	estimateCost CostEstimator
}

func NewEligibilityFilter(
	config configuration.SchedulingConfig,
	capabilities *capability.Table,
	estimateCost CostEstimator,
) *EligibilityFilter {
	return &EligibilityFilter{
		config:       config,
		capabilities: capabilities,
		estimateCost: estimateCost,
	}
}

// Check evaluates all predicates. requester is the user owning the request,
// workerOwner the user owning the worker; either may be nil when the caller
// could not resolve them, in which case trust-dependent predicates fail safe.
func (f *EligibilityFilter) Check(
	wp *repository.WaitingPrompt,
	worker *repository.Worker,
	workerOwner *repository.User,
	requester *repository.User,
) string {
	if tag := f.checkWorkerList(wp, worker); tag != "" {
		return tag
	}
	if tag := f.checkModels(wp, worker); tag != "" {
		return tag
	}
	if tag := f.checkScale(wp, worker); tag != "" {
		return tag
	}
	if wp.Nsfw && !worker.Nsfw {
		return SkipNsfw
	}
	if !wp.SafeIP && !worker.AllowUnsafeIPAddr && (requester == nil || !requester.Trusted()) {
		return SkipUnsafeIP
	}
	if wp.TrustedWorkers && (workerOwner == nil || !workerOwner.Trusted()) {
		return SkipUntrusted
	}
	if tag := f.checkBlacklist(wp, worker); tag != "" {
		return tag
	}
	if tag := f.checkCapabilities(wp, worker); tag != "" {
		return tag
	}
	if tag := f.checkPerformance(wp, worker); tag != "" {
		return tag
	}
	if tag := f.checkUpfrontKudos(wp, worker, requester); tag != "" {
		return tag
	}
	return ""
}

func (f *EligibilityFilter) checkWorkerList(wp *repository.WaitingPrompt, worker *repository.Worker) string {
	if len(wp.WorkerIds) == 0 {
		return ""
	}
	listed := false
	for _, id := range wp.WorkerIds {
		if id == worker.Id {
			listed = true
			break
		}
	}
	if wp.WorkerBlacklist == listed {
		return SkipWorkerId
	}
	return ""
}

func (f *EligibilityFilter) checkModels(wp *repository.WaitingPrompt, worker *repository.Worker) string {
	if len(wp.Models) > 0 && ChooseModel(wp, worker) == "" {
		return SkipModels
	}
	if wp.Kind == api.KindText && wp.Params.Text != nil && wp.Params.Text.Softprompt != "" {
		for _, prompt := range worker.Softprompts {
			if prompt == wp.Params.Text.Softprompt {
				return ""
			}
		}
		return SkipModels
	}
	return ""
}

func (f *EligibilityFilter) checkScale(wp *repository.WaitingPrompt, worker *repository.Worker) string {
	switch wp.Kind {
	case api.KindImage:
		if p := wp.Params.Image; p != nil && p.Width*p.Height > worker.MaxPixels {
			return SkipMaxPixels
		}
	case api.KindText:
		if p := wp.Params.Text; p != nil {
			if p.MaxLength > worker.MaxLength {
				return SkipMaxLength
			}
			if p.MaxContextLength > worker.MaxContextLength {
				return SkipMaxContext
			}
		}
	}
	return ""
}

func (f *EligibilityFilter) checkBlacklist(wp *repository.WaitingPrompt, worker *repository.Worker) string {
	if len(worker.Blacklist) == 0 {
		return ""
	}
	prompt := strings.ToLower(wp.Prompt)
	for _, word := range worker.Blacklist {
		if word != "" && strings.Contains(prompt, strings.ToLower(word)) {
			return SkipBlacklist
		}
	}
	return ""
}

func (f *EligibilityFilter) checkCapabilities(wp *repository.WaitingPrompt, worker *repository.Worker) string {
	p := wp.Params.Image
	if wp.Kind != api.KindImage || p == nil {
		return ""
	}
	agent := worker.BridgeAgent

	if p.Img2Img() {
		if !worker.AllowImg2Img || !f.capabilities.HasCapability(agent, capability.FeatureImg2Img) {
			return SkipImg2Img
		}
	}
	if p.Inpainting() {
		if !worker.AllowPainting || !f.capabilities.HasCapability(agent, capability.FeaturePainting) {
			return SkipPainting
		}
	}
	if p.ControlType != "" {
		if !worker.AllowControlnet || !f.capabilities.HasCapability(agent, capability.FeatureControlnet) {
			return SkipControlnet
		}
		if p.ReturnControlMap && !f.capabilities.HasCapability(agent, capability.FeatureReturnControlMap) {
			return SkipControlnet
		}
	}
	if len(p.Loras) > 0 {
		if !worker.AllowLora || !f.capabilities.HasCapability(agent, capability.FeatureLora) {
			return SkipLora
		}
	}
	if len(p.PostProcessors) > 0 {
		if !worker.AllowPostProcessing || !f.capabilities.HasCapability(agent, capability.FeaturePostProcessing) {
			return SkipPostProcessing
		}
		supported := f.capabilities.SupportedPostProcessors(agent)
		for _, pp := range p.PostProcessors {
			if !contains(supported, pp) {
				return SkipBridgeVersion
			}
		}
	}
	if p.Tiling && !f.capabilities.HasCapability(agent, capability.FeatureTiling) {
		return SkipTiling
	}
	if p.HiresFix && !f.capabilities.HasCapability(agent, capability.FeatureHiresFix) {
		return SkipBridgeVersion
	}
	if p.ClipSkip > 1 && !f.capabilities.HasCapability(agent, capability.FeatureClipSkip) {
		return SkipBridgeVersion
	}
	if p.SamplerName != "" && !contains(f.capabilities.SupportedSamplers(agent, p.Karras), p.SamplerName) {
		return SkipBridgeVersion
	}
	return ""
}

func (f *EligibilityFilter) checkPerformance(wp *repository.WaitingPrompt, worker *repository.Worker) string {
	if wp.SlowWorkers || worker.Speed == 0 {
		return ""
	}
	threshold := f.config.SlowWorkerImageSpeed
	if wp.Kind == api.KindText {
		threshold = f.config.SlowWorkerTextSpeed
	}
	if worker.Speed < threshold {
		return SkipPerformance
	}
	return ""
}

func (f *EligibilityFilter) checkUpfrontKudos(
	wp *repository.WaitingPrompt,
	worker *repository.Worker,
	requester *repository.User,
) string {
	if !worker.RequireUpfrontKudos {
		return ""
	}
	if requester == nil {
		return SkipKudos
	}
	if requester.Trusted() || wp.ExtraPriority > 0 {
		return ""
	}
	if requester.Kudos-requester.MinKudos < f.estimateCost(wp) {
		return SkipKudos
	}
	return ""
}

// ChooseModel picks the model a batch will run: the first request-listed model
// the worker serves, else the worker's first model. Empty means no overlap.
func ChooseModel(wp *repository.WaitingPrompt, worker *repository.Worker) string {
	if len(wp.Models) == 0 {
		if len(worker.Models) > 0 {
			return worker.Models[0]
		}
		return ""
	}
	for _, model := range wp.Models {
		if contains(worker.Models, model) {
			return model
		}
	}
	return ""
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
