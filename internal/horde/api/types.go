package api

import (
	"time"

	"github.com/google/uuid"
)

// RequestKind discriminates the three request modalities the horde brokers.
type RequestKind string

const (
	KindImage         RequestKind = "image"
	KindText          RequestKind = "text"
	KindInterrogation RequestKind = "interrogation"
)

// GenerationState is the outcome a worker reports on submit.
type GenerationState string

const (
	StateOk       GenerationState = "ok"
	StateFaulted  GenerationState = "faulted"
	StateCensored GenerationState = "censored"
	StateCsam     GenerationState = "csam"
)

// R2Sentinel in a generation field means the payload was delivered through
// the blob store, content-addressed by the generation id.
const R2Sentinel = "R2"

// GenerationRequest is the client-facing body of POST /generate/{kind}/async.
type GenerationRequest struct {
	Kind   RequestKind            `json:"-"`
	Prompt string                 `json:"prompt"`
	Params map[string]interface{} `json:"params"`
	Models []string               `json:"models"`

	Nsfw            bool        `json:"nsfw"`
	TrustedWorkers  bool        `json:"trusted_workers"`
	SlowWorkers     bool        `json:"slow_workers"`
	WorkerBlacklist bool        `json:"worker_blacklist"`
	Shared          bool        `json:"shared"`
	R2              bool        `json:"r2"`
	DisableBatching bool        `json:"disable_batching"`
	Workers         []uuid.UUID `json:"workers,omitempty"`

	// Units to generate; stored as both n and jobs on the request row.
	N int32 `json:"n"`
}

// GenerationParams is a tagged sum over the per-modality payload variants.
// Exactly one of the variant pointers is set, discriminated by the request
// kind; unrecognized fields survive round-trips in Extensions.
type GenerationParams struct {
	Image         *ImageParams         `json:"image,omitempty"`
	Text          *TextParams          `json:"text,omitempty"`
	Interrogation *InterrogationParams `json:"interrogation,omitempty"`

	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

func (p GenerationParams) Kind() RequestKind {
	switch {
	case p.Image != nil:
		return KindImage
	case p.Text != nil:
		return KindText
	default:
		return KindInterrogation
	}
}

type ImageParams struct {
	Width  int64 `json:"width" mapstructure:"width"`
	Height int64 `json:"height" mapstructure:"height"`
	Steps  int64 `json:"steps" mapstructure:"steps"`

	SamplerName       string   `json:"sampler_name" mapstructure:"sampler_name"`
	Karras            bool     `json:"karras" mapstructure:"karras"`
	CfgScale          float64  `json:"cfg_scale" mapstructure:"cfg_scale"`
	DenoisingStrength float64  `json:"denoising_strength" mapstructure:"denoising_strength"`
	Seed              string   `json:"seed" mapstructure:"seed"`
	PostProcessors    []string `json:"post_processing" mapstructure:"post_processing"`

	SourceImage      string `json:"source_image" mapstructure:"source_image"`
	SourceProcessing string `json:"source_processing" mapstructure:"source_processing"`
	SourceMask       string `json:"source_mask" mapstructure:"source_mask"`

	HiresFix         bool       `json:"hires_fix" mapstructure:"hires_fix"`
	Tiling           bool       `json:"tiling" mapstructure:"tiling"`
	ClipSkip         int32      `json:"clip_skip" mapstructure:"clip_skip"`
	ControlType      string     `json:"control_type" mapstructure:"control_type"`
	ReturnControlMap bool       `json:"return_control_map" mapstructure:"return_control_map"`
	Loras            []LoraSpec `json:"loras" mapstructure:"loras"`
}

type LoraSpec struct {
	Name    string  `json:"name" mapstructure:"name"`
	Model   float64 `json:"model" mapstructure:"model"`
	Clip    float64 `json:"clip" mapstructure:"clip"`
	Trigger string  `json:"inject_trigger" mapstructure:"inject_trigger"`
}

// Img2Img reports whether the request transforms a source image.
func (p *ImageParams) Img2Img() bool {
	return p.SourceImage != ""
}

// Inpainting reports whether the request paints into a masked region.
func (p *ImageParams) Inpainting() bool {
	return p.SourceProcessing == "inpainting" || p.SourceProcessing == "outpainting"
}

type TextParams struct {
	MaxLength        int64  `json:"max_length" mapstructure:"max_length"`
	MaxContextLength int64  `json:"max_context_length" mapstructure:"max_context_length"`
	Softprompt       string `json:"softprompt" mapstructure:"softprompt"`
}

type InterrogationParams struct {
	SourceImage string   `json:"source_image" mapstructure:"source_image"`
	Forms       []string `json:"forms" mapstructure:"forms"`
}

// PopRequest is the worker check-in payload, shared by the pop and check-in
// endpoints. Fields the worker does not declare default to zero values.
type PopRequest struct {
	Name        string      `json:"name"`
	Kind        RequestKind `json:"-"`
	BridgeAgent string      `json:"bridge_agent"`
	Models      []string    `json:"models"`
	Team        string      `json:"team,omitempty"`

	Amount  int32 `json:"amount"`
	Threads int32 `json:"threads"`

	MaxPixels        int64 `json:"max_pixels,omitempty"`
	MaxLength        int64 `json:"max_length,omitempty"`
	MaxContextLength int64 `json:"max_context_length,omitempty"`

	Nsfw                bool     `json:"nsfw"`
	AllowImg2Img        bool     `json:"allow_img2img"`
	AllowPainting       bool     `json:"allow_painting"`
	AllowUnsafeIPAddr   bool     `json:"allow_unsafe_ipaddr"`
	AllowPostProcessing bool     `json:"allow_post_processing"`
	AllowControlnet     bool     `json:"allow_controlnet"`
	AllowLora           bool     `json:"allow_lora"`
	RequireUpfrontKudos bool     `json:"require_upfront_kudos"`
	Softprompts         []string `json:"softprompts,omitempty"`
	Blacklist           []string `json:"blacklist,omitempty"`
	// Forms an interrogation worker offers to run.
	Forms []string `json:"forms,omitempty"`
}

// JobPayload is what a worker receives from a successful pop. All ids of a
// batch belong to the same request and share the same model.
type JobPayload struct {
	Id     uuid.UUID        `json:"id"`
	Ids    []uuid.UUID      `json:"ids"`
	Model  string           `json:"model"`
	Prompt string           `json:"prompt"`
	Params GenerationParams `json:"params"`
	TTL    int64            `json:"ttl"` // seconds
}

// PopResponse carries either a job payload or, when nothing matched, a
// summary of why each candidate was skipped so the worker can back off.
type PopResponse struct {
	Payload *JobPayload      `json:"payload,omitempty"`
	Skipped map[string]int32 `json:"skipped,omitempty"`
}

type SubmitRequest struct {
	Id         uuid.UUID            `json:"id"`
	Generation string               `json:"generation"`
	State      GenerationState      `json:"state"`
	Seed       string               `json:"seed"`
	Metadata   []GenerationMetadata `json:"gen_metadata,omitempty"`
}

type GenerationMetadata struct {
	Type  string `json:"type"`
	Value string `json:"value"`
	Ref   string `json:"ref,omitempty"`
}

type SubmitResponse struct {
	Reward float64 `json:"reward"`
}

// StatusResponse is the body of GET /generate/{kind}/status/{id}.
type StatusResponse struct {
	Waiting    int32 `json:"waiting"`
	Processing int32 `json:"processing"`
	Finished   int32 `json:"finished"`
	Restarted  int32 `json:"restarted"`

	Done       bool `json:"done"`
	Faulted    bool `json:"faulted"`
	IsPossible bool `json:"is_possible"`

	QueuePosition int64   `json:"queue_position"`
	WaitTime      int64   `json:"wait_time"` // seconds
	Kudos         float64 `json:"kudos"`

	Generations []GenerationStatus `json:"generations,omitempty"`
}

type GenerationStatus struct {
	Id         uuid.UUID `json:"id"`
	WorkerId   uuid.UUID `json:"worker_id"`
	WorkerName string    `json:"worker_name"`
	Model      string    `json:"model"`
	Seed       string    `json:"seed"`
	Generation string    `json:"generation,omitempty"`
	Censored   bool      `json:"censored"`
	State      string    `json:"state"`
}

// InterrogationStatusResponse is the body of GET /interrogate/status/{id}.
// State aggregates the forms: done once every form reached a terminal state.
type InterrogationStatusResponse struct {
	State string       `json:"state"`
	Forms []FormStatus `json:"forms"`
}

type FormStatus struct {
	Name   string  `json:"form"`
	State  string  `json:"state"`
	Result *string `json:"result,omitempty"`
}

// TransferRequest moves kudos between users.
type TransferRequest struct {
	Source      uuid.UUID `json:"-"`
	Destination uuid.UUID `json:"destination"`
	Amount      float64   `json:"amount"`
}

// ModelReport aggregates availability of one model for clients.
type ModelReport struct {
	Name        string    `json:"name"`
	Count       int32     `json:"count"`
	Queued      float64   `json:"queued"`
	ETA         int64     `json:"eta"`
	Performance float64   `json:"performance"`
	Updated     time.Time `json:"updated"`
}
