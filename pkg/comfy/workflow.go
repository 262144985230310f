package comfy

import (
	"fmt"
	"math/rand"
)

// Default generation parameters applied when the caller leaves them unset.
const (
	DefaultWidth    = 1024
	DefaultHeight   = 1024
	DefaultSteps    = 25
	DefaultCFGScale = 7.0
	DefaultSampler  = "euler_ancestral"
	DefaultModel    = "sd_xl_base_1.0.safetensors"
)

// Node type names used for capability-based workflow variant selection.
// GetAvailableNodes reports which of these the worker has installed.
const (
	NodeKSampler         = "KSampler"
	NodeKSamplerAdvanced = "KSamplerAdvanced"
	NodeFreeU            = "FreeU_V2"
)

// GenerationInput is the caller-facing description of a base image request.
// Zero values are defaulted during workflow assembly.
type GenerationInput struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negativePrompt,omitempty"`
	Width          int     `json:"width,omitempty"`
	Height         int     `json:"height,omitempty"`
	Steps          int     `json:"steps,omitempty"`
	Seed           int64   `json:"seed,omitempty"`
	CFGScale       float64 `json:"cfgScale,omitempty"`
}

// Node is a single node in a workflow graph.
type Node struct {
	ClassType string                 `json:"class_type"`
	Inputs    map[string]interface{} `json:"inputs"`
}

// Workflow is the graph submitted to the worker. Node keys are string ids
// referenced by [nodeID, outputIndex] pairs in downstream inputs.
type Workflow struct {
	ID    string          `json:"id"`
	Nodes map[string]Node `json:"nodes"`
}

// BuildBaseImageWorkflow assembles a text-to-image workflow from input,
// defaulting absent parameters and selecting a sampler variant based on the
// node types the worker reports as available.
func BuildBaseImageWorkflow(input GenerationInput, availableNodes []string) (*Workflow, error) {
	if input.Prompt == "" {
		return nil, fmt.Errorf("workflow validation failed: prompt is required")
	}

	width := input.Width
	if width <= 0 {
		width = DefaultWidth
	}
	height := input.Height
	if height <= 0 {
		height = DefaultHeight
	}
	steps := input.Steps
	if steps <= 0 {
		steps = DefaultSteps
	}
	seed := input.Seed
	if seed == 0 {
		seed = rand.Int63()
	}
	cfg := input.CFGScale
	if cfg <= 0 {
		cfg = DefaultCFGScale
	}

	available := make(map[string]bool, len(availableNodes))
	for _, n := range availableNodes {
		available[n] = true
	}

	nodes := map[string]Node{
		"1": {
			ClassType: "CheckpointLoaderSimple",
			Inputs:    map[string]interface{}{"ckpt_name": DefaultModel},
		},
		"2": {
			ClassType: "CLIPTextEncode",
			Inputs: map[string]interface{}{
				"text": input.Prompt,
				"clip": []interface{}{"1", 1},
			},
		},
		"3": {
			ClassType: "CLIPTextEncode",
			Inputs: map[string]interface{}{
				"text": input.NegativePrompt,
				"clip": []interface{}{"1", 1},
			},
		},
		"4": {
			ClassType: "EmptyLatentImage",
			Inputs: map[string]interface{}{
				"width":      width,
				"height":     height,
				"batch_size": 1,
			},
		},
	}

	modelSource := []interface{}{"1", 0}

	// FreeU improves output quality at no inference cost; use it when installed.
	if available[NodeFreeU] {
		nodes["7"] = Node{
			ClassType: NodeFreeU,
			Inputs: map[string]interface{}{
				"model": modelSource,
				"b1":    1.3, "b2": 1.4, "s1": 0.9, "s2": 0.2,
			},
		}
		modelSource = []interface{}{"7", 0}
	}

	samplerInputs := map[string]interface{}{
		"model":        modelSource,
		"positive":     []interface{}{"2", 0},
		"negative":     []interface{}{"3", 0},
		"latent_image": []interface{}{"4", 0},
		"seed":         seed,
		"steps":        steps,
		"cfg":          cfg,
		"sampler_name": DefaultSampler,
		"scheduler":    "normal",
	}

	samplerClass := NodeKSampler
	if available[NodeKSamplerAdvanced] {
		samplerClass = NodeKSamplerAdvanced
		samplerInputs["add_noise"] = "enable"
		samplerInputs["start_at_step"] = 0
		samplerInputs["end_at_step"] = steps
	} else {
		samplerInputs["denoise"] = 1.0
	}
	nodes["5"] = Node{ClassType: samplerClass, Inputs: samplerInputs}

	nodes["6"] = Node{
		ClassType: "VAEDecode",
		Inputs: map[string]interface{}{
			"samples": []interface{}{"5", 0},
			"vae":     []interface{}{"1", 2},
		},
	}
	nodes["8"] = Node{
		ClassType: "SaveImage",
		Inputs: map[string]interface{}{
			"images":          []interface{}{"6", 0},
			"filename_prefix": "atelier",
		},
	}

	return &Workflow{
		ID:    samplerClass,
		Nodes: nodes,
	}, nil
}
