package comfy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildBaseImageWorkflow_RequiresPrompt(t *testing.T) {
	_, err := BuildBaseImageWorkflow(GenerationInput{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestBuildBaseImageWorkflow_Defaults(t *testing.T) {
	wf, err := BuildBaseImageWorkflow(GenerationInput{Prompt: "a red fox"}, nil)
	require.NoError(t, err)

	latent := wf.Nodes["4"]
	assert.Equal(t, DefaultWidth, latent.Inputs["width"])
	assert.Equal(t, DefaultHeight, latent.Inputs["height"])

	sampler := wf.Nodes["5"]
	assert.Equal(t, NodeKSampler, sampler.ClassType)
	assert.Equal(t, DefaultSteps, sampler.Inputs["steps"])
	assert.Equal(t, DefaultCFGScale, sampler.Inputs["cfg"])
	assert.NotZero(t, sampler.Inputs["seed"])
}

func TestBuildBaseImageWorkflow_ExplicitParameters(t *testing.T) {
	wf, err := BuildBaseImageWorkflow(GenerationInput{
		Prompt:         "a castle",
		NegativePrompt: "blurry",
		Width:          512,
		Height:         768,
		Steps:          40,
		Seed:           1234,
		CFGScale:       5.5,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 512, wf.Nodes["4"].Inputs["width"])
	assert.Equal(t, 768, wf.Nodes["4"].Inputs["height"])
	assert.Equal(t, 40, wf.Nodes["5"].Inputs["steps"])
	assert.Equal(t, int64(1234), wf.Nodes["5"].Inputs["seed"])
	assert.Equal(t, 5.5, wf.Nodes["5"].Inputs["cfg"])
	assert.Equal(t, "blurry", wf.Nodes["3"].Inputs["text"])
}

func TestBuildBaseImageWorkflow_AdvancedSamplerVariant(t *testing.T) {
	wf, err := BuildBaseImageWorkflow(
		GenerationInput{Prompt: "a red fox"},
		[]string{NodeKSampler, NodeKSamplerAdvanced},
	)
	require.NoError(t, err)

	sampler := wf.Nodes["5"]
	assert.Equal(t, NodeKSamplerAdvanced, sampler.ClassType)
	assert.Equal(t, "enable", sampler.Inputs["add_noise"])
	assert.Equal(t, NodeKSamplerAdvanced, wf.ID)
}

func TestBuildBaseImageWorkflow_FreeUVariant(t *testing.T) {
	wf, err := BuildBaseImageWorkflow(
		GenerationInput{Prompt: "a red fox"},
		[]string{NodeFreeU},
	)
	require.NoError(t, err)

	freeu, ok := wf.Nodes["7"]
	require.True(t, ok)
	assert.Equal(t, NodeFreeU, freeu.ClassType)

	// The sampler must consume the FreeU output, not the raw checkpoint.
	model := wf.Nodes["5"].Inputs["model"].([]interface{})
	assert.Equal(t, "7", model[0])
}

func TestBuildBaseImageWorkflow_WithoutFreeU(t *testing.T) {
	wf, err := BuildBaseImageWorkflow(GenerationInput{Prompt: "a red fox"}, []string{NodeKSampler})
	require.NoError(t, err)

	_, ok := wf.Nodes["7"]
	assert.False(t, ok)

	model := wf.Nodes["5"].Inputs["model"].([]interface{})
	assert.Equal(t, "1", model[0])
}
