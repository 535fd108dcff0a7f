package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestClassify_EmptyPromptIsUnknown(t *testing.T) {
	c := NewClassifier(zap.NewNop())

	result := c.Classify("")
	assert.Equal(t, TaskUnknown, result.TaskType)
	assert.Equal(t, 0.5, result.Confidence)
	assert.True(t, result.RequiresGuardrails)
}

func TestClassify_CodePrompt(t *testing.T) {
	c := NewClassifier(zap.NewNop())

	result := c.Classify("implement a function to debug the api endpoint in main.py")
	assert.Equal(t, TaskCode, result.TaskType)
	assert.GreaterOrEqual(t, result.Confidence, 0.6)
	assert.True(t, result.RequiresGuardrails)
}

func TestClassify_CreativePromptSkipsGuardrails(t *testing.T) {
	c := NewClassifier(zap.NewNop())

	result := c.Classify("an artistic logo, a poster, a flyer and a brochure")
	assert.Equal(t, TaskCreative, result.TaskType)
	assert.False(t, result.RequiresGuardrails)
}

func TestClassify_ContentPrompt(t *testing.T) {
	c := NewClassifier(zap.NewNop())

	result := c.Classify("write a blog article and a readme paragraph")
	assert.Equal(t, TaskContent, result.TaskType)
	assert.False(t, result.RequiresGuardrails)
}

func TestClassify_MixedPrompt(t *testing.T) {
	c := NewClassifier(zap.NewNop())

	// Code signal from keywords and syntax, content signal from the docs
	// request; neither clears its own threshold.
	result := c.Classify("refactor the module imports; then write a summarize section about it")
	assert.Equal(t, TaskMixed, result.TaskType)
	assert.True(t, result.RequiresGuardrails)
}

func TestClassify_GuardrailsOnWhenUnclear(t *testing.T) {
	c := NewClassifier(zap.NewNop())

	result := c.Classify("hmm what should we do next")
	assert.Equal(t, TaskUnknown, result.TaskType)
	assert.True(t, result.RequiresGuardrails)
}

func TestClassify_FeaturesPopulated(t *testing.T) {
	c := NewClassifier(zap.NewNop())

	result := c.Classify("implement tests for app.ts")
	for _, key := range []string{"code_keywords", "content_keywords", "creative_keywords", "code_patterns", "file_extensions"} {
		assert.Contains(t, result.Features, key)
	}
	assert.Equal(t, 1.0, result.Features["file_extensions"])
}

func TestScoreExtensions(t *testing.T) {
	assert.Equal(t, 1.0, scoreExtensions("edit main.go please"))
	assert.Equal(t, 0.5, scoreExtensions("update readme.md"))
	assert.Equal(t, -0.5, scoreExtensions("tweak page.html"))
	assert.Equal(t, 0.0, scoreExtensions("no files here"))
}
