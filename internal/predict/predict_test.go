package predict

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptforge/teleprompt/internal/clients"
	"github.com/promptforge/teleprompt/internal/primitives"
)

func TestNew_ParsesStringSignature(t *testing.T) {
	p, err := New("question -> answer", clients.NewMockLM("m"))
	require.NoError(t, err)
	assert.Equal(t, []string{"question"}, p.Signature.InputFieldNames())
	assert.Equal(t, []string{"answer"}, p.Signature.OutputFieldNames())

	_, err = New(42, clients.NewMockLM("m"))
	assert.Error(t, err)
}

func TestForward_ParsesFieldLines(t *testing.T) {
	lm := clients.NewMockLM("m").Script("answer: 4")
	p, err := New("question -> answer", lm)
	require.NoError(t, err)

	pred, err := p.Forward(context.Background(), map[string]interface{}{"question": "2+2"})
	require.NoError(t, err)
	assert.Equal(t, "4", pred.GetString("answer"))
}

func TestForward_SingleOutputFallback(t *testing.T) {
	lm := clients.NewMockLM("m").Script("just the answer text")
	p, err := New("question -> answer", lm)
	require.NoError(t, err)

	pred, err := p.Forward(context.Background(), map[string]interface{}{"question": "2+2"})
	require.NoError(t, err)
	assert.Equal(t, "just the answer text", pred.GetString("answer"))
}

func TestForward_MissingInput(t *testing.T) {
	p, err := New("question -> answer", clients.NewMockLM("m"))
	require.NoError(t, err)

	_, err = p.Forward(context.Background(), map[string]interface{}{})
	assert.ErrorContains(t, err, "question")
}

func TestForward_RendersInstructionAndDemos(t *testing.T) {
	var captured *clients.Request
	lm := clients.NewMockLM("m")
	lm.ResponseFunc = func(req *clients.Request) (*clients.Response, error) {
		captured = req
		return &clients.Response{Choices: []clients.Choice{{
			Message: clients.Message{Role: "assistant", Content: "answer: ok"},
		}}}, nil
	}

	p, err := New("question -> answer", lm)
	require.NoError(t, err)
	p.SetInstruction("Answer arithmetic questions.")
	p.SetDemos([]*primitives.Example{
		primitives.NewExample(
			map[string]interface{}{"question": "1+1"},
			map[string]interface{}{"answer": "2"},
		),
	})

	_, err = p.Forward(context.Background(), map[string]interface{}{"question": "2+2"})
	require.NoError(t, err)
	require.NotNil(t, captured)

	// system + demo user/assistant pair + live user message
	require.Len(t, captured.Messages, 4)
	assert.Contains(t, captured.Messages[0].Content, "Answer arithmetic questions.")
	assert.Contains(t, captured.Messages[1].Content, "1+1")
	assert.Contains(t, captured.Messages[2].Content, "2")
	assert.True(t, strings.Contains(captured.Messages[3].Content, "2+2"))
}

func TestForward_ContextOptionsOverride(t *testing.T) {
	var captured *clients.Request
	lm := clients.NewMockLM("m")
	lm.ResponseFunc = func(req *clients.Request) (*clients.Response, error) {
		captured = req
		return &clients.Response{Choices: []clients.Choice{{
			Message: clients.Message{Role: "assistant", Content: "answer: ok"},
		}}}, nil
	}

	p, err := New("question -> answer", lm)
	require.NoError(t, err)

	temp := 0.9
	ctx := primitives.WithForwardOptions(context.Background(), primitives.ForwardOptions{
		Temperature:   &temp,
		CorrelationID: "run-1",
	})

	_, err = p.Forward(ctx, map[string]interface{}{"question": "2+2"})
	require.NoError(t, err)
	assert.Equal(t, 0.9, captured.Temperature)
	assert.Equal(t, "run-1", captured.CorrelationID)
}

func TestCopy_IsIndependent(t *testing.T) {
	p, err := New("question -> answer", clients.NewMockLM("m"))
	require.NoError(t, err)
	p.SetInstruction("original")

	cp := p.Copy().(*Predict)
	cp.SetInstruction("changed")
	cp.SetDemos([]*primitives.Example{
		primitives.NewExample(map[string]interface{}{"question": "x"}, map[string]interface{}{"answer": "y"}),
	})

	assert.Equal(t, "original", p.Instruction())
	assert.Empty(t, p.Demos())
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	p, err := New("question -> answer", clients.NewMockLM("m"))
	require.NoError(t, err)
	p.SetInstruction("be terse")

	data, err := p.Save()
	require.NoError(t, err)

	restored, err := New("question -> answer", clients.NewMockLM("m"))
	require.NoError(t, err)
	require.NoError(t, restored.Load(data))
	assert.Equal(t, "be terse", restored.Instruction())
}
