// Package predict provides the basic LM-backed program.
package predict

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/promptforge/teleprompt/internal/clients"
	"github.com/promptforge/teleprompt/internal/primitives"
	"github.com/promptforge/teleprompt/internal/signatures"
)

// Predict is the basic prediction program: it renders an instruction,
// few-shot demos and the current inputs into chat messages, calls the LM
// and parses the output fields back out. It exposes both the demo and the
// instruction slot, so optimizers can update it by structural copy.
type Predict struct {
	// Signature defines the input and output structure
	Signature *signatures.Signature

	// LM is the language model this program executes against
	LM clients.BaseLM

	demos       []*primitives.Example
	instruction string

	// Temperature is the default sampling temperature
	Temperature float64

	// MaxTokens is the default generation budget
	MaxTokens int
}

// New creates a Predict program. The signature can be a string like
// "question -> answer" or a *signatures.Signature.
func New(sig interface{}, lm clients.BaseLM) (*Predict, error) {
	var signature *signatures.Signature
	var err error

	switch s := sig.(type) {
	case string:
		signature, err = signatures.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("failed to parse signature: %w", err)
		}
	case *signatures.Signature:
		signature = s
	default:
		return nil, fmt.Errorf("signature must be string or *signatures.Signature, got %T", sig)
	}

	return &Predict{
		Signature:   signature,
		LM:          lm,
		Temperature: 0.0,
		MaxTokens:   1000,
	}, nil
}

// Demos implements primitives.DemoCapable.
func (p *Predict) Demos() []*primitives.Example {
	return p.demos
}

// SetDemos implements primitives.DemoCapable with replacement semantics.
func (p *Predict) SetDemos(demos []*primitives.Example) {
	p.demos = append([]*primitives.Example(nil), demos...)
}

// Instruction implements primitives.InstructionCapable.
func (p *Predict) Instruction() string {
	return p.instruction
}

// SetInstruction implements primitives.InstructionCapable.
func (p *Predict) SetInstruction(instruction string) {
	p.instruction = instruction
}

// Forward executes the prediction with the given inputs.
func (p *Predict) Forward(ctx context.Context, inputs map[string]interface{}) (*primitives.Prediction, error) {
	if p.LM == nil {
		return nil, fmt.Errorf("no language model configured")
	}
	if err := p.validateInputs(inputs); err != nil {
		return nil, err
	}

	opts := primitives.ForwardOptionsFrom(ctx)

	request := clients.NewRequest().
		WithMessages(p.buildMessages(inputs)...).
		WithTemperature(p.Temperature).
		WithMaxTokens(p.MaxTokens)
	if opts.Temperature != nil {
		request.Temperature = *opts.Temperature
	}
	if opts.MaxTokens > 0 {
		request.MaxTokens = opts.MaxTokens
	}
	if opts.Timeout > 0 {
		request.Timeout = opts.Timeout
	}
	if opts.CorrelationID != "" {
		request.CorrelationID = opts.CorrelationID
	}

	resp, err := p.LM.Call(ctx, request)
	if err != nil {
		return nil, err
	}

	prediction := p.parseCompletion(resp.Content())
	prediction.SetMetadata("model", resp.Model)
	prediction.SetMetadata("total_tokens", resp.Usage.TotalTokens)
	return prediction, nil
}

// buildMessages renders the instruction, demos and inputs as a chat.
func (p *Predict) buildMessages(inputs map[string]interface{}) []clients.Message {
	var messages []clients.Message

	system := p.instruction
	if system == "" {
		system = p.Signature.Description()
	}
	system += "\n\nRespond with one line per output field, formatted as `field: value`. Output fields: " +
		strings.Join(p.Signature.OutputFieldNames(), ", ") + "."
	messages = append(messages, clients.NewMessage("system", system))

	for _, demo := range p.demos {
		messages = append(messages,
			clients.NewMessage("user", p.renderFields(p.Signature.InputFields, demo.ToMap())),
			clients.NewMessage("assistant", p.renderFields(p.Signature.OutputFields, demo.ToMap())),
		)
	}

	messages = append(messages, clients.NewMessage("user", p.renderFields(p.Signature.InputFields, inputs)))
	return messages
}

// renderFields formats field values with their prefixes, one per line.
func (p *Predict) renderFields(fields []*signatures.Field, values map[string]interface{}) string {
	var lines []string
	for _, field := range fields {
		if val, ok := values[field.Name]; ok {
			lines = append(lines, fmt.Sprintf("%s %v", field.Prefix, val))
		}
	}
	return strings.Join(lines, "\n")
}

// parseCompletion extracts output fields from `field: value` lines. When
// the signature has a single output field and no line matches, the whole
// completion becomes that field's value.
func (p *Predict) parseCompletion(content string) *primitives.Prediction {
	outputs := make(map[string]interface{})

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		for _, field := range p.Signature.OutputFields {
			prefix := field.Name + ":"
			if strings.HasPrefix(strings.ToLower(line), strings.ToLower(prefix)) {
				outputs[field.Name] = strings.TrimSpace(line[len(prefix):])
			}
		}
	}

	if len(outputs) == 0 && len(p.Signature.OutputFields) == 1 {
		outputs[p.Signature.OutputFields[0].Name] = strings.TrimSpace(content)
	}

	return primitives.NewPrediction(outputs)
}

// validateInputs checks that all required input fields are present.
func (p *Predict) validateInputs(inputs map[string]interface{}) error {
	for _, field := range p.Signature.InputFields {
		if field.Required {
			if _, ok := inputs[field.Name]; !ok {
				return fmt.Errorf("required input field missing: %s", field.Name)
			}
		}
	}
	return nil
}

// Copy implements primitives.Module.
func (p *Predict) Copy() primitives.Module {
	cp := &Predict{
		Signature:   p.Signature, // signatures are immutable, safe to share
		LM:          p.LM,
		instruction: p.instruction,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
	}
	cp.demos = append([]*primitives.Example(nil), p.demos...)
	return cp
}

// Save implements primitives.Module.
func (p *Predict) Save() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"signature":   p.Signature.String(),
		"instruction": p.instruction,
		"demos":       p.demos,
		"temperature": p.Temperature,
		"max_tokens":  p.MaxTokens,
	})
}

// Load implements primitives.Module.
func (p *Predict) Load(data []byte) error {
	var state struct {
		Signature   string                `json:"signature"`
		Instruction string                `json:"instruction"`
		Demos       []*primitives.Example `json:"demos"`
		Temperature float64               `json:"temperature"`
		MaxTokens   int                   `json:"max_tokens"`
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to unmarshal program state: %w", err)
	}
	if state.Signature != "" {
		sig, err := signatures.Parse(state.Signature)
		if err != nil {
			return fmt.Errorf("failed to parse saved signature: %w", err)
		}
		p.Signature = sig
	}
	p.instruction = state.Instruction
	p.demos = state.Demos
	p.Temperature = state.Temperature
	p.MaxTokens = state.MaxTokens
	return nil
}
