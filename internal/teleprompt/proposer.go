package teleprompt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/promptforge/teleprompt/internal/clients"
	"github.com/promptforge/teleprompt/internal/log"
	"github.com/promptforge/teleprompt/internal/primitives"
	"github.com/promptforge/teleprompt/internal/signatures"
)

// InstructionProposer generates candidate instruction strings for a task
// by prompting the LM from several angles. On total LM failure it falls
// back to one deterministic default instruction.
type InstructionProposer struct {
	// LM generates the candidates
	LM clients.BaseLM

	// NumCandidates is how many instructions to request (default 5)
	NumCandidates int

	// MaxConcurrency bounds parallel LM calls
	MaxConcurrency int

	// Timeout bounds each LM call
	Timeout time.Duration

	// MaxSampleExamples caps the examples embedded in each prompt
	// (default 3)
	MaxSampleExamples int

	// CorrelationID tags LM calls
	CorrelationID string
}

// creativityDirectives vary the prompts beyond the three base variants.
var creativityDirectives = []string{
	"Be unusually specific about the expected output format.",
	"Emphasize common mistakes to avoid.",
	"Phrase the instruction as if briefing a careful domain expert.",
	"Keep the instruction under two sentences.",
	"Stress reasoning through the problem before answering.",
}

// NewInstructionProposer creates a proposer with its defaults.
func NewInstructionProposer(lm clients.BaseLM) *InstructionProposer {
	return &InstructionProposer{
		LM:                lm,
		NumCandidates:     5,
		MaxConcurrency:    4,
		Timeout:           30 * time.Second,
		MaxSampleExamples: 3,
	}
}

// Propose returns up to NumCandidates instruction strings. The result is
// never empty: with no usable LM responses, the deterministic default
// instruction is returned alone.
func (p *InstructionProposer) Propose(ctx context.Context, sig *signatures.Signature, examples []*primitives.Example) []string {
	prompts := p.buildPrompts(sig, examples)

	results := make([]string, len(prompts))
	sem := make(chan struct{}, p.concurrency())
	var wg sync.WaitGroup

	for i, prompt := range prompts {
		wg.Add(1)
		go func(i int, prompt string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			callCtx := ctx
			if p.Timeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
				defer cancel()
			}

			request := clients.NewRequest().
				WithMessages(clients.NewMessage("user", prompt)).
				WithTemperature(0.9).
				WithCorrelationID(p.CorrelationID)

			resp, err := p.LM.Call(callCtx, request)
			if err != nil {
				log.L().Debugw("instruction proposal failed", "variant", i, "error", err)
				return
			}
			results[i] = strings.TrimSpace(resp.Content())
		}(i, prompt)
	}
	wg.Wait()

	var instructions []string
	for _, r := range results {
		if r != "" {
			instructions = append(instructions, r)
		}
	}
	if len(instructions) == 0 {
		instructions = []string{DefaultInstruction(sig)}
	}
	return instructions
}

// buildPrompts renders the three base variants plus creativity variants
// up to NumCandidates.
func (p *InstructionProposer) buildPrompts(sig *signatures.Signature, examples []*primitives.Example) []string {
	task := p.describeTask(sig, examples)

	base := []string{
		"Write an instruction for the following task. The instruction should describe what to do with the inputs to produce the outputs.\n\n" + task,
		"Write an instruction for the following task. The instruction should walk through the task step by step.\n\n" + task,
		"Write an instruction for the following task. The instruction should emphasize accuracy and output quality.\n\n" + task,
	}

	num := p.NumCandidates
	if num <= 0 {
		num = 5
	}
	prompts := base
	if num < len(prompts) {
		return prompts[:num]
	}
	for i := 0; len(prompts) < num; i++ {
		directive := creativityDirectives[i%len(creativityDirectives)]
		prompts = append(prompts, base[0]+"\n\n"+directive)
	}
	return prompts
}

// describeTask embeds the field structure and a few formatted samples.
func (p *InstructionProposer) describeTask(sig *signatures.Signature, examples []*primitives.Example) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Input fields: %s\n", strings.Join(sig.InputFieldNames(), ", "))
	fmt.Fprintf(&sb, "Output fields: %s\n", strings.Join(sig.OutputFieldNames(), ", "))

	max := p.MaxSampleExamples
	if max <= 0 {
		max = 3
	}
	if len(examples) > 0 {
		sb.WriteString("\nSample examples:\n")
		for i, ex := range examples {
			if i == max {
				break
			}
			fmt.Fprintf(&sb, "- %s\n", formatExample(sig, ex))
		}
	}
	return sb.String()
}

// formatExample renders one example on a single line.
func formatExample(sig *signatures.Signature, ex *primitives.Example) string {
	var parts []string
	data := ex.ToMap()
	for _, name := range append(sig.InputFieldNames(), sig.OutputFieldNames()...) {
		if val, ok := data[name]; ok {
			parts = append(parts, fmt.Sprintf("%s=%v", name, val))
		}
	}
	return strings.Join(parts, ", ")
}

// DefaultInstruction derives a deterministic instruction from the
// signature's field names.
func DefaultInstruction(sig *signatures.Signature) string {
	return fmt.Sprintf("Given the fields %s, produce the fields %s.",
		strings.Join(sig.InputFieldNames(), ", "),
		strings.Join(sig.OutputFieldNames(), ", "))
}

func (p *InstructionProposer) concurrency() int {
	if p.MaxConcurrency > 0 {
		return p.MaxConcurrency
	}
	return 4
}
