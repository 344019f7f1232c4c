package teleprompt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/promptforge/teleprompt/internal/clients"
	"github.com/promptforge/teleprompt/internal/primitives"
)

// Minimum sizes the advice exchange must meet before it is trusted.
const (
	minTraceLen  = 50
	minAdviceLen = 10
)

// AppendRule compares a bucket's best and worst trajectories and asks the
// LM for advice that separates them, appending the advice to the source
// program's instruction.
type AppendRule struct{}

// NewAppendRule creates the strategy.
func NewAppendRule() *AppendRule {
	return &AppendRule{}
}

// Name implements Strategy.Name.
func (s *AppendRule) Name() string {
	return "append_rule"
}

// Applicable implements Strategy.Applicable.
func (s *AppendRule) Applicable(bucket *Bucket, opts StrategyOptions) bool {
	return bucket.Count() >= 2 && opts.LM != nil
}

// Apply implements Strategy.Apply.
func (s *AppendRule) Apply(ctx context.Context, bucket *Bucket, source primitives.Module, opts StrategyOptions) (primitives.Module, error) {
	best, worst := bucket.Best(), bucket.Worst()
	if best == nil || worst == nil {
		return nil, Skip("bucket lacks a best/worst trajectory pair")
	}
	if best.Score-worst.Score < opts.minScoreGap() {
		return nil, Skip("score gap %.3f below minimum %.3f", best.Score-worst.Score, opts.minScoreGap())
	}

	betterTrace := renderTrace(best)
	worseTrace := renderTrace(worst)
	if len(betterTrace) < minTraceLen || len(worseTrace) < minTraceLen {
		return nil, Skip("trajectory traces too short to compare")
	}

	programCode, err := source.Save()
	if err != nil {
		return nil, Skip("failed to serialize program: %v", err)
	}

	advice, err := s.offerFeedback(ctx, opts, string(programCode), betterTrace, worseTrace)
	if err != nil {
		return nil, Skip("feedback request failed: %v", err)
	}

	var instruction string
	if ic, ok := source.(primitives.InstructionCapable); ok {
		instruction = ic.Instruction()
	}
	if instruction != "" {
		instruction += "\n\n"
	}
	instruction += advice

	if _, ok := source.(primitives.InstructionCapable); ok {
		cp := source.Copy()
		cp.(primitives.InstructionCapable).SetInstruction(instruction)
		return cp, nil
	}
	wrapped := primitives.NewOptimizedProgram(source.Copy(), nil, map[string]interface{}{
		"enhanced_by": s.Name(),
	})
	wrapped.SetInstruction(instruction)
	return wrapped, nil
}

// offerFeedback asks the LM to explain what separated the two executions
// and returns the validated advice as one string.
func (s *AppendRule) offerFeedback(ctx context.Context, opts StrategyOptions, programCode, betterTrace, worseTrace string) (string, error) {
	prompt := fmt.Sprintf(`You are advising a language-model program.

Program definition:
%s

A higher-scoring execution:
%s

A lower-scoring execution:
%s

For each module of the program, state advice that would turn executions
like the second into executions like the first. Respond with a JSON object
mapping module names to advice strings.`, programCode, betterTrace, worseTrace)

	request := clients.NewRequest().
		WithMessages(clients.NewMessage("user", prompt)).
		WithTemperature(0.7).
		WithCorrelationID(opts.CorrelationID)

	resp, err := opts.LM.Call(ctx, request)
	if err != nil {
		return "", err
	}

	advice, err := parseAdvice(resp.Content())
	if err != nil {
		return "", err
	}
	return advice, nil
}

// parseAdvice decodes and validates the per-module advice map.
func parseAdvice(content string) (string, error) {
	content = strings.TrimSpace(content)
	if start := strings.Index(content, "{"); start >= 0 {
		if end := strings.LastIndex(content, "}"); end > start {
			content = content[start : end+1]
		}
	}

	var adviceMap map[string]string
	if err := json.Unmarshal([]byte(content), &adviceMap); err != nil {
		return "", fmt.Errorf("response is not a module/advice map: %w", err)
	}
	if len(adviceMap) == 0 {
		return "", fmt.Errorf("empty advice map")
	}

	modules := make([]string, 0, len(adviceMap))
	for module, advice := range adviceMap {
		if len(strings.TrimSpace(advice)) <= minAdviceLen {
			return "", fmt.Errorf("advice for module %q too short", module)
		}
		modules = append(modules, module)
	}
	sort.Strings(modules)

	var sb strings.Builder
	for i, module := range modules {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(strings.TrimSpace(adviceMap[module]))
	}
	return sb.String(), nil
}

// renderTrace formats a trajectory for the feedback prompt.
func renderTrace(t *Trajectory) string {
	var sb strings.Builder
	sb.WriteString("inputs:\n")
	for _, k := range sortedKeys(t.Inputs) {
		fmt.Fprintf(&sb, "  %s: %v\n", k, t.Inputs[k])
	}
	sb.WriteString("outputs:\n")
	if t.Outputs != nil {
		fields := t.Outputs.Fields()
		for _, k := range sortedKeys(fields) {
			fmt.Fprintf(&sb, "  %s: %v\n", k, fields[k])
		}
	} else if t.Err != nil {
		fmt.Fprintf(&sb, "  (failed: %v)\n", t.Err)
	}
	fmt.Fprintf(&sb, "score: %.3f", t.Score)
	return sb.String()
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
