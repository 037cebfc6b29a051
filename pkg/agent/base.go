package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"

	"qi-agent/core/internal/utils"
	"qi-agent/core/pkg/audit"
	"qi-agent/core/pkg/tools"
)

// Binding exposes a subset of an adapter's methods to one agent. An empty
// Methods list binds every method the adapter declares.
type Binding struct {
	Adapter tools.Adapter
	Methods []string
}

// Config carries the identity and model settings of one specialist.
type Config struct {
	Key          string
	DisplayName  string
	Instructions string
	ModelID      string
	Temperature  float64
	MaxTokens    int
	// MaxTurns bounds the generate/tool-call loop. Zero means 6.
	MaxTurns int
	// Deadline is the per-run ceiling. Zero means 180s.
	Deadline time.Duration
}

type boundMethod struct {
	adapter tools.Adapter
	method  string
}

// Base runs the shared generate/tool-call loop every model-backed specialist
// uses. Subpackages compose it with their own bindings and validator.
type Base struct {
	cfg      Config
	llm      llms.Model
	runner   *tools.Runner
	toolDefs []llms.Tool
	methods  map[string]boundMethod
	validate Validator
	audit    *audit.Logger
	logger   utils.ExtendedLogger
	chain    []Middleware
}

// NewBase wires a specialist. Reproducibility is mandatory: any temperature
// other than zero is a construction error, not a warning.
func NewBase(cfg Config, model llms.Model, runner *tools.Runner, bindings []Binding, validate Validator, auditLog *audit.Logger, logger utils.ExtendedLogger, chain ...Middleware) (*Base, error) {
	if cfg.Key == "" {
		return nil, fmt.Errorf("agent key is required")
	}
	if cfg.Temperature != 0 {
		return nil, fmt.Errorf("agent %s: temperature must be 0, got %g", cfg.Key, cfg.Temperature)
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 6
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 180 * time.Second
	}
	if validate == nil {
		validate = GroundOnToolResults
	}

	b := &Base{
		cfg:      cfg,
		llm:      model,
		runner:   runner,
		methods:  make(map[string]boundMethod),
		validate: validate,
		audit:    auditLog,
		logger:   logger,
		chain:    chain,
	}
	for _, binding := range bindings {
		allowed := make(map[string]bool, len(binding.Methods))
		for _, m := range binding.Methods {
			allowed[m] = true
		}
		for _, spec := range binding.Adapter.Methods() {
			if len(allowed) > 0 && !allowed[spec.Name] {
				continue
			}
			name := binding.Adapter.Name() + "_" + spec.Name
			b.methods[name] = boundMethod{adapter: binding.Adapter, method: spec.Name}
			b.toolDefs = append(b.toolDefs, llms.Tool{
				Type: "function",
				Function: &llms.FunctionDefinition{
					Name:        name,
					Description: spec.Description,
					Parameters:  spec.ParamSchema,
				},
			})
		}
	}
	return b, nil
}

func (b *Base) Key() string         { return b.cfg.Key }
func (b *Base) DisplayName() string { return b.cfg.DisplayName }

// Execute runs the middleware chain around draft generation, then applies the
// grounding validator and refusal substitution. Validation always runs, no
// matter what the chain does.
func (b *Base) Execute(ctx context.Context, req *Request) (*Response, error) {
	runCtx, cancel := context.WithTimeout(ctx, b.cfg.Deadline)
	defer cancel()

	b.auditLog(req.SessionID, audit.ActionQueryReceived, map[string]any{
		"action": req.Action,
		"query":  req.Query,
	})

	handler := b.generate
	for i := len(b.chain) - 1; i >= 0; i-- {
		handler = b.chain[i](handler)
	}

	resp, err := handler(runCtx, req)
	if err != nil {
		b.auditLog(req.SessionID, audit.ActionError, map[string]any{
			"action": req.Action,
			"error":  err.Error(),
		})
		return nil, fmt.Errorf("agent %s failed: %w", b.cfg.Key, err)
	}

	draft, _ := resp.Output["text"].(string)
	verdict, unverified, err := b.validate(runCtx, req, draft, resp.ToolCalls, resp.Findings)
	if err != nil {
		return nil, fmt.Errorf("agent %s validation failed: %w", b.cfg.Key, err)
	}
	resp.Verdict = verdict
	resp.Unverified = unverified

	b.auditLog(req.SessionID, audit.ActionGroundingCheck, map[string]any{
		"passed":     verdict != VerdictHallucinated,
		"verdict":    string(verdict),
		"unverified": unverified,
	})

	switch verdict {
	case VerdictGrounded:
		resp.Reply = OkReply{Content: draft}
	case VerdictRefused:
		// An honest refusal cites nothing, so it is grounded output. The
		// model's own words are delivered; substitution is only for drafts
		// that failed the check.
		resp.Reply = RefusalReply{Content: draft, Reason: "No verified evidence was available for this request."}
	default:
		resp.Reply = RefusalReply{
			Reason:     "The generated answer cited sources that no tool in this session returned.",
			Unverified: unverified,
		}
	}

	b.auditLog(req.SessionID, audit.ActionResponseGenerated, map[string]any{
		"action":            req.Action,
		"validation_passed": verdict != VerdictHallucinated,
		"refused":           resp.Reply.Refused(),
		"tool_calls":        len(resp.ToolCalls),
	})
	return resp, nil
}

// generate is the innermost handler: the model/tool loop producing a draft.
func (b *Base) generate(ctx context.Context, req *Request) (*Response, error) {
	resp := &Response{Output: make(map[string]any)}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, b.systemPrompt(req)),
		llms.TextParts(llms.ChatMessageTypeHuman, b.userPrompt(req)),
	}

	opts := []llms.CallOption{llms.WithTemperature(b.cfg.Temperature)}
	if b.cfg.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(b.cfg.MaxTokens))
	}
	if len(b.toolDefs) > 0 {
		opts = append(opts, llms.WithTools(b.toolDefs))
	}

	var lastContent string
	for turn := 0; turn < b.cfg.MaxTurns; turn++ {
		generation, err := b.llm.GenerateContent(ctx, messages, opts...)
		if err != nil {
			return nil, fmt.Errorf("model call failed on turn %d: %w", turn+1, err)
		}
		if len(generation.Choices) == 0 {
			return nil, fmt.Errorf("model returned no choices on turn %d", turn+1)
		}
		choice := generation.Choices[0]
		lastContent = choice.Content

		if len(choice.ToolCalls) == 0 {
			resp.Output["text"] = choice.Content
			return resp, nil
		}

		assistant := llms.MessageContent{Role: llms.ChatMessageTypeAI}
		for _, tc := range choice.ToolCalls {
			assistant.Parts = append(assistant.Parts, tc)
		}
		messages = append(messages, assistant)

		for _, tc := range choice.ToolCalls {
			content := b.runToolCall(ctx, req, tc, resp)
			messages = append(messages, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: tc.ID,
					Name:       tc.FunctionCall.Name,
					Content:    content,
				}},
			})
		}
	}

	// Turn budget exhausted; deliver the last text so validation still runs.
	resp.Output["text"] = lastContent
	return resp, nil
}

// runToolCall executes one requested tool and returns the content fed back to
// the model. Failures become feedback text, never a run abort.
func (b *Base) runToolCall(ctx context.Context, req *Request, tc llms.ToolCall, resp *Response) string {
	name := tc.FunctionCall.Name
	bound, ok := b.methods[name]
	if !ok {
		return fmt.Sprintf("tool %q is not available to this agent", name)
	}

	params := make(map[string]any)
	if args := strings.TrimSpace(tc.FunctionCall.Arguments); args != "" {
		if err := json.Unmarshal([]byte(args), &params); err != nil {
			return fmt.Sprintf("tool arguments were not valid JSON: %v", err)
		}
	}

	b.auditLog(req.SessionID, audit.ActionToolCalled, map[string]any{
		"tool":   bound.adapter.Name(),
		"method": bound.method,
		"params": params,
	})

	inv, err := b.runner.Invoke(ctx, bound.adapter, bound.method, params)
	resp.ToolCalls = append(resp.ToolCalls, inv)

	payload := map[string]any{
		"tool":        inv.Tool,
		"method":      inv.Method,
		"duration_ms": inv.Duration.Milliseconds(),
		"cache_hit":   inv.CacheHit,
	}
	if inv.Breaker != nil {
		payload["breaker_state"] = string(inv.Breaker.State)
	}
	if err != nil {
		payload["error"] = err.Error()
		b.auditLog(req.SessionID, audit.ActionToolResult, payload)
		if b.logger != nil {
			b.logger.Warnf("agent %s tool %s_%s failed: %v", b.cfg.Key, inv.Tool, inv.Method, err)
		}
		return fmt.Sprintf("tool %s failed: %v", name, err)
	}

	if inv.Result.Unavailable {
		payload["unavailable"] = true
		b.auditLog(req.SessionID, audit.ActionToolResult, payload)
		return inv.Result.UnavailableReason
	}

	resp.Findings = append(resp.Findings, inv.Result.Findings...)
	payload["findings"] = len(inv.Result.Findings)
	b.auditLog(req.SessionID, audit.ActionToolResult, payload)

	content, err := json.Marshal(map[string]any{
		"data":     inv.Result.Data,
		"findings": inv.Result.Findings,
	})
	if err != nil {
		return fmt.Sprintf("tool %s result could not be encoded: %v", name, err)
	}
	return string(content)
}

func (b *Base) systemPrompt(req *Request) string {
	var sb strings.Builder
	sb.WriteString(b.cfg.Instructions)
	sb.WriteString("\n\nCite only identifiers (PMID, DOI, arXiv id) returned by your tools in this session. ")
	sb.WriteString("If no tool returned usable evidence, say you could not verify any sources instead of inventing citations.")
	if req.View != nil {
		if summary := req.View.Summary(); summary != "" {
			sb.WriteString("\n\nConversation so far:\n")
			sb.WriteString(summary)
		}
	}
	return sb.String()
}

func (b *Base) userPrompt(req *Request) string {
	var sb strings.Builder
	sb.WriteString(req.Query)
	if len(req.Params) > 0 {
		if encoded, err := json.Marshal(req.Params); err == nil {
			sb.WriteString("\n\nStructured inputs:\n")
			sb.Write(encoded)
		}
	}
	return sb.String()
}

func (b *Base) auditLog(sessionID string, action audit.ActionType, payload map[string]any) {
	if b.audit == nil {
		return
	}
	if err := b.audit.Log(b.cfg.Key, sessionID, action, payload); err != nil && b.logger != nil {
		b.logger.Errorf("audit write failed for agent %s: %v", b.cfg.Key, err)
	}
}
