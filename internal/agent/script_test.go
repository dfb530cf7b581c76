package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chapohq/chapo/internal/providers"
)

// scriptProvider serves canned responses per agent. Requests are routed by
// the persona named in the system prompt, so concurrent sub-loops cannot
// steal each other's turns.
type scriptProvider struct {
	mu     sync.Mutex
	queues map[string][]scriptStep
	served map[string]int
}

type scriptStep struct {
	resp *providers.ChatResponse
	err  error
	// hook runs inside the model call, e.g. to simulate a user message
	// arriving mid-turn.
	hook func()
}

func newScriptProvider() *scriptProvider {
	return &scriptProvider{queues: make(map[string][]scriptStep), served: make(map[string]int)}
}

func (p *scriptProvider) add(agent string, step scriptStep) {
	p.queues[agent] = append(p.queues[agent], step)
}

func (p *scriptProvider) say(agent, content string) {
	p.add(agent, scriptStep{resp: &providers.ChatResponse{Content: content}})
}

func (p *scriptProvider) callTools(agent string, calls ...providers.ToolCall) {
	p.add(agent, scriptStep{resp: &providers.ChatResponse{ToolCalls: calls}})
}

func (p *scriptProvider) fail(agent string, msg string) {
	p.add(agent, scriptStep{err: fmt.Errorf("%s", msg)})
}

func (p *scriptProvider) Chat(_ context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	agent := "chapo"
	for _, name := range []string{"DEVO", "CAIO", "SCOUT"} {
		if strings.Contains(req.System, "You are "+name) {
			agent = strings.ToLower(name)
			break
		}
	}

	p.mu.Lock()
	idx := p.served[agent]
	queue := p.queues[agent]
	p.served[agent] = idx + 1
	p.mu.Unlock()

	if idx >= len(queue) {
		return nil, fmt.Errorf("script exhausted for %s (call %d)", agent, idx+1)
	}
	step := queue[idx]
	if step.hook != nil {
		step.hook()
	}
	if step.err != nil {
		return nil, step.err
	}
	return step.resp, nil
}

func (p *scriptProvider) DefaultModel() string { return "test-model" }
func (p *scriptProvider) Name() string         { return "script" }

func (p *scriptProvider) calls(agent string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.served[agent]
}

func toolCallResponse(calls ...providers.ToolCall) *providers.ChatResponse {
	return &providers.ChatResponse{ToolCalls: calls}
}

func call(id, name string, args map[string]any) providers.ToolCall {
	if args == nil {
		args = map[string]any{}
	}
	return providers.ToolCall{ID: id, Name: name, Arguments: args}
}
