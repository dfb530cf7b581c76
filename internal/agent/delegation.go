package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chapohq/chapo/internal/store"
	"github.com/chapohq/chapo/internal/tools"
	"github.com/chapohq/chapo/internal/tracing"
	"github.com/chapohq/chapo/pkg/protocol"
)

// Research scopes for SCOUT delegations.
const (
	ScopeCodebase = "codebase"
	ScopeWeb      = "web"
	ScopeBoth     = "both"
)

// Delegation is one sub-objective handed from the coordinator to a
// sub-agent.
type Delegation struct {
	Target          Target
	Domain          string
	Objective       string
	ExpectedOutcome string
	Constraints     []string
	ContextFacts    []string
	Context         string
	Scope           string // research only
}

// toolNamePlaceholder replaces concrete tool names the coordinator may have
// leaked into an objective. Sub-agents pick their own tools.
const toolNamePlaceholder = "[tool]"

// BuildDelegation parses a delegation tool-call's arguments for the given
// target. The objective may arrive under objective, task or query.
func BuildDelegation(target Target, args map[string]any) (Delegation, error) {
	objective := stringArg(args, "objective", "task", "query")
	if objective == "" {
		return Delegation{}, fmt.Errorf("delegation to %s has no objective", target)
	}

	d := Delegation{
		Target:          target,
		Domain:          normalizeDomain(target, stringArg(args, "domain")),
		Objective:       SanitizeObjective(objective),
		ExpectedOutcome: stringArg(args, "expectedOutcome", "expected_outcome"),
		Constraints:     stringList(args, "constraints"),
		ContextFacts:    stringList(args, "contextFacts", "context_facts"),
		Context:         stringArg(args, "context"),
	}
	if target == TargetScout {
		d.Scope = normalizeScope(stringArg(args, "scope"))
	}
	return d, nil
}

// SanitizeObjective strips concrete tool-name references so the sub-agent
// decides its own tooling.
func SanitizeObjective(objective string) string {
	out := objective
	for _, name := range tools.ExternalActionNames {
		out = replaceWordInsensitive(out, name, toolNamePlaceholder)
	}
	for _, name := range []string{"fs_readFile", "fs_edit", "shell_exec", "git_diff"} {
		out = replaceWordInsensitive(out, name, toolNamePlaceholder)
	}
	return strings.TrimSpace(out)
}

func replaceWordInsensitive(s, word, repl string) string {
	lower := strings.ToLower(s)
	needle := strings.ToLower(word)
	for {
		i := strings.Index(lower, needle)
		if i < 0 {
			return s
		}
		s = s[:i] + repl + s[i+len(word):]
		lower = strings.ToLower(s)
	}
}

func normalizeDomain(target Target, raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "development", "dev", "coding", "entwicklung":
		return "development"
	case "communication", "comms", "kommunikation":
		return "communication"
	case "research", "recherche":
		return "research"
	}
	return DomainFor(target)
}

func normalizeScope(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case ScopeCodebase:
		return ScopeCodebase
	case ScopeWeb:
		return ScopeWeb
	}
	return ScopeBoth
}

// stringList parses a []string argument that may arrive as a JSON array, a
// []string, or a single comma-separated string.
func stringList(args map[string]any, keys ...string) []string {
	for _, key := range keys {
		switch v := args[key].(type) {
		case []string:
			return compactStrings(v)
		case []any:
			out := make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
			return compactStrings(out)
		case string:
			return compactStrings(strings.Split(v, ","))
		}
	}
	return nil
}

func compactStrings(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// BriefingText renders the delegation as the sub-agent's opening message.
func (d Delegation) BriefingText() string {
	var b strings.Builder
	b.WriteString("Objective: ")
	b.WriteString(d.Objective)
	if d.ExpectedOutcome != "" {
		b.WriteString("\nExpected outcome: ")
		b.WriteString(d.ExpectedOutcome)
	}
	if d.Scope != "" {
		b.WriteString("\nResearch scope: ")
		b.WriteString(d.Scope)
	}
	for _, c := range d.Constraints {
		b.WriteString("\nConstraint: ")
		b.WriteString(c)
	}
	for _, f := range d.ContextFacts {
		b.WriteString("\nContext fact: ")
		b.WriteString(f)
	}
	if d.Context != "" {
		b.WriteString("\n\nContext:\n")
		b.WriteString(d.Context)
	}
	return b.String()
}

// DelegationRunner turns delegations into verification envelopes, single or
// fanned out in parallel.
type DelegationRunner struct {
	subAgents        *SubAgentRunner
	emit             EmitFunc
	history          store.DelegationStore
	maxEvidenceLines int
}

func NewDelegationRunner(subAgents *SubAgentRunner, emit EmitFunc) *DelegationRunner {
	if emit == nil {
		emit = func(string, string, any) {}
	}
	return &DelegationRunner{subAgents: subAgents, emit: emit, maxEvidenceLines: 5}
}

// SetHistory enables delegation history recording. Without a store the
// runner works identically and records nothing.
func (r *DelegationRunner) SetHistory(h store.DelegationStore) { r.history = h }

func (r *DelegationRunner) record(ctx context.Context, d Delegation, sessionID string, res *SubAgentResult, runErr error, started time.Time) {
	if r.history == nil {
		return
	}
	now := time.Now().UTC()
	rec := &store.DelegationRecord{
		SessionID:  sessionID,
		Target:     string(d.Target),
		Domain:     d.Domain,
		Objective:  d.Objective,
		DurationMS: now.Sub(started).Milliseconds(),
		CreatedAt:  started.UTC(),
		Completed:  &now,
	}
	if runErr != nil {
		rec.Status = string(StatusFailed)
		msg := runErr.Error()
		rec.ErrorText = &msg
	} else {
		rec.Status = string(res.Status)
		rec.Response = res.Response
		if len(res.Evidence) > 0 {
			if data, err := json.Marshal(res.Evidence); err == nil {
				rec.Evidence = string(data)
			}
		}
	}
	// Record even when the delegation itself was canceled.
	if err := r.history.Record(context.WithoutCancel(ctx), rec); err != nil {
		slog.Warn("delegation history write failed", "target", d.Target, "session", sessionID, "error", err)
	}
}

// RunSingle executes one delegation and wraps the result in a verification
// envelope. isError is true only when the sub-agent failed outright.
func (r *DelegationRunner) RunSingle(ctx context.Context, d Delegation, sessionID, projectRoot string) (string, bool) {
	r.emit(sessionID, protocol.EventDelegation, protocol.DelegationPayload{
		Target:    string(d.Target),
		Domain:    d.Domain,
		Objective: d.Objective,
	})

	ctx, span := tracing.StartDelegation(ctx, string(d.Target), d.Domain)
	defer span.End()

	started := time.Now()
	res, err := r.subAgents.Run(ctx, d, sessionID, projectRoot)
	r.record(ctx, d, sessionID, res, err, started)
	tracing.RecordError(span, err)
	if err != nil {
		slog.Warn("delegation failed", "target", d.Target, "session", sessionID, "error", err)
		return fmt.Sprintf("%s Fehler: %v", d.Target.Label(), err), true
	}
	return BuildEnvelope(d, res, r.maxEvidenceLines), res.Status == StatusFailed
}

// ParseParallelArgs extracts the delegation list from a delegateParallel
// tool-call. Entries that cannot be parsed are skipped; zero valid entries
// is an error.
func ParseParallelArgs(args map[string]any) ([]Delegation, error) {
	raw, ok := args["delegations"]
	if !ok {
		raw = args["tasks"]
	}

	var entries []map[string]any
	switch v := raw.(type) {
	case []any:
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				entries = append(entries, m)
			}
		}
	case string:
		if err := json.Unmarshal([]byte(v), &entries); err != nil {
			return nil, fmt.Errorf("delegateParallel: cannot parse delegations: %w", err)
		}
	}

	var out []Delegation
	for _, entry := range entries {
		target := Target(strings.ToLower(stringArg(entry, "agent", "target")))
		if _, ok := subAgentSpecs[target]; !ok {
			slog.Warn("delegateParallel: skipping entry with unknown agent", "agent", target)
			continue
		}
		d, err := BuildDelegation(target, entry)
		if err != nil {
			slog.Warn("delegateParallel: skipping invalid entry", "agent", target, "error", err)
			continue
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("delegateParallel: no valid delegations")
	}
	return out, nil
}

// RunParallel fans the delegations out concurrently with independent
// failure isolation and aggregates a summary in input order.
func (r *DelegationRunner) RunParallel(ctx context.Context, delegations []Delegation, sessionID, projectRoot string) string {
	r.emit(sessionID, protocol.EventParallelStart, protocol.ParallelPayload{Count: len(delegations)})

	type outcome struct {
		d   Delegation
		res *SubAgentResult
		err error
	}
	outcomes := make([]outcome, len(delegations))

	var g errgroup.Group
	for i, d := range delegations {
		g.Go(func() error {
			dctx, span := tracing.StartDelegation(ctx, string(d.Target), d.Domain)
			defer span.End()

			started := time.Now()
			res, err := r.subAgents.Run(dctx, d, sessionID, projectRoot)
			r.record(dctx, d, sessionID, res, err, started)
			tracing.RecordError(span, err)
			outcomes[i] = outcome{d: d, res: res, err: err}
			return nil // rejections are reified; one failure must not poison the batch
		})
	}
	g.Wait()

	succeeded := 0
	var okBlock, failBlock strings.Builder
	for _, o := range outcomes {
		head := fmt.Sprintf("[%s/%s] %s", o.d.Target, o.d.Domain, o.d.Objective)
		switch {
		case o.err != nil:
			fmt.Fprintf(&failBlock, "- %s\n  %v\n", head, o.err)
		case o.res.Status == StatusFailed:
			fmt.Fprintf(&failBlock, "- %s\n  %s\n", head, truncate(o.res.Response, 200))
		default:
			succeeded++
			fmt.Fprintf(&okBlock, "- %s\n  %s\n", head, truncate(o.res.Response, 200))
		}
	}

	r.emit(sessionID, protocol.EventParallelDone, protocol.ParallelPayload{Count: len(delegations), Succeeded: succeeded})

	var b strings.Builder
	fmt.Fprintf(&b, "Parallel delegation completed: %d/%d successful.\n", succeeded, len(delegations))
	if okBlock.Len() > 0 {
		b.WriteString("\nSuccessful delegations:\n")
		b.WriteString(okBlock.String())
	}
	if failBlock.Len() > 0 {
		b.WriteString("\nFailed delegations:\n")
		b.WriteString(failBlock.String())
	}
	return strings.TrimRight(b.String(), "\n")
}
