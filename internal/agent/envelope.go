package agent

import (
	"fmt"
	"strings"
)

// Evidence line icons in verification envelopes.
const (
	iconOK      = "[OK]"
	iconPending = "[PENDING]"
	iconError   = "[ERROR]"
)

// BuildEnvelope formats a sub-agent result as the verification envelope fed
// back into the coordinator's conversation. Only the last maxEvidence
// evidence items are listed.
func BuildEnvelope(d Delegation, res *SubAgentResult, maxEvidence int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[DELEGATION RESULT — %s]\n", d.Target.Label())
	fmt.Fprintf(&b, "Objective: %s\n", d.Objective)
	if d.ExpectedOutcome != "" {
		fmt.Fprintf(&b, "Expected Outcome: %s\n", d.ExpectedOutcome)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Status: %s\n", strings.ToUpper(string(res.Status)))

	if len(res.Evidence) > 0 {
		b.WriteString("Evidence:\n")
		evidence := res.Evidence
		if maxEvidence > 0 && len(evidence) > maxEvidence {
			evidence = evidence[len(evidence)-maxEvidence:]
		}
		for _, e := range evidence {
			icon := iconError
			switch {
			case e.PendingApproval:
				icon = iconPending
			case e.Success:
				icon = iconOK
			}
			fmt.Fprintf(&b, "  - %s %s", icon, e.Tool)
			if e.ExternalID != "" {
				fmt.Fprintf(&b, " id=%s", e.ExternalID)
			}
			summary := e.Summary
			if e.Error != "" {
				summary = e.Error
			}
			fmt.Fprintf(&b, ": %s\n", summary)
		}
	}
	if res.Escalation != "" {
		fmt.Fprintf(&b, "Escalation: %s\n", res.Escalation)
	}
	if len(res.Recommendations) > 0 {
		fmt.Fprintf(&b, "Recommendations: %s\n", strings.Join(res.Recommendations, "; "))
	}

	b.WriteString("\nAgent Response:\n")
	b.WriteString(strings.TrimSpace(res.Response))
	return b.String()
}

// ParsedEnvelope is the round-trip form of a verification envelope.
type ParsedEnvelope struct {
	Target          string
	Objective       string
	ExpectedOutcome string
	Status          string
	EvidenceLines   []string
	Escalation      string
	Recommendations []string
	Response        string
}

// ParseEnvelope reads a verification envelope back into its parts. Used by
// consumers that inspect delegation outcomes without re-running them.
func ParseEnvelope(text string) (*ParsedEnvelope, error) {
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "[DELEGATION RESULT — ") {
		return nil, fmt.Errorf("not a delegation envelope")
	}

	env := &ParsedEnvelope{
		Target: strings.TrimSuffix(strings.TrimPrefix(lines[0], "[DELEGATION RESULT — "), "]"),
	}

	inEvidence := false
	responseAt := -1
	for i, line := range lines[1:] {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Objective: "):
			env.Objective = strings.TrimPrefix(line, "Objective: ")
			inEvidence = false
		case strings.HasPrefix(line, "Expected Outcome: "):
			env.ExpectedOutcome = strings.TrimPrefix(line, "Expected Outcome: ")
			inEvidence = false
		case strings.HasPrefix(line, "Status: "):
			env.Status = strings.TrimPrefix(line, "Status: ")
			inEvidence = false
		case line == "Evidence:":
			inEvidence = true
		case strings.HasPrefix(line, "Escalation: "):
			env.Escalation = strings.TrimPrefix(line, "Escalation: ")
			inEvidence = false
		case strings.HasPrefix(line, "Recommendations: "):
			env.Recommendations = compactStrings(strings.Split(strings.TrimPrefix(line, "Recommendations: "), ";"))
			inEvidence = false
		case line == "Agent Response:":
			responseAt = i + 2 // index into lines
		case inEvidence && strings.HasPrefix(trimmed, "- "):
			env.EvidenceLines = append(env.EvidenceLines, strings.TrimPrefix(trimmed, "- "))
		}
		if responseAt >= 0 {
			break
		}
	}
	if responseAt >= 0 && responseAt < len(lines) {
		env.Response = strings.TrimSpace(strings.Join(lines[responseAt:], "\n"))
	}
	if env.Status == "" {
		return nil, fmt.Errorf("envelope has no status line")
	}
	return env, nil
}
