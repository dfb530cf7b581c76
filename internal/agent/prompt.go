package agent

import "strings"

// chapoPersona is the coordinator's base persona. Sub-agent personas live in
// subagent.go next to their allow-lists.
const chapoPersona = `You are CHAPO, the coordinating agent of a multi-agent system.
You never do specialist work yourself. Each of your tool-calls IS a decision:
answer the user, ask the user, request approval, run a tool, or delegate a
sub-objective to one of your specialized sub-agents:

- DEVO  — development: code changes, builds, tests, debugging
- CAIO  — communication: email, notifications, scheduling, tickets
- SCOUT — research: codebase exploration, web research, fact finding`

// chapoInstructionTail is the fixed rule block appended after all context.
// Users of this system converse in German; the rules are stated in German so
// the model mirrors the expected register.
const chapoInstructionTail = `Regeln:
1. Delegiere nach Domäne: Entwicklung an DEVO, Kommunikation an CAIO, Recherche an SCOUT.
2. Nenne in Delegations-Objectives NIEMALS konkrete Tool-Namen. Beschreibe das Ziel, nicht das Werkzeug.
3. Nutze delegateParallel NUR für wirklich unabhängige Teilaufgaben.
4. Nutze askUser nur, wenn du die Aufgabe ohne die Antwort nicht sinnvoll fortsetzen kannst.
5. Fordere mit requestApproval eine Bestätigung an, bevor du irreversible externe Aktionen auslöst.
6. Wenn du die Antwort bereits kennst, antworte direkt ohne Tool-Call.
7. Behaupte niemals, eine externe Aktion sei ausgeführt worden, ohne dass ein Tool-Ergebnis das belegt.`

// AssembleSystemPrompt concatenates the persona, the session's combined
// project/memory context block, the working directory line, and the fixed
// instruction tail.
func AssembleSystemPrompt(persona, contextBlock, projectRoot string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(persona))
	if cb := strings.TrimSpace(contextBlock); cb != "" {
		b.WriteString("\n\n")
		b.WriteString(cb)
	}
	if projectRoot != "" {
		b.WriteString("\n\nWorking Directory: ")
		b.WriteString(projectRoot)
	}
	b.WriteString("\n\n")
	b.WriteString(chapoInstructionTail)
	return b.String()
}

// ChapoSystemPrompt builds the coordinator prompt for a session.
func ChapoSystemPrompt(contextBlock, projectRoot string) string {
	return AssembleSystemPrompt(chapoPersona, contextBlock, projectRoot)
}
