package agent

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
)

// SelfValidator is the external answer checker. Implementations typically
// call a second model; nil disables the evidence check entirely.
type SelfValidator interface {
	Validate(ctx context.Context, request, answer string) (*ValidationVerdict, error)
}

// ValidationVerdict is the self-validator's judgement of a proposed answer.
type ValidationVerdict struct {
	Confidence float64  `json:"confidence"`
	IsComplete bool     `json:"isComplete"`
	Issues     []string `json:"issues"`
	Suggestion string   `json:"suggestion,omitempty"`
}

// fallbackUnverified replaces an answer that claims an external action the
// validator cannot back with tool evidence.
const fallbackUnverified = "Ich konnte nicht zuverlässig verifizieren, dass die Aktion tatsächlich ausgeführt wurde. Bitte prüfe das Ergebnis, bevor du dich darauf verlässt."

// fallbackClarification is used when a clarification response contains no
// extractable question.
const fallbackClarification = "Kannst du genauer beschreiben, was ich tun soll?"

// --- Ambiguity heuristics ---

// ambiguousCatchPhrases trigger regardless of the other heuristics.
var ambiguousCatchPhrases = []string{
	"mach es besser",
	"mach das besser",
	"mach besser",
	"fix it",
	"do it",
	"mach das",
	"just do it",
	"kümmere dich darum",
	"erledige das",
}

var vagueVerbs = []string{
	"mach", "mache", "verbessere", "optimiere", "ändere", "repariere", "behebe",
	"fix", "improve", "optimize", "change", "repair", "handle", "do",
}

var ambiguousPronouns = []string{
	"es", "das", "dies", "it", "this", "that", "them", "alles", "everything",
}

// anchorNouns are domain nouns that make a short request specific enough.
var anchorNouns = []string{
	"file", "datei", "function", "funktion", "endpoint", "route", "class",
	"klasse", "test", "tests", "ticket", "email", "e-mail", "mail", "termin",
	"kalender", "branch", "commit", "package", "modul", "module", "config",
}

var fileExtRe = regexp.MustCompile(`\.[a-zA-Z0-9]{1,5}\b`)

// IsAmbiguousRequest reports whether a user request is too vague to answer
// without clarification. Requests over 120 chars are never ambiguous.
func IsAmbiguousRequest(msg string) bool {
	trimmed := strings.TrimSpace(msg)
	if trimmed == "" || len(trimmed) > 120 {
		return false
	}
	lower := strings.ToLower(trimmed)

	for _, phrase := range ambiguousCatchPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}

	words := strings.Fields(lower)
	if len(words) > 10 {
		return false
	}
	if hasSpecificAnchor(lower) {
		return false
	}
	return containsAnyWord(words, vagueVerbs) && containsAnyWord(words, ambiguousPronouns)
}

// hasSpecificAnchor detects quotes, paths, file extensions, numbers, or
// domain nouns that ground a request.
func hasSpecificAnchor(lower string) bool {
	if strings.ContainsAny(lower, `"'`) || strings.Contains(lower, "`") {
		return true
	}
	if strings.Contains(lower, "/") {
		return true
	}
	if fileExtRe.MatchString(lower) {
		return true
	}
	if strings.ContainsAny(lower, "0123456789") {
		return true
	}
	for _, noun := range anchorNouns {
		if strings.Contains(lower, noun) {
			return true
		}
	}
	return false
}

func containsAnyWord(words []string, set []string) bool {
	for _, w := range words {
		w = strings.Trim(w, ".,!?:;")
		for _, s := range set {
			if w == s {
				return true
			}
		}
	}
	return false
}

// --- Clarification detection ---

var questionRe = regexp.MustCompile(`[^\n?]{6,220}\?`)

var clarificationCues = []string{
	"was", "welche", "welches", "welchen", "wie", "meinst", "genau", "konkret",
	"what", "which", "how", "can you", "could you", "clarify", "specify", "details",
}

// LooksLikeClarification reports whether an assistant response reads as a
// question back to the user rather than an answer.
func LooksLikeClarification(resp string) bool {
	if !strings.Contains(resp, "?") {
		return false
	}
	q := questionRe.FindString(resp)
	if q == "" {
		return false
	}
	lower := strings.ToLower(strings.TrimSpace(q))
	for _, cue := range clarificationCues {
		if strings.Contains(lower, cue) {
			return true
		}
	}
	return len(q) <= 220
}

// ExtractQuestion pulls the question to surface to the user out of a
// clarification-looking response.
func ExtractQuestion(resp string) string {
	if q := strings.TrimSpace(questionRe.FindString(resp)); q != "" {
		return q
	}
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && strings.HasSuffix(line, "?") {
			return line
		}
	}
	return fallbackClarification
}

// --- Evidence of side effects ---

// claimRule maps an external-action tool (by name prefix) to the answer
// tokens that claim its effect. Data-driven so locale additions are config
// edits, not code changes.
type claimRule struct {
	ToolPrefix string
	Tokens     []string
}

var claimRules = []claimRule{
	{ToolPrefix: "send_email", Tokens: []string{"email", "e-mail", "mail", "gesendet", "zugestellt"}},
	{ToolPrefix: "taskforge_", Tokens: []string{"ticket", "task", "aufgabe", "erstellt", "verschoben", "kommentar"}},
	{ToolPrefix: "scheduler_", Tokens: []string{"scheduler", "termin", "kalender", "reminder", "erinnerung"}},
	{ToolPrefix: "reminder_", Tokens: []string{"reminder", "erinnerung", "termin"}},
	{ToolPrefix: "notify_user", Tokens: []string{"notification", "benachrichtigung", "notify", "benachrichtigt"}},
}

var hallucinationTokens = []string{"hallucin", "halluzin", "invent", "erfunden", "fabricat", "ausgedacht"}

// wordingRewrites soften delivery claims after a successful send_email: the
// provider accepted the message, delivery itself is not observable.
var wordingRewrites = []struct {
	Pattern     *regexp.Regexp
	Replacement string
}{
	{regexp.MustCompile(`(?i)wurde erfolgreich[^.!\n]* gesendet`), "wurde vom E-Mail-Provider zur Zustellung angenommen"},
	{regexp.MustCompile(`(?i)wurde [^.!\n]*erfolgreich versendet`), "wurde vom E-Mail-Provider zur Zustellung angenommen"},
	{regexp.MustCompile(`(?i)ist jetzt unterwegs`), "ist beim Provider in der Zustellung"},
}

var hedgingPhrases = []string{
	"vermutlich", "wahrscheinlich", "möglicherweise", "ich nehme an", "ich vermute",
	"probably", "presumably", "i assume", "i believe", "might be", "should be",
}

// Validator checks a proposed final answer against the evidence collected in
// the current run. One instance per loop run; external-action successes are
// recorded as the run executes tools.
type Validator struct {
	mu        sync.Mutex
	self      SelfValidator
	enabled   bool
	successes map[string]bool // external-action tool name → success seen
}

func NewValidator(self SelfValidator, enabled bool) *Validator {
	return &Validator{self: self, enabled: enabled, successes: make(map[string]bool)}
}

// MarkExternalActionSuccess records a successful external-action tool call
// so later answer claims can be backed by it.
func (v *Validator) MarkExternalActionSuccess(toolName string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.successes[toolName] = true
}

// EmailSucceeded reports whether a send_email succeeded in this run.
func (v *Validator) EmailSucceeded() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.successes["send_email"]
}

// claimedRules returns the claim rules whose tokens appear in the answer.
func claimedRules(answer string) []claimRule {
	lower := strings.ToLower(answer)
	var matched []claimRule
	for _, rule := range claimRules {
		for _, tok := range rule.Tokens {
			if strings.Contains(lower, tok) {
				matched = append(matched, rule)
				break
			}
		}
	}
	return matched
}

// hasEvidenceFor reports whether any recorded success backs one of the rules.
func (v *Validator) hasEvidenceFor(rules []claimRule) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, rule := range rules {
		for tool := range v.successes {
			if strings.HasPrefix(tool, rule.ToolPrefix) {
				return true
			}
		}
	}
	return false
}

func mentionsHallucination(issues []string) bool {
	for _, issue := range issues {
		lower := strings.ToLower(issue)
		for _, tok := range hallucinationTokens {
			if strings.Contains(lower, tok) {
				return true
			}
		}
	}
	return false
}

// NormalizeWording rewrites phrasing that overstates email delivery. Applied
// only when a send_email actually succeeded; otherwise the evidence check
// already handles the claim.
func NormalizeWording(answer string) string {
	out := answer
	for _, rw := range wordingRewrites {
		out = rw.Pattern.ReplaceAllString(out, rw.Replacement)
	}
	return out
}

// UnresolvedAssumptions derives open points from validator issues and
// hedging phrases in the answer text.
func UnresolvedAssumptions(answer string, issues []string) []string {
	var out []string
	out = append(out, issues...)
	lower := strings.ToLower(answer)
	for _, phrase := range hedgingPhrases {
		if strings.Contains(lower, phrase) {
			out = append(out, "answer hedges: "+phrase)
		}
	}
	return out
}

// ValidateAnswer runs the evidence-of-side-effects check and wording
// normalization on a proposed final answer. Returns the possibly replaced
// answer, a confidence value, and unresolved assumptions for the
// decision-path event.
func (v *Validator) ValidateAnswer(ctx context.Context, request, answer string) (string, float64, []string) {
	confidence := 1.0
	var issues []string

	if v.enabled && v.self != nil {
		verdict, err := v.self.Validate(ctx, request, answer)
		if err != nil {
			slog.Warn("self-validation failed, delivering answer unchecked", "error", err)
		} else {
			confidence = verdict.Confidence
			issues = verdict.Issues

			claims := claimedRules(answer)
			if !verdict.IsComplete &&
				verdict.Confidence < 0.4 &&
				mentionsHallucination(verdict.Issues) &&
				len(claims) > 0 &&
				!v.hasEvidenceFor(claims) {
				slog.Warn("answer claims external action without evidence, replacing",
					"confidence", verdict.Confidence, "claims", len(claims))
				return fallbackUnverified, verdict.Confidence, UnresolvedAssumptions(answer, issues)
			}
		}
	}

	if v.EmailSucceeded() {
		answer = NormalizeWording(answer)
	}
	return answer, confidence, UnresolvedAssumptions(answer, issues)
}
