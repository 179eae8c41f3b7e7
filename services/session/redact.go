package session

import (
	"regexp"
)

// redactedMarker replaces every credential found in stored content
const redactedMarker = "[REDACTED]"

// secretPattern is one credential shape. When group is non-zero only that
// submatch is masked, so "password: hunter22" keeps its key.
type secretPattern struct {
	kind  string
	re    *regexp.Regexp
	group int
}

var secretPatterns = []secretPattern{
	{kind: "private_key", re: regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----[\s\S]*?-----END (?:RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`)},
	{kind: "anthropic_key", re: regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_\-]{32,}`)},
	{kind: "openai_key", re: regexp.MustCompile(`\bsk-(?:proj-)?[A-Za-z0-9_\-]{32,}`)},
	{kind: "aws_access_key", re: regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{kind: "gcp_api_key", re: regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{35}\b`)},
	{kind: "github_token", re: regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`)},
	{kind: "slack_token", re: regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9\-]{10,}\b`)},
	{kind: "stripe_key", re: regexp.MustCompile(`\b[sr]k_(?:live|test)_[0-9a-zA-Z]{24,}\b`)},
	{kind: "jwt", re: regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`)},
	{kind: "bearer", re: regexp.MustCompile(`(?i)\bbearer\s+([A-Za-z0-9_\-\.=]{20,})`), group: 1},
	{kind: "connection_string", re: regexp.MustCompile(`(?i)\b(?:postgres|postgresql|mysql|mongodb(?:\+srv)?|redis|amqp)://[^\s:@/]+:([^\s@/]+)@`), group: 1},
	{kind: "password", re: regexp.MustCompile(`(?i)\b(?:password|passwd|pwd|secret)\s*[:=]\s*['"]?([^\s'"]{6,})`), group: 1},
	{kind: "api_key", re: regexp.MustCompile(`(?i)\bapi[_\-]?key\s*[:=]\s*['"]?([A-Za-z0-9_\-]{16,})`), group: 1},
}

// RedactSecrets masks credentials in text and reports which kinds were found
func RedactSecrets(text string) (string, []string) {
	var kinds []string

	for _, p := range secretPatterns {
		matches := p.re.FindAllStringSubmatchIndex(text, -1)
		if len(matches) == 0 {
			continue
		}
		kinds = append(kinds, p.kind)

		// Replace back to front so earlier offsets stay valid
		for i := len(matches) - 1; i >= 0; i-- {
			start, end := matches[i][2*p.group], matches[i][2*p.group+1]
			if start < 0 {
				continue
			}
			text = text[:start] + redactedMarker + text[end:]
		}
	}

	return text, kinds
}

// redact masks credentials in every row of the exchange in place and
// returns the kinds found
func (e *Exchange) redact() []string {
	seen := make(map[string]bool)
	var kinds []string
	note := func(found []string) {
		for _, k := range found {
			if !seen[k] {
				seen[k] = true
				kinds = append(kinds, k)
			}
		}
	}

	for _, m := range e.Messages {
		var found []string
		m.Content, found = RedactSecrets(m.Content)
		note(found)

		if m.Reasoning != nil {
			reasoning, found := RedactSecrets(*m.Reasoning)
			m.Reasoning = &reasoning
			note(found)
		}
	}
	return kinds
}
