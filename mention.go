package agentworld

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	mentionRe   = regexp.MustCompile(`@([A-Za-z0-9]+(?:[-_][A-Za-z0-9]+)*)`)
	camelEdgeRe = regexp.MustCompile(`([a-z])([A-Z])`)
	nonAlnumRe  = regexp.MustCompile(`[^A-Za-z0-9]+`)
)

// ExtractMentions returns at most one mention: the first @name token in
// content, lowercased. An empty result means broadcast.
func ExtractMentions(content string) []string {
	m := mentionRe.FindStringSubmatch(content)
	if m == nil {
		return nil
	}
	return []string{strings.ToLower(m[1])}
}

// DetermineSenderType classifies a sender name. Empty senders count as
// system; anything not recognized as human or system is an agent.
func DetermineSenderType(sender string) SenderType {
	switch strings.ToLower(sender) {
	case "human", "user", "you":
		return SenderHuman
	case "system", "world", "":
		return SenderSystem
	default:
		return SenderAgent
	}
}

// ToKebabCase derives a stable identifier from a display name: trim,
// hyphenate lower-to-upper boundaries, collapse non-alphanumeric runs to a
// single hyphen, strip edge hyphens, lowercase. Idempotent. Input is NFKC
// normalized first so visually identical names map to the same id.
func ToKebabCase(s string) string {
	s = norm.NFKC.String(strings.TrimSpace(s))
	s = camelEdgeRe.ReplaceAllString(s, "$1-$2")
	s = nonAlnumRe.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	return strings.ToLower(s)
}
