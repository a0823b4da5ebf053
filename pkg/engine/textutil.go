package engine

import "strings"

// CleanText trims a decoded segment and drops whisper's blank-audio marker.
func CleanText(s string) string {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "[BLANK_AUDIO]") {
		return ""
	}
	return s
}

// JoinSegments flattens segments into one transcript, trimmed segment texts
// joined by single spaces.
func JoinSegments(segs []Segment) string {
	var b strings.Builder
	for _, seg := range segs {
		text := CleanText(seg.Text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(text)
	}
	return b.String()
}

// CollectTokens flattens segment tokens in decode order.
func CollectTokens(segs []Segment) []Token {
	var out []Token
	for _, seg := range segs {
		out = append(out, seg.Tokens...)
	}
	return out
}

// PromptText renders prompt tokens as the text form engines without a
// token-id prompt interface accept.
func PromptText(prompt []Token) string {
	var b strings.Builder
	for _, tok := range prompt {
		b.WriteString(tok.Text)
	}
	return strings.TrimSpace(b.String())
}
