package providers

import (
	"strings"
	"unicode"
)

// Inline tool-call conventions recognized in plain text. Some upstreams
// describe tool invocations inside the assistant text instead of (or in
// addition to) the structured tool-call channel:
//
//	[Called Bash with args: {"command":"ls"}]
//	⏺ Tool call: Bash(command: "ls -la")
//
// ExtractInlineToolCalls finds these spans, converts them to tool calls
// and strips them from the visible text. Bracket matching is
// string-aware: brace and paren characters inside quoted strings do not
// count.

const (
	calledMarker   = "[Called "
	calledArgsSep  = " with args: "
	toolCallMarker = "Tool call: "
)

type inlineSpan struct {
	start int
	end   int
	call  ToolCall
}

// ExtractInlineToolCalls scans text for inline tool-call conventions and
// returns the text with those spans removed plus the extracted calls in
// order of appearance.
func ExtractInlineToolCalls(text string) (string, []ToolCall) {
	if text == "" {
		return text, nil
	}

	runes := []rune(text)

	var spans []inlineSpan

	for i := 0; i < len(runes); {
		if span, ok := matchCalledForm(runes, i); ok {
			spans = append(spans, span)
			i = span.end

			continue
		}

		if span, ok := matchToolCallForm(runes, i); ok {
			spans = append(spans, span)
			i = span.end

			continue
		}

		i++
	}

	if len(spans) == 0 {
		return text, nil
	}

	var (
		sb    strings.Builder
		calls []ToolCall
		prev  int
	)

	for _, span := range spans {
		sb.WriteString(string(runes[prev:span.start]))
		calls = append(calls, span.call)
		prev = span.end
	}

	sb.WriteString(string(runes[prev:]))

	return cleanResidue(sb.String()), calls
}

// matchCalledForm matches "[Called <Name> with args: {...}]" at pos.
func matchCalledForm(runes []rune, pos int) (inlineSpan, bool) {
	if !hasPrefixAt(runes, pos, calledMarker) {
		return inlineSpan{}, false
	}

	nameStart := pos + len([]rune(calledMarker))
	nameEnd := scanIdentifier(runes, nameStart)
	if nameEnd == nameStart {
		return inlineSpan{}, false
	}

	if !hasPrefixAt(runes, nameEnd, calledArgsSep) {
		return inlineSpan{}, false
	}

	argsStart := nameEnd + len([]rune(calledArgsSep))
	if argsStart >= len(runes) || runes[argsStart] != '{' {
		return inlineSpan{}, false
	}

	argsEnd, ok := matchBalanced(runes, argsStart, '{', '}')
	if !ok {
		return inlineSpan{}, false
	}

	if argsEnd >= len(runes) || runes[argsEnd] != ']' {
		return inlineSpan{}, false
	}

	raw := string(runes[argsStart:argsEnd])

	return inlineSpan{
		start: pos,
		end:   argsEnd + 1,
		call: ToolCall{
			Name:         string(runes[nameStart:nameEnd]),
			Input:        ParseToolArguments(raw),
			RawArguments: raw,
		},
	}, true
}

// matchToolCallForm matches "Tool call: <Name>(...)" at pos.
func matchToolCallForm(runes []rune, pos int) (inlineSpan, bool) {
	if !hasPrefixAt(runes, pos, toolCallMarker) {
		return inlineSpan{}, false
	}

	nameStart := pos + len([]rune(toolCallMarker))
	nameEnd := scanIdentifier(runes, nameStart)
	if nameEnd == nameStart {
		return inlineSpan{}, false
	}

	if nameEnd >= len(runes) || runes[nameEnd] != '(' {
		return inlineSpan{}, false
	}

	argsEnd, ok := matchBalanced(runes, nameEnd, '(', ')')
	if !ok {
		return inlineSpan{}, false
	}

	raw := strings.TrimSpace(string(runes[nameEnd+1 : argsEnd-1]))

	return inlineSpan{
		start: pos,
		end:   argsEnd,
		call: ToolCall{
			Name:         string(runes[nameStart:nameEnd]),
			Input:        ParseToolArguments(raw),
			RawArguments: raw,
		},
	}, true
}

// matchBalanced returns the index just past the close rune that balances
// the open rune at start. Bracket characters inside double-quoted strings
// are ignored.
func matchBalanced(runes []rune, start int, open, close rune) (int, bool) {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(runes); i++ {
		r := runes[i]

		if inString {
			if escaped {
				escaped = false
			} else if r == '\\' {
				escaped = true
			} else if r == '"' {
				inString = false
			}

			continue
		}

		switch r {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}

	return 0, false
}

func hasPrefixAt(runes []rune, pos int, prefix string) bool {
	pr := []rune(prefix)
	if pos+len(pr) > len(runes) {
		return false
	}

	for i, r := range pr {
		if runes[pos+i] != r {
			return false
		}
	}

	return true
}

func scanIdentifier(runes []rune, start int) int {
	i := start
	for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_') {
		i++
	}

	return i
}

// cleanResidue drops lines that held nothing but an extracted call and a
// bullet marker.
func cleanResidue(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch trimmed {
		case "", "⏺", "•", "-", "*":
			if trimmed == "" && len(out) > 0 && out[len(out)-1] != "" {
				out = append(out, line)
			}

			continue
		}

		out = append(out, line)
	}

	return strings.TrimSpace(strings.Join(out, "\n"))
}
