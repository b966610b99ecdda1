package agent

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/finchbot/finch/pkg/models"
)

// ParsedToolCall is one tool invocation extracted from a model response.
type ParsedToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ParsedResponse is the dispatcher output: the calls in document order and
// the response text with all recognized call regions removed.
type ParsedResponse struct {
	Text  string
	Calls []ParsedToolCall
}

// Dispatcher extracts tool calls from a provider response.
type Dispatcher interface {
	ParseResponse(resp *models.ChatResponse) ParsedResponse
}

// NativeDispatcher consumes the provider's structured tool_calls field,
// preserving order.
type NativeDispatcher struct{}

func (NativeDispatcher) ParseResponse(resp *models.ChatResponse) ParsedResponse {
	out := ParsedResponse{Text: resp.Text}
	for _, tc := range resp.ToolCalls {
		args := tc.Arguments
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		out.Calls = append(out.Calls, ParsedToolCall{
			ID:        tc.ID,
			Name:      tc.Name,
			Arguments: json.RawMessage(args),
		})
	}
	return out
}

// xmlTagNames are the recognized tool-call tag spellings, checked in order.
var xmlTagNames = []string{
	"tool_call", "tool-call", "toolcall", "function_calls", "function_call", "invoke", "tool",
}

var blankRunRe = regexp.MustCompile(`\n{3,}`)

// XMLDispatcher scans response text for <tool_call>{...}</tool_call> blocks
// (and the documented tag aliases) whose body is a JSON object with name and
// arguments. A missing close tag is tolerated: the first valid JSON value
// after the open tag is accepted and scanning resumes after it. A tag pair
// wrapping non-JSON is left in the text untouched.
type XMLDispatcher struct{}

func (XMLDispatcher) ParseResponse(resp *models.ChatResponse) ParsedResponse {
	text := resp.Text
	var calls []ParsedToolCall
	var kept strings.Builder

	pos := 0
	for pos < len(text) {
		tagStart, tagName := findOpenTag(text[pos:])
		if tagStart < 0 {
			kept.WriteString(text[pos:])
			break
		}
		tagStart += pos
		bodyStart := tagStart + len(tagName) + 2 // past "<name>"

		call, consumed, ok := parseCallBody(text[bodyStart:], tagName)
		if !ok {
			// Non-JSON region: the tag stays as plain text.
			kept.WriteString(text[pos : bodyStart])
			pos = bodyStart
			continue
		}
		kept.WriteString(text[pos:tagStart])
		calls = append(calls, call)
		pos = bodyStart + consumed
		// Removing a block absorbs one adjacent newline so surrounding
		// lines join instead of leaving a gap; paragraph breaks survive
		// via the blank-run collapse below.
		if strings.HasSuffix(kept.String(), "\n") && pos < len(text) && text[pos] == '\n' {
			pos++
		}
	}

	cleaned := blankRunRe.ReplaceAllString(kept.String(), "\n\n")
	return ParsedResponse{Text: strings.TrimSpace(cleaned), Calls: calls}
}

// findOpenTag returns the offset and tag name of the first recognized open
// tag in s, or (-1, "").
func findOpenTag(s string) (int, string) {
	best := -1
	bestName := ""
	for _, name := range xmlTagNames {
		idx := strings.Index(s, "<"+name+">")
		if idx >= 0 && (best < 0 || idx < best) {
			best = idx
			bestName = name
		}
	}
	return best, bestName
}

// parseCallBody reads one JSON value from s, validates the call shape, and
// returns how many bytes of s were consumed (including any close tag).
func parseCallBody(s, tagName string) (ParsedToolCall, int, bool) {
	dec := json.NewDecoder(strings.NewReader(s))
	var body struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := dec.Decode(&body); err != nil || body.Name == "" {
		return ParsedToolCall{}, 0, false
	}
	consumed := int(dec.InputOffset())

	rest := s[consumed:]
	closeTag := "</" + tagName + ">"
	trimmed := strings.TrimLeft(rest, " \t\r\n")
	if strings.HasPrefix(trimmed, closeTag) {
		consumed += len(rest) - len(trimmed) + len(closeTag)
	}

	args := body.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	return ParsedToolCall{Name: body.Name, Arguments: args}, consumed, true
}

// AutoDispatcher tries native parsing first; when no native calls exist and
// the text contains a recognized open tag, it falls back to XML.
type AutoDispatcher struct {
	native NativeDispatcher
	xml    XMLDispatcher
}

func (d AutoDispatcher) ParseResponse(resp *models.ChatResponse) ParsedResponse {
	parsed := d.native.ParseResponse(resp)
	if len(parsed.Calls) > 0 {
		return parsed
	}
	for _, name := range xmlTagNames {
		if strings.Contains(resp.Text, "<"+name+">") {
			return d.xml.ParseResponse(resp)
		}
	}
	return parsed
}

// NewDispatcher selects a dispatcher by mode name: native, xml, or auto.
func NewDispatcher(mode string) Dispatcher {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "native":
		return NativeDispatcher{}
	case "xml":
		return XMLDispatcher{}
	default:
		return AutoDispatcher{}
	}
}
