package agent

import (
	"encoding/json"
	"regexp"

	"github.com/neurovisor/control-plane/internal/model"
)

// embeddedObjectPattern matches any non-nested {...} JSON object in the
// text; resolveToolCalls keeps only those carrying the tool schema
// advertised to the chat model (spec.md §6): {"language": ..., "code": ...}.
var embeddedObjectPattern = regexp.MustCompile(`\{[^{}]*\}`)

// resolveToolCalls implements the native-field-first, JSON-fallback
// parsing rule (spec.md §4.4, §9 "Tool-call parsing ambiguity"). When the
// chat response carries structured tool calls, those are used verbatim.
// Otherwise the raw text is scanned for JSON objects matching the
// execute_code schema; only the first valid match is accepted, and the
// count of any further valid matches is returned so the caller can record
// a tool error turn for each one, per the conservative reading the
// specification settles on.
func resolveToolCalls(text string, native []model.ToolCall) ([]model.ToolCall, int) {
	if len(native) > 0 {
		return native, 0
	}

	matches := embeddedObjectPattern.FindAllString(text, -1)
	var accepted *model.ToolCall
	extra := 0

	for _, m := range matches {
		var args struct {
			Language string `json:"language"`
			Code     string `json:"code"`
		}
		if err := json.Unmarshal([]byte(m), &args); err != nil {
			continue
		}
		if args.Language == "" || args.Code == "" {
			continue
		}
		if accepted == nil {
			accepted = &model.ToolCall{
				ID:       model.NewID(),
				Name:     model.ToolName,
				Language: args.Language,
				Code:     args.Code,
			}
			continue
		}
		extra++
	}

	if accepted == nil {
		return nil, 0
	}
	return []model.ToolCall{*accepted}, extra
}
