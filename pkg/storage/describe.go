package storage

import (
	"fmt"
	"strings"

	"github.com/odvcencio/quarry/pkg/tool"
)

var verbPrefixes = []string{"get_", "fetch_", "search_", "list_", "read_", "lookup_"}

var identifierFields = []string{"ticker", "symbol", "id", "name", "url", "skill"}

// Describe renders a deterministic one-line description of a call, used
// whenever a model summary is unavailable.
//
//	Describe("get_income_statements", {"ticker":"AAPL","period":"annual","limit":5})
//	  => "AAPL income statements (annual, limit 5)"
func Describe(toolName string, args map[string]any) string {
	subject := toolName
	for _, p := range verbPrefixes {
		if strings.HasPrefix(subject, p) {
			subject = strings.TrimPrefix(subject, p)
			break
		}
	}
	subject = strings.TrimSpace(strings.ReplaceAll(subject, "_", " "))
	if subject == "" {
		subject = toolName
	}

	var head string
	for _, field := range identifierFields {
		if v := tool.StringArg(args, field); v != "" {
			if field == "ticker" || field == "symbol" {
				v = strings.ToUpper(v)
			}
			head = v
			break
		}
	}

	desc := subject
	if head != "" {
		desc = head + " " + subject
	}
	if q := tool.StringArg(args, "query"); q != "" {
		desc += fmt.Sprintf(" %q", truncate(q, 80))
	}

	var quals []string
	if p := tool.StringArg(args, "period"); p != "" {
		quals = append(quals, p)
	}
	start, end := tool.StringArg(args, "start_date"), tool.StringArg(args, "end_date")
	switch {
	case start != "" && end != "":
		quals = append(quals, start+" to "+end)
	case start != "":
		quals = append(quals, "from "+start)
	case end != "":
		quals = append(quals, "until "+end)
	}
	if d := tool.StringArg(args, "date"); d != "" {
		quals = append(quals, d)
	}
	if l := tool.StringArg(args, "limit"); l != "" {
		quals = append(quals, "limit "+l)
	}
	if len(quals) > 0 {
		desc += " (" + strings.Join(quals, ", ") + ")"
	}
	return desc
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
