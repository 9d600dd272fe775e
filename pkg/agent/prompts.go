package agent

import (
	"fmt"
	"strings"
	"time"
)

const defaultSystemPrompt = `You are a meticulous research agent. You answer questions by calling tools to gather data, then reasoning over what you gathered.

Rules:
- Call tools when you need facts you do not already have. You may request several independent tool calls at once.
- Do not repeat a call you already made with the same arguments; its result is already in your notes.
- When the gathered data is sufficient, reply without any tool calls.
- Today's date is %s.`

const answerSystemPrompt = `You are a meticulous research analyst writing the final answer to a question.
Use only the research data provided. Cite concrete figures where they exist. If the data is incomplete, say what is missing instead of guessing.
Today's date is %s.`

const summarySystemPrompt = `Summarize a tool result for a research agent in one or two sentences.
Keep concrete figures, names and dates. Say plainly when the result is an error or empty. Output only the summary.`

const goalSystemPrompt = `You decide whether gathered research already answers a question. Respond with JSON only.`

// AbortNotice prefixes answers produced after the loop guard stopped the run.
const AbortNotice = "Note: research stopped early because the same tool call kept repeating. The answer below is based on the data gathered before that point.\n\n"

func (a *Agent) systemPrompt(now time.Time) string {
	if a.opts.SystemPrompt != "" {
		return a.opts.SystemPrompt
	}
	return fmt.Sprintf(defaultSystemPrompt, now.Format("2006-01-02"))
}

// iterationPrompt is the user message for one loop iteration, always rebuilt
// from the latest accumulated state.
type iterationPrompt struct {
	Query        string
	PriorQueries []string
	Iteration    int
	Max          int
	Full         string
	Summaries    string
	Notices      []string
}

func (p iterationPrompt) String() string {
	var b strings.Builder
	if len(p.PriorQueries) > 0 {
		b.WriteString("Earlier questions in this conversation:\n")
		for _, q := range p.PriorQueries {
			fmt.Fprintf(&b, "- %s\n", q)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Question: %s\n", p.Query)

	if p.Full != "" || p.Summaries != "" {
		b.WriteString("\n## Data gathered so far\n\n")
		if p.Full != "" {
			b.WriteString(p.Full)
			b.WriteString("\n")
		}
		if p.Summaries != "" {
			if p.Full != "" {
				b.WriteString("\nEarlier results (summaries only):\n")
			}
			b.WriteString(p.Summaries)
			b.WriteString("\n")
		}
	}
	if len(p.Notices) > 0 {
		b.WriteString("\n## Notices\n")
		for _, n := range p.Notices {
			fmt.Fprintf(&b, "- %s\n", n)
		}
	}
	fmt.Fprintf(&b, "\nThis is step %d of at most %d. Call tools for anything still missing, or reply without tool calls if you have enough to answer.", p.Iteration, p.Max)
	return b.String()
}

func answerUserPrompt(query string, prior []string, context string) string {
	var b strings.Builder
	if len(prior) > 0 {
		b.WriteString("Earlier questions in this conversation:\n")
		for _, q := range prior {
			fmt.Fprintf(&b, "- %s\n", q)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Question: %s\n\n", query)
	if strings.TrimSpace(context) == "" {
		b.WriteString("No research data was gathered.\n")
	} else {
		b.WriteString("# Research data\n\n")
		b.WriteString(context)
		b.WriteString("\n")
	}
	b.WriteString("\nWrite the final answer.")
	return b.String()
}
