package oracle

import (
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/autoresearch/internal/research"
)

const decideSystemPrompt = `You direct a web research process. After each step you decide whether more
information is needed and, if so, which single action to take next.

Actions:
- "search": general web search; returns page text for the top results.
- "videos": video search; returns titles, links, authors and durations.
- "images": image search; returns image links with their source pages.
- "stop": enough information has been gathered.

Reply with one JSON object and nothing else:
{"should_continue": bool, "confidence": number between 0 and 1, "reasoning": string,
 "next_action": "search" | "videos" | "images" | "stop", "adapted_query": string}

adapted_query is the query to run for next_action; rewrite it to target what is still missing.
Omit next_action and adapted_query when should_continue is false.`

const synthesizeSystemPrompt = `You write the final answer of a web research process in Markdown.
Use only the findings provided. Structure the answer with headings and lists where helpful,
cite source URLs inline, mention relevant videos or images when they were found, and state
plainly when the findings do not answer part of the question.`

func decideUserPrompt(req research.DecisionRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research question: %s\n", req.Query)
	fmt.Fprintf(&b, "Current step: %d\n", req.Step)
	fmt.Fprintf(&b, "Tokens consumed so far: %d\n", req.TokensUsed)
	if req.VideosDisabled {
		b.WriteString("The videos action is temporarily unavailable; do not choose it.\n")
	}
	b.WriteString("\nFindings so far:\n")
	if len(req.Summaries) == 0 {
		b.WriteString("(none)\n")
	}
	for i, s := range req.Summaries {
		fmt.Fprintf(&b, "\n--- Step %d ---\n%s\n", i+1, s)
	}
	return b.String()
}

func synthesizeUserPrompt(req research.SynthesisRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research question: %s\n\nFindings:\n", req.Query)
	for _, s := range req.Steps {
		fmt.Fprintf(&b, "\n--- Step %d (%s: %s) ---\n%s\n", s.Number, s.Action, s.Query, s.Summary)
	}
	return b.String()
}
