// Copyright 2025 Conclave
// SPDX-License-Identifier: Apache-2.0

package deliberation

import (
	"fmt"
	"strings"
)

// Stage1Messages is the request every council model answers independently:
// just the user's query, no framing, so answers reflect each backend's
// natural behavior.
func Stage1Messages(query string) []Message {
	return []Message{{Role: "user", Content: query}}
}

// Stage2Messages builds the anonymized peer-ranking request. The answers
// carry labels only; the prompt pins the output format the ranking parser
// expects and asks for ranking-only output to keep parsing unambiguous.
func Stage2Messages(query string, answers []LabeledAnswer) []Message {
	var b strings.Builder

	b.WriteString("You are evaluating anonymous answers to a user's question.\n\n")
	b.WriteString(fmt.Sprintf("Question: %s\n\n", query))
	b.WriteString("Answers:\n\n")

	for _, a := range answers {
		b.WriteString(fmt.Sprintf("Response %s:\n%s\n\n", a.Label, a.Content))
	}

	b.WriteString("Rank the responses from best to worst by accuracy, depth, and clarity.\n")
	b.WriteString("Reply with the ranking only, one per line, in exactly this format:\n\n")
	b.WriteString("1. Response A\n2. Response B\n")
	b.WriteString("\nDo not add commentary before or after the ranking.")

	return []Message{{Role: "user", Content: b.String()}}
}

// Stage3Messages builds the chairman's synthesis request from the full query,
// the de-anonymized stage-1 answers, and the raw stage-2 rankings.
func Stage3Messages(query string, stage1 []Stage1Result, stage2 []Stage2Result) []Message {
	var b strings.Builder

	b.WriteString("You are the chairman of a council of AI models. Council members answered ")
	b.WriteString("a user's question independently and then ranked each other's answers.\n\n")
	b.WriteString(fmt.Sprintf("Question: %s\n\n", query))

	b.WriteString("Council answers:\n\n")
	for _, r := range stage1 {
		if r.Failed {
			continue
		}
		b.WriteString(fmt.Sprintf("--- %s ---\n%s\n\n", r.Model, r.Content))
	}

	b.WriteString("Peer rankings:\n\n")
	for _, r := range stage2 {
		if r.Failed {
			continue
		}
		b.WriteString(fmt.Sprintf("--- ranking by %s ---\n%s\n\n", r.Model, r.RawText))
	}

	b.WriteString("Synthesize a single final answer to the question. Weigh the answers by the ")
	b.WriteString("rankings, reconcile disagreements, and respond directly to the user. ")
	b.WriteString("Do not mention the council or the ranking process.")

	return []Message{{Role: "user", Content: b.String()}}
}

// TitleMessages asks for a short conversation title for the first query.
func TitleMessages(query string) []Message {
	prompt := fmt.Sprintf(
		"Generate a short title (at most 50 characters, plain words, no quotes) "+
			"for a conversation that starts with:\n\n%s\n\nReply with the title only.", query)
	return []Message{{Role: "user", Content: prompt}}
}
