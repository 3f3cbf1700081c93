// Copyright 2025 Conclave
// SPDX-License-Identifier: Apache-2.0

package deliberation

// LabeledAnswer is one stage-1 answer stripped of its model identity and
// tagged with a per-run label, ready for peer ranking.
type LabeledAnswer struct {
	Label   string `json:"label"`
	Content string `json:"content"`
}

// Label produces the anonymization token for position i: "A".."Z", then
// "AA", "AB", ... for councils larger than 26.
func Label(i int) string {
	label := ""
	for {
		label = string(rune('A'+i%26)) + label
		i = i/26 - 1
		if i < 0 {
			return label
		}
	}
}

// Anonymize assigns each non-failed stage-1 result a sequential label and
// returns the labeled payload plus the label-to-model mapping. A model that
// failed to answer is not presented for ranking and cannot be ranked.
//
// Labels are assigned in input order, so anonymizing the same results again
// yields the same mapping. This determinism matters: the stored mapping is
// what lets single-model stage-2 reruns and the UI resolve labels later.
func Anonymize(results []Stage1Result) ([]LabeledAnswer, map[string]string) {
	answers := make([]LabeledAnswer, 0, len(results))
	labelToModel := make(map[string]string, len(results))

	for _, r := range results {
		if r.Failed {
			continue
		}
		label := Label(len(answers))
		answers = append(answers, LabeledAnswer{Label: label, Content: r.Content})
		labelToModel[label] = r.Model
	}
	return answers, labelToModel
}
