// Copyright 2025 Conclave
// SPDX-License-Identifier: Apache-2.0

package deliberation

import (
	"regexp"
	"sort"
)

// Ranking models produce free text; parsing is best effort. Two passes:
// explicit "Response X" references in reading order, then enumerated lines
// like "1. B" as a fallback for models that drop the word "Response".
var (
	responseLabelRe = regexp.MustCompile(`[Rr]esponse\s+([A-Z]{1,2})\b`)
	enumeratedRe    = regexp.MustCompile(`(?m)^\s*\d+\s*[.):]\s*\**([A-Z]{1,2})\**\s*$`)
)

// ParseRanking extracts an ordered label sequence (best first) from a ranking
// model's raw output. Repeated mentions of a label keep only the first, so a
// model that discusses each answer before ranking still parses in discussion
// order; the stage-2 prompt asks for ranking-only output to avoid that.
// An empty return means no labels were recoverable.
func ParseRanking(raw string) []string {
	labels := extractLabels(responseLabelRe, raw)
	if len(labels) == 0 {
		labels = extractLabels(enumeratedRe, raw)
	}
	return labels
}

func extractLabels(re *regexp.Regexp, raw string) []string {
	var labels []string
	seen := make(map[string]bool)
	for _, m := range re.FindAllStringSubmatch(raw, -1) {
		label := m[1]
		if seen[label] {
			continue
		}
		seen[label] = true
		labels = append(labels, label)
	}
	return labels
}

// Aggregate combines per-model rankings into one leaderboard.
//
// Scoring is a Borda count: a model placed at position p (0-indexed, best
// first) in a ranking that resolved k models contributes k-1-p points, and
// scores sum across rankers. Failed rankers are excluded entirely; a label
// that does not resolve through labelToModel is dropped from that ranker's
// contribution without aborting aggregation.
//
// The leaderboard covers every model the mapping can name, so a model no one
// ranked still appears, with score 0, after everything that earned points.
// Ties break by first appearance in councilOrder.
func Aggregate(stageTwo []Stage2Result, labelToModel map[string]string, councilOrder []string) []AggregateRanking {
	scores := make(map[string]float64, len(labelToModel))
	for _, model := range labelToModel {
		scores[model] = 0
	}

	for _, ranking := range stageTwo {
		if ranking.Failed {
			continue
		}
		resolved := make([]string, 0, len(ranking.Ranking))
		seen := make(map[string]bool)
		for _, label := range ranking.Ranking {
			model, ok := labelToModel[label]
			if !ok || seen[model] {
				continue
			}
			seen[model] = true
			resolved = append(resolved, model)
		}
		k := len(resolved)
		for p, model := range resolved {
			scores[model] += float64(k - 1 - p)
		}
	}

	orderIndex := make(map[string]int, len(councilOrder))
	for i, model := range councilOrder {
		orderIndex[model] = i
	}
	position := func(model string) int {
		if i, ok := orderIndex[model]; ok {
			return i
		}
		return len(councilOrder)
	}

	leaderboard := make([]AggregateRanking, 0, len(scores))
	for model, score := range scores {
		leaderboard = append(leaderboard, AggregateRanking{Model: model, Score: score})
	}
	sort.SliceStable(leaderboard, func(i, j int) bool {
		if leaderboard[i].Score != leaderboard[j].Score {
			return leaderboard[i].Score > leaderboard[j].Score
		}
		return position(leaderboard[i].Model) < position(leaderboard[j].Model)
	})
	for i := range leaderboard {
		leaderboard[i].Rank = i + 1
	}
	return leaderboard
}
