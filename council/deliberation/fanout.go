// Copyright 2025 Conclave
// SPDX-License-Identifier: Apache-2.0

package deliberation

import (
	"context"
	"sync"
)

// CallResult is the outcome of one model call made by RunParallel. Exactly
// one of Reply and Err is set.
type CallResult struct {
	Reply *ModelReply
	Err   error
}

// RunParallel invokes the gateway once per model, concurrently, and returns a
// map with exactly one entry per input model. A failure or slow response from
// one model never delays or corrupts another's result: each goroutine writes
// to its own pre-allocated slot and the caller joins on a barrier, so total
// wall-clock time tracks the slowest call rather than the sum.
//
// build constructs the request for each model, allowing stage-specific
// prompts per model. Duplicate model identifiers resolve to a single entry.
func RunParallel(ctx context.Context, gw Gateway, models []string, build func(model string) []Message) map[string]CallResult {
	slots := make([]CallResult, len(models))

	var wg sync.WaitGroup
	for i, model := range models {
		wg.Add(1)
		go func(i int, model string) {
			defer wg.Done()
			reply, err := gw.Invoke(ctx, model, build(model))
			if err != nil {
				slots[i] = CallResult{Err: err}
				return
			}
			slots[i] = CallResult{Reply: reply}
		}(i, model)
	}
	wg.Wait()

	results := make(map[string]CallResult, len(models))
	for i, model := range models {
		results[model] = slots[i]
	}
	return results
}
