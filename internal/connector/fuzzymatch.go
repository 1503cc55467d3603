// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package connector

import (
	"github.com/junegunn/fzf/src/algo"
	"github.com/junegunn/fzf/src/util"
)

// fuzzyMatchThreshold is the minimum fzf score a candidate must reach
// to be accepted as a typo-tolerant project-name match. Chosen
// conservatively: a single transposed or missing character scores
// well above this; an unrelated word does not.
const fuzzyMatchThreshold = 1

// fuzzyBestMatch finds the candidate in names that best fuzzy-matches
// query, using the same scoring algorithm fzf's interactive filter
// uses, so an operator's typo in a chat command ("/spawn api-gatway")
// still resolves to the intended project ("api-gateway") instead of
// silently failing. Grounded on SPEC_FULL.md's domain-stack note
// wiring github.com/junegunn/fzf into the Connector Router.
func fuzzyBestMatch(query string, names []string) (string, bool) {
	if query == "" || len(names) == 0 {
		return "", false
	}

	pattern := []rune(query)
	slab := util.MakeSlab(slab16Size, slab32Size)

	best := ""
	bestScore := 0
	for _, name := range names {
		chars := util.RunesToChars([]rune(name))
		result, _ := algo.FuzzyMatchV2(false, true, true, &chars, pattern, false, slab)
		if result.Score > bestScore {
			bestScore = result.Score
			best = name
		}
	}

	if bestScore < fuzzyMatchThreshold {
		return "", false
	}
	return best, true
}

const (
	slab16Size = 100 * 1024
	slab32Size = 2048
)
