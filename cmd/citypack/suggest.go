package main

import (
	"sort"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

const maxSuggestions = 3

// suggest returns known slugs close to input: subsequence matches first,
// then slugs within two edits.
func suggest(input string, slugs []string) []string {
	ranks := fuzzy.RankFindFold(input, slugs)
	sort.Sort(ranks)

	seen := make(map[string]bool)
	var out []string
	for _, r := range ranks {
		if len(out) == maxSuggestions {
			return out
		}
		out = append(out, r.Target)
		seen[r.Target] = true
	}

	type near struct {
		slug string
		dist int
	}
	var nearby []near
	for _, s := range slugs {
		if seen[s] {
			continue
		}
		if d := fuzzy.LevenshteinDistance(input, s); d <= 2 {
			nearby = append(nearby, near{s, d})
		}
	}
	sort.Slice(nearby, func(i, j int) bool {
		if nearby[i].dist != nearby[j].dist {
			return nearby[i].dist < nearby[j].dist
		}
		return nearby[i].slug < nearby[j].slug
	})
	for _, n := range nearby {
		if len(out) == maxSuggestions {
			break
		}
		out = append(out, n.slug)
	}
	return out
}
