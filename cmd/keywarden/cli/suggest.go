// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"strings"

	"github.com/spf13/pflag"
)

// maxSuggestDistance is the largest edit distance still treated as a
// typo.
const maxSuggestDistance = 3

// suggestCommand returns the subcommand name closest to unknown, or ""
// if none is within maxSuggestDistance.
func suggestCommand(unknown string, commands []*Command) string {
	names := make([]string, 0, len(commands))
	for _, command := range commands {
		names = append(names, command.Name)
	}
	return closest(unknown, names)
}

// suggestFlag finds the first undefined flag in args and returns the
// closest defined flag with its dash prefix, or "".
func suggestFlag(args []string, flagSet *pflag.FlagSet) string {
	var defined []string
	flagSet.VisitAll(func(flag *pflag.Flag) {
		defined = append(defined, flag.Name)
	})

	for _, arg := range args {
		if arg == "--" {
			break
		}
		if !strings.HasPrefix(arg, "-") {
			continue
		}
		name := strings.TrimLeft(arg, "-")
		if index := strings.IndexByte(name, '='); index >= 0 {
			name = name[:index]
		}
		if flagSet.Lookup(name) != nil || (len(name) == 1 && flagSet.ShorthandLookup(name) != nil) {
			continue
		}
		if best := closest(name, defined); best != "" {
			return "--" + best
		}
		break
	}
	return ""
}

func closest(unknown string, candidates []string) string {
	best := ""
	bestDistance := maxSuggestDistance + 1
	for _, candidate := range candidates {
		if distance := levenshtein(unknown, candidate); distance < bestDistance {
			bestDistance = distance
			best = candidate
		}
	}
	return best
}

// levenshtein returns the edit distance between a and b, using one row
// of the distance matrix.
func levenshtein(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	if len(a) > len(b) {
		a, b = b, a
	}

	previous := make([]int, len(a)+1)
	for i := range previous {
		previous[i] = i
	}
	current := make([]int, len(a)+1)
	for j := 1; j <= len(b); j++ {
		current[0] = j
		for i := 1; i <= len(a); i++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			current[i] = min(previous[i]+1, current[i-1]+1, previous[i-1]+cost)
		}
		previous, current = current, previous
	}
	return previous[len(a)]
}
