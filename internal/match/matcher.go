// Package match selects the best-fit worker for a task.
package match

import (
	"errors"
	"sort"
	"strings"

	"github.com/duneforge/workforce/internal/mission"
)

// ErrNoEligibleWorker is returned when no candidate covers every
// capability the task requires.
var ErrNoEligibleWorker = errors.New("no eligible worker")

// Assign ranks candidates for a task and returns the winner.
//
// Candidates missing any required capability are eliminated outright:
// partial tool coverage means the worker cannot safely attempt the task.
// Survivors are ranked by description relevance (shared significant
// keywords), then by specialization (smaller total tool scope wins over
// a broad generalist), then by worker id. The ranking is deterministic
// for a given task and candidate set.
func Assign(task *mission.Task, candidates []*mission.Worker) (*mission.Worker, error) {
	var eligible []*mission.Worker
	for _, w := range candidates {
		if covers(w, task.Requires) {
			eligible = append(eligible, w)
		}
	}
	if len(eligible) == 0 {
		return nil, ErrNoEligibleWorker
	}

	taskTokens := tokenize(task.Description)
	scores := make(map[string]int, len(eligible))
	for _, w := range eligible {
		scores[w.ID] = overlap(taskTokens, tokenize(w.Description))
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if scores[a.ID] != scores[b.ID] {
			return scores[a.ID] > scores[b.ID]
		}
		if len(a.ToolScopes) != len(b.ToolScopes) {
			return len(a.ToolScopes) < len(b.ToolScopes)
		}
		return a.ID < b.ID
	})
	return eligible[0], nil
}

func covers(w *mission.Worker, required []string) bool {
	for _, tag := range required {
		if !w.HasScope(tag) {
			return false
		}
	}
	return true
}

// tokenize splits text into lowercase significant keywords, dropping
// short words and stopwords.
func tokenize(text string) map[string]struct{} {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-')
	})
	out := make(map[string]struct{})
	for _, w := range words {
		lower := strings.ToLower(w)
		if len(lower) < 3 || stopwords[lower] {
			continue
		}
		out[lower] = struct{}{}
	}
	return out
}

func overlap(a, b map[string]struct{}) int {
	n := 0
	for w := range a {
		if _, ok := b[w]; ok {
			n++
		}
	}
	return n
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true,
	"but": true, "not": true, "you": true, "all": true,
	"can": true, "had": true, "her": true, "was": true,
	"one": true, "our": true, "out": true, "has": true,
	"have": true, "been": true, "this": true, "that": true,
	"with": true, "from": true, "they": true, "will": true,
	"what": true, "when": true, "make": true, "like": true,
	"just": true, "into": true, "than": true, "them": true,
	"some": true, "could": true, "would": true, "there": true,
}
