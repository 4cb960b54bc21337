// Package matcher is the comparison-engine collaborator boundary. The
// scheduler hands it validated encoding sets and a threshold; it reports
// stage progress through a callback and returns the final match result.
package matcher

import (
	"context"
	"encoding/json"
	"fmt"
	"math/bits"
	"sort"

	"linkline/internal/domain"
)

// Progress reports absolute progress within a stage. Stage indices follow
// the run's stage list; implementations only ever move forward.
type Progress func(stage int, absolute, total int64)

// Party is one provider's validated encoding batch. All encodings share one
// byte size; Data holds them concatenated.
type Party struct {
	Count int
	Size  int
	Data  []byte
}

// Encoding returns the i-th encoding without copying.
func (p Party) Encoding(i int) []byte {
	return p.Data[i*p.Size : (i+1)*p.Size]
}

type Input struct {
	ResultType string
	Threshold  float64
	Parties    []Party
}

// Similarity is one candidate pair above threshold.
type Similarity struct {
	Index0 int     `json:"index0"`
	Index1 int     `json:"index1"`
	Score  float64 `json:"score"`
}

type Result struct {
	// Mapping maps party-0 row indices to party-1 row indices; present for
	// result type mapping only.
	Mapping map[string]int `json:"mapping,omitempty"`
	// Similarities holds all pairs scoring at or above threshold.
	Similarities []Similarity `json:"similarity_scores,omitempty"`
}

// JSON renders the result payload stored with the run.
func (r Result) JSON() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

type Matcher interface {
	Match(ctx context.Context, in Input, onProgress Progress) (Result, error)
}

// DiceMatcher scores encoding pairs with the Dice coefficient over the raw
// bloom-filter bytes and, for mapping runs, solves a greedy one-to-one
// assignment. It compares the first two parties.
type DiceMatcher struct{}

func (DiceMatcher) Match(ctx context.Context, in Input, onProgress Progress) (Result, error) {
	if len(in.Parties) < 2 {
		return Result{}, fmt.Errorf("need at least 2 parties, got %d", len(in.Parties))
	}
	a, b := in.Parties[0], in.Parties[1]
	if a.Size != b.Size {
		return Result{}, fmt.Errorf("encoding size mismatch: %d vs %d", a.Size, b.Size)
	}
	if onProgress == nil {
		onProgress = func(int, int64, int64) {}
	}

	// Stage 1: pairwise similarity scores.
	compareStage := 1
	total := int64(a.Count)
	var pairs []Similarity
	popA := popcounts(a)
	popB := popcounts(b)
	for i := 0; i < a.Count; i++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		ea := a.Encoding(i)
		for j := 0; j < b.Count; j++ {
			common := commonBits(ea, b.Encoding(j))
			denom := popA[i] + popB[j]
			if denom == 0 {
				continue
			}
			score := 2 * float64(common) / float64(denom)
			if score >= in.Threshold {
				pairs = append(pairs, Similarity{Index0: i, Index1: j, Score: score})
			}
		}
		onProgress(compareStage, int64(i+1), total)
	}

	res := Result{Similarities: pairs}
	if in.ResultType != domain.ResultTypeMapping {
		return res, nil
	}

	// Stage 2: greedy one-to-one assignment, best scores first.
	mappingStage := 2
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Score != pairs[j].Score {
			return pairs[i].Score > pairs[j].Score
		}
		if pairs[i].Index0 != pairs[j].Index0 {
			return pairs[i].Index0 < pairs[j].Index0
		}
		return pairs[i].Index1 < pairs[j].Index1
	})
	mapping := make(map[string]int)
	used0 := make(map[int]bool, len(pairs))
	used1 := make(map[int]bool, len(pairs))
	for k, p := range pairs {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if !used0[p.Index0] && !used1[p.Index1] {
			mapping[fmt.Sprintf("%d", p.Index0)] = p.Index1
			used0[p.Index0] = true
			used1[p.Index1] = true
		}
		onProgress(mappingStage, int64(k+1), int64(len(pairs)))
	}
	onProgress(mappingStage, int64(len(pairs)), int64(len(pairs)))
	res.Mapping = mapping
	res.Similarities = nil
	return res, nil
}

func popcounts(p Party) []int {
	res := make([]int, p.Count)
	for i := 0; i < p.Count; i++ {
		n := 0
		for _, b := range p.Encoding(i) {
			n += bits.OnesCount8(b)
		}
		res[i] = n
	}
	return res
}

func commonBits(a, b []byte) int {
	n := 0
	for i := range a {
		n += bits.OnesCount8(a[i] & b[i])
	}
	return n
}
