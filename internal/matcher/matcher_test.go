package matcher_test

import (
	"context"
	"testing"

	"linkline/internal/domain"
	"linkline/internal/matcher"
)

// party builds a batch where row i is a 16-byte encoding derived from id.
// Equal ids produce identical encodings, so they match at score 1.
func party(ids []byte) matcher.Party {
	data := make([]byte, 0, len(ids)*16)
	for _, id := range ids {
		row := make([]byte, 16)
		for j := range row {
			row[j] = id + byte(j)*3
		}
		data = append(data, row...)
	}
	return matcher.Party{Count: len(ids), Size: 16, Data: data}
}

func TestDiceMapping(t *testing.T) {
	// 3 of 4 rows overlap between the parties.
	a := party([]byte{10, 20, 30, 40})
	b := party([]byte{20, 30, 40, 99})
	res, err := matcher.DiceMatcher{}.Match(context.Background(), matcher.Input{
		ResultType: domain.ResultTypeMapping,
		Threshold:  0.99,
		Parties:    []matcher.Party{a, b},
	}, nil)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(res.Mapping) != 3 {
		t.Fatalf("expected 3 mapped rows, got %v", res.Mapping)
	}
	want := map[string]int{"1": 0, "2": 1, "3": 2}
	for k, v := range want {
		if res.Mapping[k] != v {
			t.Fatalf("expected %s -> %d, got %v", k, v, res.Mapping)
		}
	}
	if res.Similarities != nil {
		t.Fatalf("mapping result should not carry raw scores")
	}
}

func TestDiceSimilarityScores(t *testing.T) {
	a := party([]byte{10, 20})
	b := party([]byte{20, 10})
	res, err := matcher.DiceMatcher{}.Match(context.Background(), matcher.Input{
		ResultType: domain.ResultTypeSimilarityScores,
		Threshold:  0.99,
		Parties:    []matcher.Party{a, b},
	}, nil)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(res.Similarities) != 2 {
		t.Fatalf("expected 2 exact pairs, got %v", res.Similarities)
	}
	for _, s := range res.Similarities {
		if s.Score < 0.99 {
			t.Fatalf("pair below threshold leaked: %+v", s)
		}
	}
	if res.Mapping != nil {
		t.Fatalf("similarity result should not carry a mapping")
	}
}

func TestDiceThresholdFilters(t *testing.T) {
	a := party([]byte{1})
	b := party([]byte{200})
	res, err := matcher.DiceMatcher{}.Match(context.Background(), matcher.Input{
		ResultType: domain.ResultTypeSimilarityScores,
		Threshold:  0.999,
		Parties:    []matcher.Party{a, b},
	}, nil)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	for _, s := range res.Similarities {
		if s.Score < 0.999 {
			t.Fatalf("below-threshold pair leaked: %+v", s)
		}
	}
}

func TestDiceProgressReachesTotals(t *testing.T) {
	a := party([]byte{10, 20, 30})
	b := party([]byte{10, 20, 30})
	type report struct {
		stage    int
		absolute int64
		total    int64
	}
	var reports []report
	_, err := matcher.DiceMatcher{}.Match(context.Background(), matcher.Input{
		ResultType: domain.ResultTypeMapping,
		Threshold:  0.5,
		Parties:    []matcher.Party{a, b},
	}, func(stage int, absolute, total int64) {
		reports = append(reports, report{stage, absolute, total})
	})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	sawCompareDone := false
	sawMappingDone := false
	lastStage := 0
	for _, r := range reports {
		if r.stage < lastStage {
			t.Fatalf("stage regressed: %+v", reports)
		}
		lastStage = r.stage
		if r.stage == 1 && r.absolute == r.total && r.total > 0 {
			sawCompareDone = true
		}
		if r.stage == 2 && r.absolute == r.total && r.total > 0 {
			sawMappingDone = true
		}
	}
	if !sawCompareDone || !sawMappingDone {
		t.Fatalf("expected both stages to report completion: %+v", reports)
	}
}

func TestDiceRejectsMismatchedInput(t *testing.T) {
	a := party([]byte{1})
	if _, err := (matcher.DiceMatcher{}).Match(context.Background(), matcher.Input{
		ResultType: domain.ResultTypeMapping,
		Parties:    []matcher.Party{a},
	}, nil); err == nil {
		t.Fatalf("expected error for single party")
	}
	b := matcher.Party{Count: 1, Size: 8, Data: make([]byte, 8)}
	if _, err := (matcher.DiceMatcher{}).Match(context.Background(), matcher.Input{
		ResultType: domain.ResultTypeMapping,
		Parties:    []matcher.Party{a, b},
	}, nil); err == nil {
		t.Fatalf("expected error for size mismatch")
	}
}
