package heuristics

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PairSimilarity is the similarity interface the merge engine needs.
// TokenOverlapDetector satisfies it; an embedding-backed detector may too.
type PairSimilarity interface {
	Similarity(a, b string) float64
}

// MergeEngine consolidates near-duplicate heuristics.
//
// Merging is preferred over deletion during contraction: absorbing a
// near-duplicate into a survivor preserves the validation history that
// eviction would discard.
type MergeEngine struct {
	similarity PairSimilarity
	params     NoveltyParams
	logger     *zap.Logger
	now        func() time.Time
}

// NewMergeEngine creates a merge engine using the given similarity function.
func NewMergeEngine(similarity PairSimilarity, params NoveltyParams, logger *zap.Logger) *MergeEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MergeEngine{
		similarity: similarity,
		params:     params,
		logger:     logger,
		now:        time.Now,
	}
}

// FindPair returns the most similar pair among hs with similarity at or
// above the merge threshold, or ok=false when no qualifying pair exists.
// Golden heuristics are never merge candidates.
func (m *MergeEngine) FindPair(hs []*Heuristic) (a, b *Heuristic, similarity float64, ok bool) {
	var best float64
	var bi, bj = -1, -1
	for i := 0; i < len(hs); i++ {
		if hs[i].Status == StatusGolden {
			continue
		}
		for j := i + 1; j < len(hs); j++ {
			if hs[j].Status == StatusGolden {
				continue
			}
			sim := m.similarity.Similarity(hs[i].RuleText, hs[j].RuleText)
			if sim >= m.params.MergeSimilarity && sim > best {
				best = sim
				bi, bj = i, j
			}
		}
	}
	if bi < 0 {
		return nil, nil, 0, false
	}
	return hs[bi], hs[bj], best, true
}

// Merge consolidates pair (a, b) in-place and returns the merge audit row.
//
// The survivor keeps the higher validation count's identity, takes the
// validation-weighted average confidence, the summed counters, the earlier
// created_at, and records both parents. The absorbed heuristic's status
// becomes merged, pointing at the survivor.
func (m *MergeEngine) Merge(tx Tx, a, b *Heuristic, similarity float64) (*MergeRecord, error) {
	if a.Domain != b.Domain {
		return nil, fmt.Errorf("cannot merge heuristics across domains %q and %q", a.Domain, b.Domain)
	}

	survivor, absorbed := a, b
	if b.TimesValidated > a.TimesValidated {
		survivor, absorbed = b, a
	}

	now := m.now()

	// Validation-weighted average; falls back to the plain mean when neither
	// side has validations yet.
	wa := float64(survivor.TimesValidated)
	wb := float64(absorbed.TimesValidated)
	if wa+wb > 0 {
		survivor.Confidence = (survivor.Confidence*wa + absorbed.Confidence*wb) / (wa + wb)
	} else {
		survivor.Confidence = (survivor.Confidence + absorbed.Confidence) / 2
	}
	survivor.ConfidenceEMA = survivor.Confidence

	survivor.TimesValidated += absorbed.TimesValidated
	survivor.TimesViolated += absorbed.TimesViolated
	survivor.TimesContradicted += absorbed.TimesContradicted

	if absorbed.CreatedAt.Before(survivor.CreatedAt) {
		survivor.CreatedAt = absorbed.CreatedAt
	}

	survivor.MergeParentIDs = append(survivor.MergeParentIDs, absorbed.ID)
	survivor.MergeParentIDs = append(survivor.MergeParentIDs, absorbed.MergeParentIDs...)
	survivor.RuleText = survivor.RuleText + "\n\nConsolidated: " + absorbed.RuleText
	survivor.LastConfidenceUpdate = now

	absorbed.Status = StatusMerged
	absorbed.MergedInto = survivor.ID

	if err := tx.PutHeuristic(survivor); err != nil {
		return nil, err
	}
	if err := tx.PutHeuristic(absorbed); err != nil {
		return nil, err
	}

	record := &MergeRecord{
		ID:              uuid.New().String(),
		MergedID:        survivor.ID,
		ParentIDs:       []string{survivor.ID, absorbed.ID},
		SimilarityScore: similarity,
		Strategy:        "validation_weighted",
		Timestamp:       now,
	}
	if err := tx.AppendMerge(record); err != nil {
		return nil, err
	}

	m.logger.Info("merged heuristics",
		zap.String("survivor", survivor.ID),
		zap.String("absorbed", absorbed.ID),
		zap.String("domain", survivor.Domain),
		zap.Float64("similarity", similarity),
	)
	return record, nil
}
