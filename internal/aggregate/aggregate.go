// Package aggregate normalizes raw engine output into the canonical result
// schema. Engines disagree about page layout and confidence reporting; this is
// the one place those differences are reconciled.
package aggregate

import (
	"sort"
	"strings"
	"time"

	"github.com/scanforge/scanforge/internal/model"
	"github.com/scanforge/scanforge/internal/recog"
)

// DefaultLowConfidenceThreshold flags results whose blended confidence falls
// below it so callers can route them to manual review.
const DefaultLowConfidenceThreshold = 0.6

// Normalizer converts engine output into model.Result values.
type Normalizer struct {
	threshold float64
	now       func() time.Time
}

// NewNormalizer creates a normalizer. A threshold of zero or less selects the
// default.
func NewNormalizer(threshold float64) *Normalizer {
	if threshold <= 0 {
		threshold = DefaultLowConfidenceThreshold
	}
	return &Normalizer{threshold: threshold, now: time.Now}
}

// Normalize builds the canonical result for a successful attempt. Pages are
// ordered by page number and joined with form feeds. Document confidence is
// the text-length-weighted mean of the per-page confidences; pages that report
// no confidence are excluded from the blend, and a document where no page
// reports one has a nil confidence rather than a fabricated value.
func (n *Normalizer) Normalize(jobID, engineID string, raw recog.RawResult) *model.Result {
	pages := make([]recog.Page, len(raw.Pages))
	copy(pages, raw.Pages)
	sort.SliceStable(pages, func(i, j int) bool { return pages[i].Number < pages[j].Number })

	texts := make([]string, 0, len(pages))
	var boxes []model.BoundingBox
	var weighted, weight float64

	for _, p := range pages {
		texts = append(texts, p.Text)
		boxes = append(boxes, p.Boxes...)
		if p.Confidence == nil {
			continue
		}
		w := float64(len(p.Text))
		if w == 0 {
			// An empty page still carries signal about engine certainty.
			w = 1
		}
		weighted += *p.Confidence * w
		weight += w
	}

	res := &model.Result{
		JobID:         jobID,
		EngineID:      engineID,
		Text:          strings.Join(texts, "\f"),
		Pages:         len(pages),
		BoundingBoxes: boxes,
		Structured:    raw.Structured,
		Cost:          raw.Cost,
		DurationMS:    int(raw.Duration.Milliseconds()),
		CreatedAt:     n.now().UTC(),
	}
	if weight > 0 {
		conf := weighted / weight
		res.Confidence = &conf
		res.LowConfidence = conf < n.threshold
	}
	return res
}
