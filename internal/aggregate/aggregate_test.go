package aggregate_test

import (
	"strings"
	"testing"
	"time"

	"github.com/scanforge/scanforge/internal/aggregate"
	"github.com/scanforge/scanforge/internal/model"
	"github.com/scanforge/scanforge/internal/recog"
)

func fp(v float64) *float64 { return &v }

func TestNormalizeWeightedConfidence(t *testing.T) {
	n := aggregate.NewNormalizer(0)
	raw := recog.RawResult{
		Pages: []recog.Page{
			{Number: 1, Text: strings.Repeat("a", 90), Confidence: fp(0.9)},
			{Number: 2, Text: strings.Repeat("b", 10), Confidence: fp(0.4)},
		},
		Cost:     4,
		Duration: 1200 * time.Millisecond,
	}

	res := n.Normalize("job-1", "cloud-alpha", raw)

	if res.Confidence == nil {
		t.Fatal("confidence is nil")
	}
	// 90 chars at 0.9 plus 10 chars at 0.4 blends to 0.85.
	if got := *res.Confidence; got < 0.849 || got > 0.851 {
		t.Errorf("confidence = %v, want ~0.85", got)
	}
	if res.LowConfidence {
		t.Error("0.85 should not be flagged low")
	}
	if res.Pages != 2 || res.Cost != 4 || res.DurationMS != 1200 {
		t.Errorf("result = %+v", res)
	}
}

func TestNormalizePageOrderAndJoin(t *testing.T) {
	n := aggregate.NewNormalizer(0)
	raw := recog.RawResult{
		Pages: []recog.Page{
			{Number: 2, Text: "second"},
			{Number: 1, Text: "first"},
		},
	}

	res := n.Normalize("job-1", "tesseract", raw)
	if res.Text != "first\fsecond" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestNormalizeNoConfidenceStaysNil(t *testing.T) {
	n := aggregate.NewNormalizer(0)
	raw := recog.RawResult{
		Pages: []recog.Page{{Number: 1, Text: "hello"}},
	}

	res := n.Normalize("job-1", "tesseract", raw)
	if res.Confidence != nil {
		t.Errorf("confidence = %v, want nil", *res.Confidence)
	}
	if res.LowConfidence {
		t.Error("a nil confidence must not be flagged low")
	}
}

func TestNormalizeLowConfidenceFlag(t *testing.T) {
	n := aggregate.NewNormalizer(0.6)
	raw := recog.RawResult{
		Pages: []recog.Page{{Number: 1, Text: "blurry scan", Confidence: fp(0.41)}},
	}

	res := n.Normalize("job-1", "tesseract", raw)
	if !res.LowConfidence {
		t.Error("0.41 should be flagged low against a 0.6 threshold")
	}
}

func TestNormalizeMixedConfidencePages(t *testing.T) {
	n := aggregate.NewNormalizer(0)
	raw := recog.RawResult{
		Pages: []recog.Page{
			{Number: 1, Text: "scored", Confidence: fp(0.8)},
			{Number: 2, Text: "unscored"},
		},
	}

	res := n.Normalize("job-1", "cloud-alpha", raw)
	if res.Confidence == nil {
		t.Fatal("confidence is nil")
	}
	if got := *res.Confidence; got < 0.799 || got > 0.801 {
		t.Errorf("confidence = %v, want ~0.8 from the scored page only", got)
	}
}

func TestNormalizeCollectsBoxesAndStructured(t *testing.T) {
	n := aggregate.NewNormalizer(0)
	raw := recog.RawResult{
		Pages: []recog.Page{
			{Number: 1, Text: "invoice", Confidence: fp(0.95), Boxes: []model.BoundingBox{
				{Page: 1, Text: "TOTAL", X0: 10, Y0: 20, X1: 80, Y1: 40},
			}},
			{Number: 2, Text: "page two", Confidence: fp(0.9), Boxes: []model.BoundingBox{
				{Page: 2, Text: "42.00", X0: 5, Y0: 5, X1: 50, Y1: 25},
			}},
		},
		Structured: map[string]string{"total": "42.00"},
	}

	res := n.Normalize("job-1", "cloud-alpha", raw)
	if len(res.BoundingBoxes) != 2 {
		t.Fatalf("boxes = %d, want 2", len(res.BoundingBoxes))
	}
	if res.BoundingBoxes[0].Text != "TOTAL" || res.BoundingBoxes[1].Page != 2 {
		t.Errorf("boxes = %+v", res.BoundingBoxes)
	}
	if res.Structured["total"] != "42.00" {
		t.Errorf("structured = %v", res.Structured)
	}
}
