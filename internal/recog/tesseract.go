package recog

import (
	"context"
	"fmt"
	"time"

	"github.com/otiai10/gosseract/v2"
)

// TesseractEngine runs OCR locally through the tesseract C library. It is the
// zero-cost last-resort engine in every chain.
type TesseractEngine struct {
	id       string
	language string
}

// NewTesseractEngine creates a local tesseract adapter. language is the
// default tesseract language pack (e.g. "eng", "chi_sim+eng") used when a
// request does not specify one.
func NewTesseractEngine(id, language string) *TesseractEngine {
	return &TesseractEngine{id: id, language: language}
}

// Recognize runs tesseract against the input image. The cgo call cannot be
// aborted mid-recognition, so cancellation is observed at the call boundary:
// on deadline the result is abandoned and the context error returned.
func (t *TesseractEngine) Recognize(ctx context.Context, req Request) (RawResult, error) {
	start := time.Now()

	type outcome struct {
		res RawResult
		err error
	}
	ch := make(chan outcome, 1)

	go func() {
		res, err := t.recognize(req)
		ch <- outcome{res, err}
	}()

	select {
	case out := <-ch:
		out.res.Duration = time.Since(start)
		return out.res, out.err
	case <-ctx.Done():
		return RawResult{}, ctx.Err()
	}
}

func (t *TesseractEngine) recognize(req Request) (RawResult, error) {
	client := gosseract.NewClient()
	defer client.Close()

	lang := req.Language
	if lang == "" {
		lang = t.language
	}
	if err := client.SetLanguage(lang); err != nil {
		return RawResult{}, &EngineError{Engine: t.id, Kind: KindSemantic, Msg: fmt.Sprintf("set language %q: %v", lang, err)}
	}
	if err := client.SetImage(req.InputRef); err != nil {
		return RawResult{}, &EngineError{Engine: t.id, Kind: KindSemantic, Msg: fmt.Sprintf("set image: %v", err)}
	}

	text, err := client.Text()
	if err != nil {
		return RawResult{}, &EngineError{Engine: t.id, Kind: KindTransient, Msg: fmt.Sprintf("extract text: %v", err)}
	}

	page := Page{Number: 1, Text: text}

	// Word-level boxes carry per-word confidence; average them for the page.
	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err == nil && len(boxes) > 0 {
		var sum float64
		for _, b := range boxes {
			conf := b.Confidence / 100
			page.Boxes = append(page.Boxes, boundingBox(1, b.Word, conf, b.Box.Min.X, b.Box.Min.Y, b.Box.Max.X, b.Box.Max.Y))
			sum += conf
		}
		avg := sum / float64(len(boxes))
		page.Confidence = &avg
	}

	return RawResult{Pages: []Page{page}}, nil
}

// Healthcheck verifies the tesseract library is loadable.
func (t *TesseractEngine) Healthcheck(_ context.Context) error {
	client := gosseract.NewClient()
	defer client.Close()
	if v := client.Version(); v == "" {
		return fmt.Errorf("tesseract version unavailable")
	}
	return nil
}
