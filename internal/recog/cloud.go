package recog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/scanforge/scanforge/internal/model"
)

// CloudEngine is the adapter for metered HTTP recognition providers. All
// providers share one wire shape; per-provider differences live entirely in
// configuration (endpoint, credentials, rate limit), never in code paths.
type CloudEngine struct {
	id       string
	endpoint string
	apiKey   string
	client   *http.Client
	limiter  *rate.Limiter
}

// NewCloudEngine creates a metered cloud adapter. callsPerSecond enforces the
// provider's documented rate limit client-side so bursts of jobs do not turn
// into provider-side throttling errors.
func NewCloudEngine(id, endpoint, apiKey string, callsPerSecond float64) *CloudEngine {
	return &CloudEngine{
		id:       id,
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{},
		limiter:  rate.NewLimiter(rate.Limit(callsPerSecond), 1),
	}
}

// cloudRequest is the JSON body sent to the provider's recognize endpoint.
type cloudRequest struct {
	InputRef   string                  `json:"input_ref"`
	Language   string                  `json:"language,omitempty"`
	Preprocess model.PreprocessOptions `json:"preprocess,omitempty"`
}

type cloudBox struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
	X0         int      `json:"x0"`
	Y0         int      `json:"y0"`
	X1         int      `json:"x1"`
	Y1         int      `json:"y1"`
}

type cloudPage struct {
	Number     int        `json:"number"`
	Text       string     `json:"text"`
	Confidence *float64   `json:"confidence,omitempty"`
	Boxes      []cloudBox `json:"boxes,omitempty"`
}

// cloudResponse is the provider's recognize response.
type cloudResponse struct {
	Pages      []cloudPage       `json:"pages"`
	Structured map[string]string `json:"structured,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Recognize posts the document reference to the provider and maps its
// response into a RawResult. HTTP 4xx responses are semantic failures (bad
// input, unsupported format); 5xx and transport errors are transient.
func (c *CloudEngine) Recognize(ctx context.Context, req Request) (RawResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return RawResult{}, err
	}

	start := time.Now()

	body, err := json.Marshal(cloudRequest{
		InputRef:   req.InputRef,
		Language:   req.Language,
		Preprocess: req.Preprocess,
	})
	if err != nil {
		return RawResult{}, &EngineError{Engine: c.id, Kind: KindSemantic, Msg: fmt.Sprintf("encode request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/recognize", bytes.NewReader(body))
	if err != nil {
		return RawResult{}, &EngineError{Engine: c.id, Kind: KindTransient, Msg: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return RawResult{}, ctx.Err()
		}
		return RawResult{}, &EngineError{Engine: c.id, Kind: KindTransient, Msg: err.Error()}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return RawResult{}, &EngineError{Engine: c.id, Kind: KindTransient, Msg: fmt.Sprintf("read response: %v", err)}
	}

	if resp.StatusCode >= 500 {
		return RawResult{}, &EngineError{Engine: c.id, Kind: KindTransient, Msg: fmt.Sprintf("provider returned %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return RawResult{}, &EngineError{Engine: c.id, Kind: KindSemantic, Msg: fmt.Sprintf("provider rejected request: %d: %s", resp.StatusCode, truncate(payload, 200))}
	}

	var out cloudResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return RawResult{}, &EngineError{Engine: c.id, Kind: KindTransient, Msg: fmt.Sprintf("decode response: %v", err)}
	}
	if out.Error != "" {
		return RawResult{}, &EngineError{Engine: c.id, Kind: KindSemantic, Msg: out.Error}
	}

	res := RawResult{
		Structured: out.Structured,
		Duration:   time.Since(start),
	}
	for _, p := range out.Pages {
		page := Page{Number: p.Number, Text: p.Text, Confidence: p.Confidence}
		for _, b := range p.Boxes {
			box := model.BoundingBox{Page: p.Number, Text: b.Text, Confidence: b.Confidence, X0: b.X0, Y0: b.Y0, X1: b.X1, Y1: b.Y1}
			page.Boxes = append(page.Boxes, box)
		}
		res.Pages = append(res.Pages, page)
	}
	return res, nil
}

// Healthcheck hits the provider's health endpoint.
func (c *CloudEngine) Healthcheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthcheck status %d", resp.StatusCode)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
