// Package reputation reads a bounded reputation factor for an agent from an
// external oracle. The factor multiplies a merchant's stake to produce its
// credit limit, so it is always clamped to [MinFactor, MaxFactor] before use.
package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Bounds on the reputation factor.
const (
	MinFactor = 0.5
	MaxFactor = 3.0
)

// Reader returns a reputation factor for an agent, either by its identifier
// in the oracle's namespace or by its ledger address.
type Reader interface {
	ByID(ctx context.Context, agentID string) (float64, error)
	ByAddress(ctx context.Context, address string) (float64, error)
}

// Clamp bounds a raw factor to [MinFactor, MaxFactor].
func Clamp(factor float64) float64 {
	if factor < MinFactor {
		return MinFactor
	}
	if factor > MaxFactor {
		return MaxFactor
	}
	return factor
}

// Factor resolves the factor for a merchant: by agent ID when known
// (agentID != "0" and non-empty), by address otherwise. The result is clamped.
func Factor(ctx context.Context, r Reader, agentID, address string) (float64, error) {
	var (
		f   float64
		err error
	)
	if agentID != "" && agentID != "0" {
		f, err = r.ByID(ctx, agentID)
	} else {
		f, err = r.ByAddress(ctx, address)
	}
	if err != nil {
		return 0, err
	}
	return Clamp(f), nil
}

// Stub is a Reader that always returns a fixed factor. The zero value
// returns 1.0.
type Stub struct {
	Value float64
}

func (s Stub) ByID(context.Context, string) (float64, error)      { return s.factor(), nil }
func (s Stub) ByAddress(context.Context, string) (float64, error) { return s.factor(), nil }

func (s Stub) factor() float64 {
	if s.Value == 0 {
		return 1.0
	}
	return s.Value
}

// HTTPReader queries a reputation oracle over JSON/HTTP.
// GET {base}/reputation/agent/{id} and GET {base}/reputation/address/{addr},
// both answering {"rep_factor": <float>}.
type HTTPReader struct {
	baseURL string
	http    *http.Client
}

// NewHTTPReader creates a reader against the given oracle base URL.
func NewHTTPReader(baseURL string) *HTTPReader {
	return &HTTPReader{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *HTTPReader) ByID(ctx context.Context, agentID string) (float64, error) {
	return r.fetch(ctx, "/reputation/agent/"+url.PathEscape(agentID))
}

func (r *HTTPReader) ByAddress(ctx context.Context, address string) (float64, error) {
	return r.fetch(ctx, "/reputation/address/"+url.PathEscape(address))
}

func (r *HTTPReader) fetch(ctx context.Context, path string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+path, nil)
	if err != nil {
		return 0, err
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("reputation oracle: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("reputation oracle: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return 0, fmt.Errorf("reputation oracle: read response: %w", err)
	}

	var out struct {
		RepFactor float64 `json:"rep_factor"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("reputation oracle: decode response: %w", err)
	}
	return out.RepFactor, nil
}
