// Package client holds HTTP clients for the services the BFA calls out to.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/boddenberg/tradeflow-bfa-go/internal/domain"
	"github.com/boddenberg/tradeflow-bfa-go/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("client")

// DocumentAnalyzerClient calls the document-analysis service that extracts
// company requisites and goods lines from uploaded files.
type DocumentAnalyzerClient struct {
	httpClient *http.Client
	baseURL    string
	cb         *gobreaker.CircuitBreaker
	cfg        resilience.Config
}

// NewDocumentAnalyzerClient creates a new DocumentAnalyzerClient.
func NewDocumentAnalyzerClient(httpClient *http.Client, baseURL string, cb *gobreaker.CircuitBreaker, cfg resilience.Config) *DocumentAnalyzerClient {
	return &DocumentAnalyzerClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		cb:         cb,
		cfg:        cfg,
	}
}

type analyzeRequest struct {
	FileURL      string              `json:"file_url"`
	DocumentType domain.DocumentType `json:"document_type"`
}

// Analyze submits a stored file for extraction and returns the fields it found.
func (c *DocumentAnalyzerClient) Analyze(ctx context.Context, fileURL string, docType domain.DocumentType) (*domain.DocumentAnalysis, error) {
	ctx, span := tracer.Start(ctx, "DocumentAnalyzerClient.Analyze")
	defer span.End()
	span.SetAttributes(attribute.String("document.type", string(docType)))

	var analysis domain.DocumentAnalysis

	err := resilience.Call(ctx, c.cb, c.cfg, "document-analyzer", func() error {
		body, err := json.Marshal(analyzeRequest{FileURL: fileURL, DocumentType: docType})
		if err != nil {
			return resilience.Permanent(err)
		}

		url := fmt.Sprintf("%s/v1/documents/analyze", c.baseURL)
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return resilience.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return resilience.Permanent(fmt.Errorf("document analyzer returned status %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("document analyzer returned status %d", resp.StatusCode)
		}

		analysis = domain.DocumentAnalysis{}
		return json.NewDecoder(resp.Body).Decode(&analysis)
	})
	if err != nil {
		return nil, &domain.ErrExternalService{Service: "document-analyzer", Err: err}
	}

	if analysis.DocumentType == "" {
		analysis.DocumentType = docType
	}
	return &analysis, nil
}
