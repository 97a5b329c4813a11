package researchsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Client is the remote store's query and write surface. Implementations carry
// their own connections and release them in Close.
type Client interface {
	WorkItem(ctx context.Context, id string) (WorkItem, error)
	ActiveWorkItems(ctx context.Context, ownerID string) ([]WorkItem, error)
	QuestionBatch(ctx context.Context, batchID string) (QuestionBatch, error)
	WriteAnswers(ctx context.Context, batchID string, answers []Answer) error
	SubmitAnswer(ctx context.Context, key AnswerKey, answer string) (QuestionBatch, error)
	Close() error
}

type HTTPClientOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     Logger
}

// HTTPClient talks to the managed store's REST surface. Transient failures
// are reported to the caller as-is: retry policy belongs to the tiered write
// protocol, not to the transport.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     Logger
}

func NewHTTPClient(opts HTTPClientOptions) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		logger:     opts.Logger,
	}
}

func (c *HTTPClient) WorkItem(ctx context.Context, id string) (WorkItem, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return WorkItem{}, ErrInvalidInput
	}
	var raw json.RawMessage
	err := c.doJSON(ctx, http.MethodGet, "/v1/work-items/"+url.PathEscape(id), nil, &raw)
	if err != nil {
		return WorkItem{}, err
	}
	return decodeWorkItem(raw)
}

// ActiveWorkItems lists the owner's non-completed items, most recent first.
// Rows that fail validation are skipped so one malformed row cannot take the
// whole listing down.
func (c *HTTPClient) ActiveWorkItems(ctx context.Context, ownerID string) ([]WorkItem, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, ErrInvalidInput
	}
	q := url.Values{}
	q.Set("status", "neq.completed")
	q.Set("order", "createdAt.desc")
	var out struct {
		Items []json.RawMessage `json:"items"`
	}
	path := fmt.Sprintf("/v1/owners/%s/work-items?%s", url.PathEscape(ownerID), q.Encode())
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		if errors.Is(err, ErrNotFound) {
			return []WorkItem{}, nil
		}
		return nil, err
	}
	items := make([]WorkItem, 0, len(out.Items))
	for _, raw := range out.Items {
		item, err := decodeWorkItem(raw)
		if err != nil {
			c.logf("skipping malformed work item row for owner %s: %v", ownerID, err)
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func (c *HTTPClient) QuestionBatch(ctx context.Context, batchID string) (QuestionBatch, error) {
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return QuestionBatch{}, ErrInvalidInput
	}
	var out QuestionBatch
	err := c.doJSON(ctx, http.MethodGet, "/v1/batches/"+url.PathEscape(batchID), nil, &out)
	if err != nil {
		return QuestionBatch{}, err
	}
	return out, nil
}

func (c *HTTPClient) WriteAnswers(ctx context.Context, batchID string, answers []Answer) error {
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return ErrInvalidInput
	}
	body := map[string]any{"answers": answers}
	return c.doJSON(ctx, http.MethodPut, "/v1/batches/"+url.PathEscape(batchID)+"/answers", body, nil)
}

// SubmitAnswer asks the store to apply the update server-side in one
// operation and returns the updated batch row.
func (c *HTTPClient) SubmitAnswer(ctx context.Context, key AnswerKey, answer string) (QuestionBatch, error) {
	if err := key.validate(); err != nil {
		return QuestionBatch{}, err
	}
	body := map[string]any{
		"batchId":    key.BatchID,
		"questionId": key.QuestionID,
		"answer":     answer,
	}
	var out QuestionBatch
	if err := c.doJSON(ctx, http.MethodPost, "/v1/rpc/submit-answer", body, &out); err != nil {
		return QuestionBatch{}, err
	}
	return out, nil
}

func (c *HTTPClient) Close() error {
	if c == nil || c.httpClient == nil {
		return nil
	}
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Correlation-Id", correlationID())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	payloadBytes, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payloadBytes) == 0 {
			return nil
		}
		return json.Unmarshal(payloadBytes, out)
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payloadBytes, &errPayload)
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
	}
}

func (c *HTTPClient) logf(format string, args ...any) {
	if c == nil || c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

func correlationID() string {
	return "rsync_" + uuid.NewString()
}
