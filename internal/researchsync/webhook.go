package researchsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Targets containing this marker expect multipart form delivery; everything
// else gets a single JSON body.
const waitingWebhookMarker = "webhook-waiting"

type Notifier interface {
	Notify(ctx context.Context, batch QuestionBatch) error
}

type WebhookNotifierOptions struct {
	DefaultTarget string
	HTTPClient    *http.Client
	Logger        Logger
}

// WebhookNotifier posts the full question/answer state of a batch to its
// reply target. Delivery is diagnostic; callers log the returned error but
// never let it fail the write that triggered it.
type WebhookNotifier struct {
	defaultTarget string
	httpClient    *http.Client
	logger        Logger
	now           func() time.Time
}

func NewWebhookNotifier(opts WebhookNotifierOptions) *WebhookNotifier {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &WebhookNotifier{
		defaultTarget: strings.TrimSpace(opts.DefaultTarget),
		httpClient:    httpClient,
		logger:        opts.Logger,
		now:           time.Now,
	}
}

type notificationQuestion struct {
	ID       string `json:"id"`
	Question string `json:"question"`
	Answered bool   `json:"answered"`
}

type notificationAnswer struct {
	ID       string `json:"id"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Answered bool   `json:"answered"`
}

type notificationPayload struct {
	ResearchID  string                 `json:"research_id"`
	BatchID     string                 `json:"batch_id"`
	Questions   []notificationQuestion `json:"questions"`
	Answers     []notificationAnswer   `json:"answers"`
	SubmittedAt string                 `json:"submitted_at"`
}

func (n *WebhookNotifier) Notify(ctx context.Context, batch QuestionBatch) error {
	if n == nil {
		return nil
	}
	target := strings.TrimSpace(batch.ReplyTarget)
	if target == "" {
		target = n.defaultTarget
	}
	if target == "" {
		return nil
	}
	payload := buildNotificationPayload(batch, n.now().UTC())

	var body io.Reader
	contentType := ""
	if strings.Contains(target, waitingWebhookMarker) {
		encoded, formContentType, err := encodeMultipart(payload)
		if err != nil {
			return err
		}
		body = encoded
		contentType = formContentType
	} else {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Correlation-Id", correlationID())

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook delivery to %s failed: status=%d", target, resp.StatusCode)
	}
	return nil
}

func buildNotificationPayload(batch QuestionBatch, submittedAt time.Time) notificationPayload {
	answersByID := make(map[string]Answer, len(batch.Answers))
	for _, answer := range batch.Answers {
		answersByID[answer.ID] = answer
	}
	questions := make([]notificationQuestion, 0, len(batch.Questions))
	questionText := make(map[string]string, len(batch.Questions))
	for _, question := range batch.Questions {
		questionText[question.ID] = question.Text
		answer, ok := answersByID[question.ID]
		questions = append(questions, notificationQuestion{
			ID:       question.ID,
			Question: question.Text,
			Answered: ok && answer.Answered && strings.TrimSpace(answer.Text) != "",
		})
	}
	answers := make([]notificationAnswer, 0, len(batch.Answers))
	for _, answer := range batch.Answers {
		text := answer.Question
		if text == "" {
			text = questionText[answer.ID]
		}
		answers = append(answers, notificationAnswer{
			ID:       answer.ID,
			Question: text,
			Answer:   answer.Text,
			Answered: answer.Answered,
		})
	}
	return notificationPayload{
		ResearchID:  batch.BatchID,
		BatchID:     batch.BatchID,
		Questions:   questions,
		Answers:     answers,
		SubmittedAt: submittedAt.Format(time.RFC3339),
	}
}

// encodeMultipart writes each top-level payload field as its own form part.
// Composite fields are JSON strings, and the whole payload rides along as a
// JSON-encoded payload part.
func encodeMultipart(payload notificationPayload) (io.Reader, string, error) {
	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)

	fields := map[string]string{
		"research_id":  payload.ResearchID,
		"batch_id":     payload.BatchID,
		"submitted_at": payload.SubmittedAt,
	}
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return nil, "", err
		}
	}
	questionsJSON, err := json.Marshal(payload.Questions)
	if err != nil {
		return nil, "", err
	}
	if err := writer.WriteField("questions", string(questionsJSON)); err != nil {
		return nil, "", err
	}
	answersJSON, err := json.Marshal(payload.Answers)
	if err != nil {
		return nil, "", err
	}
	if err := writer.WriteField("answers", string(answersJSON)); err != nil {
		return nil, "", err
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, "", err
	}
	if err := writer.WriteField("payload", string(payloadJSON)); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return buf, writer.FormDataContentType(), nil
}
