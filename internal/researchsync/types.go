// Package researchsync keeps a device-local view of a remote research
// workflow current and delivers user answers back to the system of record.
package researchsync

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrWriteFailed  = errors.New("write failed")
	ErrStopped      = errors.New("synchronizer stopped")
)

type Logger interface {
	Printf(format string, args ...any)
}

type WorkItemStatus string

const (
	StatusPending   WorkItemStatus = "pending"
	StatusActive    WorkItemStatus = "active"
	StatusCompleted WorkItemStatus = "completed"
)

// WorkItem is one unit of in-flight research owned by a single user. Items
// are produced and advanced by automation outside this client; the client
// only observes them.
type WorkItem struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"ownerId"`
	Status    WorkItemStatus  `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

type Question struct {
	ID   string `json:"id"`
	Text string `json:"question"`
}

// Answer records the user's reply to one question. Question is the original
// question text when known; merges tolerate answers whose id matches no
// question in the batch.
type Answer struct {
	ID       string `json:"id"`
	Question string `json:"question,omitempty"`
	Text     string `json:"answer"`
	Answered bool   `json:"answered"`
}

type QuestionBatch struct {
	BatchID     string     `json:"batchId"`
	OwnerID     string     `json:"ownerId"`
	Questions   []Question `json:"questions"`
	Answers     []Answer   `json:"answers"`
	ReplyTarget string     `json:"replyTarget,omitempty"`
}

// AnswerKey addresses one question inside one batch. The two components stay
// separate fields end to end; they are never joined into a delimited string.
type AnswerKey struct {
	BatchID    string `json:"batchId"`
	QuestionID string `json:"questionId"`
}

func (k AnswerKey) validate() error {
	if strings.TrimSpace(k.BatchID) == "" || strings.TrimSpace(k.QuestionID) == "" {
		return ErrInvalidInput
	}
	return nil
}

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent is one row-level notification from the remote store's change
// feed. New carries the row after the change, Old the row before it; either
// may be absent depending on the event type.
type ChangeEvent struct {
	Type  EventType       `json:"eventType"`
	Table string          `json:"table"`
	New   json.RawMessage `json:"new,omitempty"`
	Old   json.RawMessage `json:"old,omitempty"`
}

// upsertAnswer returns answers with the entry for questionID updated, or
// appended when absent. The appended entry carries no question text; the
// merge does not need it.
func upsertAnswer(answers []Answer, questionID, text string) []Answer {
	merged := make([]Answer, len(answers))
	copy(merged, answers)
	for i := range merged {
		if merged[i].ID == questionID {
			merged[i].Text = text
			merged[i].Answered = true
			return merged
		}
	}
	return append(merged, Answer{ID: questionID, Text: text, Answered: true})
}
