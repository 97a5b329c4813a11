package researchsync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WriteTier identifies which strategy of the tiered write protocol persisted
// an answer. Lower-fidelity tiers are only reached when every tier above
// them failed.
type WriteTier int

const (
	TierNone WriteTier = iota
	TierRPC
	TierMergeWrite
	TierOverwrite
)

func (t WriteTier) String() string {
	switch t {
	case TierRPC:
		return "rpc"
	case TierMergeWrite:
		return "merge-write"
	case TierOverwrite:
		return "overwrite"
	default:
		return "none"
	}
}

type SubmitResult struct {
	Key          AnswerKey
	Tier         WriteTier
	SubmissionID string
	Batch        QuestionBatch
}

type SubmitAllResult struct {
	BatchID      string
	Written      int
	Tier         WriteTier
	SubmissionID string
	Batch        QuestionBatch
}

type DeliveryEngineOptions struct {
	Client        Client
	Notifier      Notifier
	NotifyTimeout time.Duration
	Logger        Logger
}

// DeliveryEngine persists user answers through a three-tier write protocol
// and then notifies the batch's reply target. Tiers run strictly in order,
// each only after the previous one failed, and the first success
// short-circuits the rest. Notification is fire-and-forget: its failures are
// logged and never affect the write's outcome.
type DeliveryEngine struct {
	client        Client
	notifier      Notifier
	notifyTimeout time.Duration
	logger        Logger

	wg sync.WaitGroup
}

func NewDeliveryEngine(opts DeliveryEngineOptions) (*DeliveryEngine, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("%w: client is required", ErrInvalidInput)
	}
	notifyTimeout := opts.NotifyTimeout
	if notifyTimeout <= 0 {
		notifyTimeout = 20 * time.Second
	}
	return &DeliveryEngine{
		client:        opts.Client,
		notifier:      opts.Notifier,
		notifyTimeout: notifyTimeout,
		logger:        opts.Logger,
	}, nil
}

// Close waits for in-flight webhook notifications to finish.
func (e *DeliveryEngine) Close() error {
	if e == nil {
		return nil
	}
	e.wg.Wait()
	return nil
}

// SubmitAnswer persists one answer. Tier 1 is the store's atomic
// submit-answer procedure; tier 2 reads the batch, merges the answer in by
// question id, and writes the whole list back; tier 3 overwrites the list
// with only this answer, sacrificing previously recorded answers so the
// user's own answer is never silently dropped.
func (e *DeliveryEngine) SubmitAnswer(ctx context.Context, key AnswerKey, answer string) (SubmitResult, error) {
	if err := key.validate(); err != nil {
		return SubmitResult{}, err
	}
	if strings.TrimSpace(answer) == "" {
		return SubmitResult{}, fmt.Errorf("%w: answer is empty", ErrInvalidInput)
	}
	submissionID := uuid.NewString()

	batch, rpcErr := e.client.SubmitAnswer(ctx, key, answer)
	if rpcErr == nil {
		result := SubmitResult{Key: key, Tier: TierRPC, SubmissionID: submissionID, Batch: batch}
		e.notifyAsync(result.Batch)
		return result, nil
	}
	e.logf("submit rpc failed for batch %s question %s, falling back to merge write: %v",
		key.BatchID, key.QuestionID, rpcErr)

	current, readErr := e.client.QuestionBatch(ctx, key.BatchID)
	var mergeErr error
	if readErr != nil {
		mergeErr = readErr
	} else {
		merged := upsertAnswer(current.Answers, key.QuestionID, answer)
		if writeErr := e.client.WriteAnswers(ctx, key.BatchID, merged); writeErr != nil {
			mergeErr = writeErr
		} else {
			current.Answers = merged
			result := SubmitResult{Key: key, Tier: TierMergeWrite, SubmissionID: submissionID, Batch: current}
			e.notifyAsync(result.Batch)
			return result, nil
		}
	}
	e.logf("merge write failed for batch %s question %s, falling back to minimal overwrite: %v",
		key.BatchID, key.QuestionID, mergeErr)

	minimal := []Answer{{ID: key.QuestionID, Text: answer, Answered: true}}
	if overwriteErr := e.client.WriteAnswers(ctx, key.BatchID, minimal); overwriteErr != nil {
		return SubmitResult{}, fmt.Errorf("%w for batch %s question %s: rpc: %v; merge: %v; overwrite: %v",
			ErrWriteFailed, key.BatchID, key.QuestionID, rpcErr, mergeErr, overwriteErr)
	}
	// The overwrite discarded whatever the batch held before. This is the
	// subsystem's one deliberate data-loss path; keep it loud.
	e.logf("DATA LOSS: minimal overwrite persisted only question %s for batch %s; previously recorded answers were discarded",
		key.QuestionID, key.BatchID)

	batch = QuestionBatch{BatchID: key.BatchID, Answers: minimal}
	if readErr == nil {
		batch.OwnerID = current.OwnerID
		batch.Questions = current.Questions
		batch.ReplyTarget = current.ReplyTarget
	}
	result := SubmitResult{Key: key, Tier: TierOverwrite, SubmissionID: submissionID, Batch: batch}
	e.notifyAsync(result.Batch)
	return result, nil
}

// SubmitAll merges several answers into the batch in one write, skipping
// pairs whose answer is blank. Written reports how many of the supplied
// pairs were persisted, which may be fewer than were passed in.
func (e *DeliveryEngine) SubmitAll(ctx context.Context, batchID string, answers map[string]string) (SubmitAllResult, error) {
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return SubmitAllResult{}, ErrInvalidInput
	}
	questionIDs := make([]string, 0, len(answers))
	for questionID, text := range answers {
		if strings.TrimSpace(questionID) == "" || strings.TrimSpace(text) == "" {
			continue
		}
		questionIDs = append(questionIDs, questionID)
	}
	if len(questionIDs) == 0 {
		return SubmitAllResult{BatchID: batchID, Written: 0, Tier: TierNone}, nil
	}
	sort.Strings(questionIDs)
	submissionID := uuid.NewString()

	current, readErr := e.client.QuestionBatch(ctx, batchID)
	var mergeErr error
	if readErr != nil {
		mergeErr = readErr
	} else {
		merged := current.Answers
		for _, questionID := range questionIDs {
			merged = upsertAnswer(merged, questionID, answers[questionID])
		}
		if writeErr := e.client.WriteAnswers(ctx, batchID, merged); writeErr != nil {
			mergeErr = writeErr
		} else {
			current.Answers = merged
			result := SubmitAllResult{
				BatchID:      batchID,
				Written:      len(questionIDs),
				Tier:         TierMergeWrite,
				SubmissionID: submissionID,
				Batch:        current,
			}
			e.notifyAsync(result.Batch)
			return result, nil
		}
	}
	e.logf("merge write failed for batch %s, falling back to minimal overwrite: %v", batchID, mergeErr)

	minimal := make([]Answer, 0, len(questionIDs))
	for _, questionID := range questionIDs {
		minimal = append(minimal, Answer{ID: questionID, Text: answers[questionID], Answered: true})
	}
	if overwriteErr := e.client.WriteAnswers(ctx, batchID, minimal); overwriteErr != nil {
		return SubmitAllResult{}, fmt.Errorf("%w for batch %s: merge: %v; overwrite: %v",
			ErrWriteFailed, batchID, mergeErr, overwriteErr)
	}
	e.logf("DATA LOSS: minimal overwrite persisted only %d submitted answers for batch %s; previously recorded answers were discarded",
		len(questionIDs), batchID)

	batch := QuestionBatch{BatchID: batchID, Answers: minimal}
	if readErr == nil {
		batch.OwnerID = current.OwnerID
		batch.Questions = current.Questions
		batch.ReplyTarget = current.ReplyTarget
	}
	result := SubmitAllResult{
		BatchID:      batchID,
		Written:      len(questionIDs),
		Tier:         TierOverwrite,
		SubmissionID: submissionID,
		Batch:        batch,
	}
	e.notifyAsync(result.Batch)
	return result, nil
}

// notifyAsync delivers the webhook without blocking the write path. A
// failure here is a diagnostic, never a write failure.
func (e *DeliveryEngine) notifyAsync(batch QuestionBatch) {
	if e.notifier == nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.notifyTimeout)
		defer cancel()
		if err := e.notifier.Notify(ctx, batch); err != nil {
			e.logf("webhook notification for batch %s failed (non-fatal): %v", batch.BatchID, err)
		}
	}()
}

func (e *DeliveryEngine) logf(format string, args ...any) {
	if e == nil || e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}
