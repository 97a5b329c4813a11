package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/agentworkforce/researchsync/internal/researchsync"
)

func main() {
	remoteURL := flag.String("remote-url", envOrDefault("RESEARCHSYNC_REMOTE_URL", "http://127.0.0.1:8080"), "remote store base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("RESEARCHSYNC_TOKEN")), "bearer token")
	batchID := flag.String("batch", "", "question batch ID")
	questionID := flag.String("question", "", "question ID (single-answer mode)")
	answer := flag.String("answer", "", "answer text (single-answer mode)")
	answersFile := flag.String("answers-file", "", "JSON file mapping question IDs to answers (batch mode)")
	replyTarget := flag.String("reply-target", strings.TrimSpace(os.Getenv("RESEARCHSYNC_REPLY_TARGET")), "default webhook target when the batch has none")
	timeout := flag.Duration("timeout", durationEnv("RESEARCHSYNC_SUBMIT_TIMEOUT", 30*time.Second), "overall submission timeout")
	flag.Parse()

	if strings.TrimSpace(*batchID) == "" {
		log.Fatalf("batch is required (--batch)")
	}
	batchMode := strings.TrimSpace(*answersFile) != ""
	if !batchMode && (strings.TrimSpace(*questionID) == "" || strings.TrimSpace(*answer) == "") {
		log.Fatalf("either --answers-file or both --question and --answer are required")
	}

	client := researchsync.NewHTTPClient(researchsync.HTTPClientOptions{
		BaseURL: *remoteURL,
		Token:   *token,
		Logger:  log.Default(),
	})
	defer client.Close()

	notifier := researchsync.NewWebhookNotifier(researchsync.WebhookNotifierOptions{
		DefaultTarget: *replyTarget,
		Logger:        log.Default(),
	})
	engine, err := researchsync.NewDeliveryEngine(researchsync.DeliveryEngineOptions{
		Client:   client,
		Notifier: notifier,
		Logger:   log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize delivery engine: %v", err)
	}
	defer engine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if batchMode {
		data, err := os.ReadFile(*answersFile)
		if err != nil {
			log.Fatalf("failed to read answers file: %v", err)
		}
		answers := map[string]string{}
		if err := json.Unmarshal(data, &answers); err != nil {
			log.Fatalf("answers file is not a JSON object of question id to answer: %v", err)
		}
		result, err := engine.SubmitAll(ctx, *batchID, answers)
		if err != nil {
			log.Fatalf("submission failed: %v", err)
		}
		log.Printf("wrote %d of %d answers for batch %s via %s", result.Written, len(answers), *batchID, result.Tier)
		return
	}

	result, err := engine.SubmitAnswer(ctx, researchsync.AnswerKey{
		BatchID:    strings.TrimSpace(*batchID),
		QuestionID: strings.TrimSpace(*questionID),
	}, *answer)
	if err != nil {
		log.Fatalf("submission failed: %v", err)
	}
	log.Printf("answer for question %s in batch %s persisted via %s", *questionID, *batchID, result.Tier)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
