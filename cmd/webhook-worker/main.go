package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"ils-backend/internal/alerts"
	"ils-backend/internal/db"
	"ils-backend/internal/handlers"
	"ils-backend/internal/rx"
	"ils-backend/internal/security"
	"ils-backend/internal/shopify"
	"ils-backend/internal/store"
	"ils-backend/internal/sync"
	"ils-backend/internal/webhooklog"
)

type worker struct {
	stores *store.Repo
	logs   *webhooklog.Repo
	engine *sync.Engine
}

func (w *worker) handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	failures := make([]events.SQSBatchItemFailure, 0)

	for _, rec := range sqsEvent.Records {
		if err := w.processOne(ctx, rec.Body); err != nil {
			// Log + mark this message as failed so it retries (or goes to DLQ)
			fmt.Printf("webhook-worker: msgId=%s failed: %v\n", rec.MessageId, err)
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}

	return events.SQSEventResponse{BatchItemFailures: failures}, nil
}

func (w *worker) processOne(ctx context.Context, body string) error {
	var task handlers.WebhookTask
	if err := json.Unmarshal([]byte(body), &task); err != nil {
		return fmt.Errorf("unmarshal webhook task: %w", err)
	}
	if task.StoreDomain == "" || task.Topic == "" {
		return fmt.Errorf("webhook task missing store domain or topic")
	}

	st, err := w.stores.FindByDomain(ctx, task.StoreDomain)
	if err != nil {
		return fmt.Errorf("resolve store %s: %w", task.StoreDomain, err)
	}

	entry := &webhooklog.Entry{
		ID:          task.LogID,
		StoreDomain: task.StoreDomain,
		ReceivedAt:  task.ReceivedAt,
	}

	if perr := w.engine.ProcessWebhook(ctx, st, task.Topic, task.Payload); perr != nil {
		if merr := w.logs.MarkFailed(ctx, entry, perr); merr != nil {
			fmt.Printf("webhook-worker: mark failed log=%s: %v\n", task.LogID, merr)
		}
		return fmt.Errorf("process %s for %s: %w", task.Topic, task.StoreDomain, perr)
	}

	if merr := w.logs.MarkProcessed(ctx, entry); merr != nil {
		// The order sync already landed; only the log flag is stale.
		fmt.Printf("webhook-worker: mark processed log=%s: %v\n", task.LogID, merr)
	}
	return nil
}

func main() {
	ctx := context.Background()

	ddb, err := db.NewDynamoClient(ctx)
	if err != nil {
		log.Fatalf("init dynamodb: %v", err)
	}
	codec, err := security.LoadCodec(ctx)
	if err != nil {
		log.Fatalf("load encryption key: %v", err)
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatalf("load aws config: %v", err)
	}

	gw := shopify.NewClient("")
	pub := alerts.NewPublisher(ddb, sns.NewFromConfig(cfg))

	// Lens recommendations are optional for the worker; a missing model id
	// just disables them.
	var rec sync.Recommender
	if gate, gerr := rx.New(ctx); gerr != nil {
		fmt.Printf("webhook-worker: recommendations disabled: %v\n", gerr)
	} else {
		rec = gate
	}

	w := &worker{
		stores: store.NewRepo(ddb, codec),
		logs:   webhooklog.NewRepo(ddb),
		engine: sync.NewEngine(ddb, gw, rec, pub),
	}

	lambda.Start(w.handle)
}
