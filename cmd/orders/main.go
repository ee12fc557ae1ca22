package main

import (
	"context"
	"log"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"ils-backend/internal/alerts"
	"ils-backend/internal/db"
	"ils-backend/internal/handlers"
	"ils-backend/internal/rx"
	"ils-backend/internal/security"
	"ils-backend/internal/shopify"
	"ils-backend/internal/store"
	"ils-backend/internal/sync"
)

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
	stores := store.NewRepo(ddb, codec)
	pub := alerts.NewPublisher(ddb, sns.NewFromConfig(cfg))

	var rec sync.Recommender
	if gate, gerr := rx.New(ctx); gerr == nil {
		rec = gate
	}

	engine := sync.NewEngine(ddb, gw, rec, pub)
	orders := handlers.NewOrders(stores, engine, gw)
	maintenance := handlers.NewMaintenance(ddb, stores, sqs.NewFromConfig(cfg))

	lambda.Start(func(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
		if strings.HasPrefix(req.RawPath, "/maintenance/") {
			return maintenance.Handle(ctx, req)
		}
		return orders.Handle(ctx, req)
	})
}
