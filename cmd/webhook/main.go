package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"ils-backend/internal/db"
	"ils-backend/internal/handlers"
	"ils-backend/internal/security"
	"ils-backend/internal/store"
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

	stores := store.NewRepo(ddb, codec)
	ingress := handlers.NewIngress(ddb, stores, sqs.NewFromConfig(cfg))

	lambda.Start(ingress.Handle)
}
