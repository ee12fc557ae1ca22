package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/lambda"

	"ils-backend/internal/db"
	"ils-backend/internal/handlers"
	"ils-backend/internal/security"
	"ils-backend/internal/shopify"
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

	stores := store.NewRepo(ddb, codec)
	h := handlers.NewStores(ddb, stores, shopify.NewClient(""))

	lambda.Start(h.Handle)
}
