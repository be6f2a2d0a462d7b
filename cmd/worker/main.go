package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adaptanoide/photo-inventory/internal/awsx"
	"github.com/adaptanoide/photo-inventory/internal/guard"
	"github.com/adaptanoide/photo-inventory/internal/ledger"
	"github.com/adaptanoide/photo-inventory/internal/metrics"
	"github.com/adaptanoide/photo-inventory/internal/product"
	"github.com/adaptanoide/photo-inventory/internal/reconcile"
	"github.com/adaptanoide/photo-inventory/internal/selection"
)

func main() {
	ctx := context.Background()

	clients, err := awsx.NewClients(ctx)
	if err != nil {
		log.Fatalf("failed to init aws clients: %v", err)
	}

	pool, err := pgxpool.New(ctx, os.Getenv("LEDGER_DSN"))
	if err != nil {
		log.Fatalf("failed to connect to ledger: %v", err)
	}

	adapter := ledger.NewAdapter(pool)
	var queue ledger.Queue
	if url := os.Getenv("RETRY_QUEUE_URL"); url != "" {
		queue = ledger.NewSQSQueue(clients.SQS, url)
	} else {
		queue = ledger.NewMemoryQueue()
	}
	mirror := ledger.NewMirror(adapter, queue)

	products := product.NewStore(clients.DynamoDB, os.Getenv("PRODUCTS_TABLE"))
	selections := selection.NewStore(clients.DynamoDB, os.Getenv("SELECTIONS_TABLE"))

	g := guard.New(products)
	selService := selection.NewService(selections, products, mirror, ledger.NewPriceTable(pool))
	sweeper := reconcile.NewSweeper(products, mirror)
	runner := reconcile.NewRunner(adapter, products, g, selService, sweeper,
		ledger.NewFileTable(pool), metrics.NewPublisher(clients.CloudWatch))

	// RUN_LOCAL=true drives everything off in-process tickers instead of
	// Lambda events: the retrier drains the in-memory queue, the sweeper
	// releases expired holds and the runner evaluates the cadence.
	if os.Getenv("RUN_LOCAL") == "true" {
		retryInterval := time.Duration(envInt("RETRY_INTERVAL_SECONDS", 30)) * time.Second
		sweepInterval := time.Duration(envInt("SWEEP_INTERVAL_SECONDS", 60)) * time.Second

		retrier := ledger.NewRetrier(queue, adapter, retryInterval)
		go retrier.Run(ctx)
		go sweeper.Run(ctx, sweepInterval)
		log.Print("[worker] running local tickers")
		runner.Run(ctx, time.Minute)
		return
	}

	p := NewProcessor(adapter, runner, sweeper)
	lambda.Start(p.Handle)
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		log.Fatalf("invalid %s: %v", name, err)
	}
	return n
}
