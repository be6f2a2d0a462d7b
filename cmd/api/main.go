package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adaptanoide/photo-inventory/internal/awsx"
	"github.com/adaptanoide/photo-inventory/internal/guard"
	"github.com/adaptanoide/photo-inventory/internal/handlers"
	"github.com/adaptanoide/photo-inventory/internal/holds"
	"github.com/adaptanoide/photo-inventory/internal/ledger"
	"github.com/adaptanoide/photo-inventory/internal/metrics"
	"github.com/adaptanoide/photo-inventory/internal/product"
	"github.com/adaptanoide/photo-inventory/internal/reconcile"
	"github.com/adaptanoide/photo-inventory/internal/selection"
)

func setupRouter(cfg handlers.HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handlers.RegisterRoutes(r, cfg)

	return r
}

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

	holdTTL := time.Duration(envInt("HOLD_TTL_SECONDS", 1800)) * time.Second
	holdLimit := envInt("SESSION_HOLD_LIMIT", 50)

	g := guard.New(products)
	selService := selection.NewService(selections, products, mirror, ledger.NewPriceTable(pool))
	sweeper := reconcile.NewSweeper(products, mirror)
	runner := reconcile.NewRunner(adapter, products, g, selService, sweeper,
		ledger.NewFileTable(pool), metrics.NewPublisher(clients.CloudWatch))

	r := setupRouter(handlers.HandlerConfig{
		Holds:      holds.NewManager(products, mirror, holdTTL, holdLimit),
		Selections: selService,
		Guard:      g,
		Reconciler: runner,
		Access:     ledger.NewAccessTable(pool),
	})

	// RUN_LOCAL=true runs a plain HTTP server for development.
	if os.Getenv("RUN_LOCAL") == "true" {
		addr := ":8080"
		log.Printf("running local server on %s", addr)
		if err := r.Run(addr); err != nil {
			log.Fatalf("failed to run local server: %v", err)
		}
		return
	}

	adapterGin := ginadapter.New(r)
	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (interface{}, error) {
		return adapterGin.ProxyWithContext(ctx, req)
	})
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
