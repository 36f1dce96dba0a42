package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"signflow/db"
	"signflow/document"
	"signflow/notify"
	"signflow/signing"
	"signflow/token"
)

const expirySweepInterval = time.Minute

// logSender is the default notification edge: it logs deliveries instead of
// sending them. Real deployments plug in their mail or webhook sender here.
type logSender struct{}

func (logSender) Send(ctx context.Context, topic string, payload []byte) error {
	log.Printf("notify: deliver %s: %s", topic, payload)
	return nil
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connString := os.Getenv("DATABASE_URL")
	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	secret := os.Getenv("SIGNING_TOKEN_SECRET")
	if secret == "" {
		log.Fatal("SIGNING_TOKEN_SECRET is required")
	}

	tokens := token.NewService(secret)
	docs := document.NewPGStore(pool)
	svc := signing.NewService(pool, tokens, docs)

	relayer := notify.NewRelayer(pool, logSender{})
	go func() {
		if err := relayer.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("notify relayer stopped: %v", err)
		}
	}()

	go func() {
		ticker := time.NewTicker(expirySweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := svc.ExpireDue(ctx); err != nil {
					log.Printf("expiry sweep: %v", err)
				} else if n > 0 {
					log.Printf("expiry sweep closed %d requirements", n)
				}
			}
		}
	}()

	server := &Server{signingService: svc}

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	log.Printf("signing api listening on %s", addr)
	if err := http.ListenAndServe(addr, server.routes()); err != nil {
		log.Fatalf("http server: %v", err)
	}
}
