// Command seed posts a demo conversation to a running chainchat node and then
// audits the node's chain.
//
// Messages from different senders are posted concurrently, so seeding doubles
// as a smoke test of concurrent appends.
//
// Usage:
//
//	AUTH_SESSION_SECRET=dev go run ./cmd/seed -url http://localhost:8080
//	go run ./cmd/seed -rounds 20 -concurrency 8
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/chainchat/internal/config"
	"github.com/jmerrifield20/chainchat/internal/identity"
	"github.com/jmerrifield20/chainchat/pkg/client"
	"golang.org/x/sync/errgroup"
)

type seedUser struct {
	ID       uuid.UUID
	Username string
}

var users = []seedUser{
	{ID: uuid.MustParse("00000000-0000-0000-0000-000000000001"), Username: "alice"},
	{ID: uuid.MustParse("00000000-0000-0000-0000-000000000002"), Username: "bob"},
	{ID: uuid.MustParse("00000000-0000-0000-0000-000000000003"), Username: "carol"},
}

var script = []string{
	"has anyone tried the new build?",
	"yes, sealing feels quick at difficulty 2",
	"every message gets its own record now",
	"and the chain verifies end to end",
	"nice, I'll point the relay at staging",
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "chainchat node base URL")
	rounds := flag.Int("rounds", 1, "times to replay the script")
	concurrency := flag.Int("concurrency", 4, "messages in flight at once")
	flag.Parse()

	if err := run(context.Background(), *baseURL, *rounds, *concurrency); err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, baseURL string, rounds, concurrency int) error {
	cfg, _, err := config.Load(config.New(""))
	if err != nil {
		return err
	}
	sessions, err := identity.NewSessionIssuer(cfg.Auth.SessionSecret, cfg.Auth.Issuer, time.Hour)
	if err != nil {
		return fmt.Errorf("session issuer: %w", err)
	}

	clients := make([]*client.Client, len(users))
	for i, u := range users {
		tok, err := sessions.Issue(u.ID.String(), u.Username)
		if err != nil {
			return fmt.Errorf("issue token for %s: %w", u.Username, err)
		}
		if clients[i], err = client.New(baseURL, client.WithBearerToken(tok), client.WithMinDifficulty(cfg.Ledger.Difficulty)); err != nil {
			return err
		}
	}

	start := time.Now()
	var posted atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for r := 0; r < rounds; r++ {
		for i, line := range script {
			line := line
			c := clients[i%len(clients)]
			g.Go(func() error {
				if _, err := c.PostMessage(gctx, line); err != nil {
					return fmt.Errorf("post %q: %w", line, err)
				}
				posted.Add(1)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Printf("posted %d message(s) in %s\n", posted.Load(), time.Since(start).Round(time.Millisecond))

	rep, err := clients[0].Audit(ctx)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	if !rep.Valid {
		return fmt.Errorf("chain invalid after seeding: indices %v", rep.ViolatedIndices())
	}
	fmt.Printf("chain valid, %d record(s)\n", rep.Length)
	return nil
}
