package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"peersupport/backend/internal/chathub"
	"peersupport/backend/internal/config"
	"peersupport/backend/internal/models"
	"peersupport/backend/internal/storage"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const usage = `Usage: admin <command> [args]

Commands:
  pending [org_id ...]                 list pending requests visible to each organisation
  cancel <requester_id>                cancel a requester's pending request
  end-session <session_id> <user_id>   end a session on behalf of a participant
  history <session_id> [limit]         print a session's messages`

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	code := run(logger, os.Args[1], os.Args[2:])
	_ = logger.Sync()
	os.Exit(code)
}

// run executes one command and returns the process exit code. Every
// resource it opens is closed before it returns.
func run(logger *zap.Logger, command string, args []string) int {
	cfg := config.Load()

	db, err := storage.Open(cfg, logger)
	if err != nil {
		logger.Error("failed to connect database", zap.String("driver", cfg.Database.Driver), zap.Error(err))
		return 1
	}
	defer storage.Close(db)
	store := storage.NewStorageService(db)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Announcements reach live nodes only through redis.
	presence := chathub.NewPresence()
	var bus chathub.Bus = chathub.NewLocalBus(presence, nil, logger)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		redisBus := chathub.NewRedisBus(ctx, rdb, cfg.Redis.ChannelPrefix, presence, nil, logger)
		defer redisBus.Close()
		bus = redisBus
	}
	broker := chathub.NewBroker(store, presence, bus, chathub.BrokerOptions{}, nil, logger)

	switch command {
	case "pending":
		orgs := args
		if len(orgs) == 0 {
			orgs = []string{""}
		}
		results, err := listPending(ctx, store, orgs)
		if err != nil {
			logger.Error("failed to list requests", zap.Strings("organizations", orgs), zap.Error(err))
			return 1
		}
		for _, org := range orgs {
			label := org
			if label == "" {
				label = "(no organisation)"
			}
			fmt.Printf("%s: %d pending\n", label, len(results[org]))
			for _, r := range results[org] {
				email := ""
				if r.Requester != nil {
					email = r.Requester.Email
				}
				fmt.Printf("  %s  %s  %s  %s\n", r.ID, r.RequesterID, email, r.CreatedAt.Format(time.RFC3339))
			}
		}
	case "cancel":
		if len(args) != 1 {
			fmt.Println("Usage: admin cancel <requester_id>")
			return 1
		}
		req, err := broker.Withdraw(ctx, args[0])
		if err != nil {
			logger.Error("failed to cancel request", zap.String("requester_id", args[0]), zap.Error(err))
			return 1
		}
		fmt.Printf("Request %s has been cancelled.\n", req.ID)
	case "end-session":
		if len(args) != 2 {
			fmt.Println("Usage: admin end-session <session_id> <user_id>")
			return 1
		}
		session, err := broker.EndChat(ctx, args[1], args[0])
		if err != nil {
			logger.Error("failed to end session", zap.String("room_id", args[0]), zap.String("user_id", args[1]), zap.Error(err))
			return 1
		}
		fmt.Printf("Session %s ended at %s.\n", session.ID, session.EndedAt.Format(time.RFC3339))
	case "history":
		if len(args) < 1 {
			fmt.Println("Usage: admin history <session_id> [limit]")
			return 1
		}
		limit := 0
		if len(args) > 1 {
			if limit, err = strconv.Atoi(args[1]); err != nil {
				fmt.Println("Invalid limit. Please provide an integer.")
				return 1
			}
		}
		msgs, err := store.GetMessages(ctx, args[0], limit)
		if err != nil {
			logger.Error("failed to load history", zap.String("room_id", args[0]), zap.Error(err))
			return 1
		}
		for _, m := range msgs {
			fmt.Printf("%4d  %s  %s: %s\n", m.Seq, m.SentAt.Format(time.RFC3339Nano), m.SenderID, m.Body)
		}
	default:
		fmt.Println("Unknown command")
		fmt.Println(usage)
		return 1
	}
	return 0
}

// listPending queries each organisation concurrently.
func listPending(ctx context.Context, s storage.Storage, orgs []string) (map[string][]models.SupportRequest, error) {
	var (
		mu      sync.Mutex
		results = make(map[string][]models.SupportRequest, len(orgs))
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, org := range orgs {
		org := org
		g.Go(func() error {
			reqs, err := s.ListPendingRequests(gctx, org)
			if err != nil {
				return fmt.Errorf("organisation %q: %w", org, err)
			}
			mu.Lock()
			results[org] = reqs
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
