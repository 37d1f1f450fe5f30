// Command loadtest drives pairs of users sending concurrently through real
// panes and checks that both sides of every pair end up with the same
// history, each sender's messages in send order.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"slices"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vibez/internal/logging"
	"vibez/internal/memstore"
	"vibez/internal/message"
	"vibez/internal/pane"
	"vibez/internal/remote"
)

type options struct {
	server   string
	pairs    int
	msgs     int
	parallel int
	pause    time.Duration
	timeout  time.Duration
	local    bool
}

// side is one participant of a pair: a store to talk through and an identity.
type side struct {
	store  pane.Store
	userID string
}

func main() {
	var opts options
	flag.StringVar(&opts.server, "server", "http://localhost:8080", "server URL")
	flag.IntVar(&opts.pairs, "pairs", 50, "number of user pairs") // ⚠️ start small, the database chokes on 1000 at once
	flag.IntVar(&opts.msgs, "msgs", 20, "messages per user")
	flag.IntVar(&opts.parallel, "parallel", 50, "pairs running at once")
	flag.DurationVar(&opts.pause, "pause", 250*time.Millisecond, "pause between sends of one user (keep under the server's RATE_LIMIT_RPS)")
	flag.DurationVar(&opts.timeout, "timeout", 30*time.Second, "time allowed for a pair to converge")
	flag.BoolVar(&opts.local, "local", false, "run against an in-process store instead of a server")
	flag.Parse()

	logger, err := logging.New("info", true)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	start := time.Now()
	logger.Info("🔥 starting load test",
		zap.Int("users", opts.pairs*2), zap.Int("messages_per_user", opts.msgs), zap.Bool("local", opts.local))

	res := run(context.Background(), opts, logger)
	logger.Info("load test complete",
		zap.Int64("converged", res.converged.Load()),
		zap.Int64("failed", res.failed.Load()),
		zap.Duration("elapsed", time.Since(start)))
	if res.failed.Load() > 0 {
		log.Fatalf("❌ %d pairs did not converge", res.failed.Load())
	}
	logger.Info("✅ every pair converged")
}

type result struct {
	converged atomic.Int64
	failed    atomic.Int64
}

func run(ctx context.Context, opts options, logger *zap.Logger) *result {
	var (
		res   result
		local *memstore.Store
	)
	if opts.local {
		local = memstore.New()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.parallel, 1))
	for i := 0; i < opts.pairs; i++ {
		g.Go(func() error {
			log := logger.With(zap.Int("pair", i))
			var (
				a, b   side
				convID string
				err    error
			)
			if local != nil {
				a, b, convID = localPair(local, i)
			} else {
				a, b, convID, err = remotePair(ctx, opts.server, i, logger)
			}
			if err == nil {
				err = runPair(ctx, opts, a, b, convID)
			}
			if err != nil {
				log.Warn("❌ pair failed", zap.Error(err))
				res.failed.Add(1)
				return nil
			}
			res.converged.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return &res
}

func localPair(st *memstore.Store, pairID int) (side, side, string) {
	a, b := fmt.Sprintf("u_%d_a", pairID), fmt.Sprintf("u_%d_b", pairID)
	c := st.CreateConversation(message.Conversation{Type: message.Private, Participants: []string{a, b}})
	return side{st, a}, side{st, b}, c.ID
}

// remotePair registers (ignoring "already exists") and logs in both users,
// then user A starts the private conversation with user B.
func remotePair(ctx context.Context, server string, pairID int, logger *zap.Logger) (side, side, string, error) {
	const pass = "password123"
	login := func(username string) (*remote.Client, remote.Session, error) {
		c, err := remote.New(server, logger.Named(username))
		if err != nil {
			return nil, remote.Session{}, err
		}
		if _, err := c.Register(ctx, username, pass); err != nil {
			var apiErr *remote.APIError
			if !errors.As(err, &apiErr) {
				return nil, remote.Session{}, fmt.Errorf("register %s: %w", username, err)
			}
		}
		s, err := c.Login(ctx, username, pass)
		if err != nil {
			return nil, remote.Session{}, fmt.Errorf("login %s: %w", username, err)
		}
		return c, s, nil
	}

	ca, sa, err := login(fmt.Sprintf("u_%d_a", pairID))
	if err != nil {
		return side{}, side{}, "", err
	}
	cb, sb, err := login(fmt.Sprintf("u_%d_b", pairID))
	if err != nil {
		return side{}, side{}, "", err
	}
	convID, err := ca.StartPrivate(ctx, sb.UserID)
	if err != nil {
		return side{}, side{}, "", fmt.Errorf("start conversation: %w", err)
	}
	return side{ca, sa.UserID}, side{cb, sb.UserID}, convID, nil
}

// runPair opens a pane for each side, has both send at once and waits until
// the two panes hold the same confirmed history.
func runPair(ctx context.Context, opts options, a, b side, convID string) error {
	pa := pane.New(a.store, nil, pane.Config{ConversationID: convID, UserID: a.userID})
	defer pa.Close()
	pb := pane.New(b.store, nil, pane.Config{ConversationID: convID, UserID: b.userID})
	defer pb.Close()

	openCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	if err := pa.Open(openCtx); err != nil {
		return err
	}
	if err := pb.Open(openCtx); err != nil {
		return err
	}

	g := new(errgroup.Group)
	for _, p := range []*pane.Pane{pa, pb} {
		g.Go(func() error {
			for i := 0; i < opts.msgs; i++ {
				if _, err := p.SendText(fmt.Sprintf("LoadTest Msg %d", i)); err != nil {
					return err
				}
				time.Sleep(opts.pause)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	want := 2 * opts.msgs
	waitCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	ma, err := settled(waitCtx, pa, want)
	if err != nil {
		return fmt.Errorf("side a: %w", err)
	}
	mb, err := settled(waitCtx, pb, want)
	if err != nil {
		return fmt.Errorf("side b: %w", err)
	}
	return converged(ma, mb, a.userID, b.userID)
}

// settled waits until p holds want messages, all confirmed. A message that
// failed to send ends the wait at once.
func settled(ctx context.Context, p *pane.Pane, want int) ([]message.Message, error) {
	for {
		v := p.View()
		if failed := errored(v.Messages); len(failed) > 0 {
			return nil, fmt.Errorf("%d messages not sent (rejected or rate limited): %v", len(failed), failed)
		}
		if len(v.Messages) == want && allConfirmed(v.Messages) {
			return v.Messages, nil
		}
		if len(v.Messages) > want {
			return nil, fmt.Errorf("%d messages, want %d (duplicates)", len(v.Messages), want)
		}
		select {
		case <-p.Updates():
		case <-ctx.Done():
			return nil, fmt.Errorf("have %d of %d messages: %w", len(v.Messages), want, ctx.Err())
		}
	}
}

// converged checks that both views hold the same messages and that each
// sender's messages appear in the order they were sent. Interleaving of the
// two senders may differ, since each side shows its own sends at once.
func converged(a, b []message.Message, senders ...string) error {
	ka, kb := keys(a, ""), keys(b, "")
	slices.Sort(ka)
	slices.Sort(kb)
	if !slices.Equal(ka, kb) {
		return errors.New("views hold different messages")
	}
	for _, sender := range senders {
		if !slices.Equal(keys(a, sender), keys(b, sender)) {
			return fmt.Errorf("messages of %s out of order", sender)
		}
	}
	return nil
}

// keys lists message keys in view order, only from sender if set.
func keys(ms []message.Message, sender string) []string {
	var out []string
	for _, m := range ms {
		if sender == "" || m.SenderID == sender {
			out = append(out, m.Key())
		}
	}
	return out
}

// errored lists the correlation ids of messages whose write failed.
func errored(ms []message.Message) []string {
	var out []string
	for _, m := range ms {
		if m.Status == message.StatusError {
			out = append(out, m.CorrelationID)
		}
	}
	return out
}

func allConfirmed(ms []message.Message) bool {
	for _, m := range ms {
		if !m.Status.Confirmed() {
			return false
		}
	}
	return true
}
