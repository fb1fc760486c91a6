// votectl reads and casts event votes from the command line through the
// shared vote store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"

	"github.com/skridlevsky/timeline-votes/internal/config"
	"github.com/skridlevsky/timeline-votes/internal/db"
	"github.com/skridlevsky/timeline-votes/internal/logging"
	"github.com/skridlevsky/timeline-votes/internal/token"
	"github.com/skridlevsky/timeline-votes/internal/voteclient"
	"github.com/skridlevsky/timeline-votes/internal/votes"
	"github.com/skridlevsky/timeline-votes/internal/votestate"
)

const usage = `usage: votectl [flags] <command> [args]

commands:
  stats <event-id>...       show vote stats
  up <event-id>             vote the event up
  down <event-id>           vote the event down
  clear <event-id>          remove your vote
  watch <event-id>          print every change, refreshing periodically
  login <token>             save a bearer token to local storage
  logout                    remove the saved token
  issue-token <user-id>     create a token in the database (needs DATABASE_URL)
  revoke-tokens <user-id>   delete every token of a user (needs DATABASE_URL)

flags:
`

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := config.LoadClient()
	logging.Init(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Args[1:], os.Stdout, clockwork.NewRealClock()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatalf("votectl: %v", err)
	}
}

// app holds what a command needs. The store is built lazily because
// login, logout and the database commands never talk to the API.
type app struct {
	cfg     *config.Client
	out     io.Writer
	clock   clockwork.Clock
	asJSON  bool
	token   string
	storage *token.FileStore
	api     string
	store   *votestate.Store
}

func run(ctx context.Context, cfg *config.Client, args []string, out io.Writer, clock clockwork.Clock) error {
	fs := flag.NewFlagSet("votectl", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}

	a := &app{cfg: cfg, out: out, clock: clock}
	storagePath := cfg.StoragePath
	fs.StringVar(&a.api, "api", cfg.APIURL, "vote API base URL")
	fs.StringVar(&a.token, "token", os.Getenv("VOTES_TOKEN"), "bearer token, overrides stored login")
	fs.StringVar(&storagePath, "storage", storagePath, "token storage file (default: user config dir)")
	fs.BoolVar(&a.asJSON, "json", false, "print JSON instead of text")
	interval := fs.Duration("interval", 30*time.Second, "refresh interval for watch")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return flag.ErrHelp
	}

	if storagePath == "" {
		p, err := token.DefaultStoragePath()
		if err != nil {
			return err
		}
		storagePath = p
	}
	a.storage = token.NewFileStore(storagePath)

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "stats":
		if len(rest) == 0 {
			return fmt.Errorf("stats needs at least one event id")
		}
		return a.stats(ctx, rest)
	case "up":
		return a.vote(ctx, rest, votes.UIUp)
	case "down":
		return a.vote(ctx, rest, votes.UIDown)
	case "clear":
		return a.vote(ctx, rest, votes.UINone)
	case "watch":
		if len(rest) != 1 {
			return fmt.Errorf("watch needs exactly one event id")
		}
		return a.watch(ctx, rest[0], *interval)
	case "login":
		if len(rest) != 1 {
			return fmt.Errorf("login needs a token")
		}
		if err := a.storage.Set(token.Key, rest[0]); err != nil {
			return err
		}
		fmt.Fprintf(out, "Token saved to %s\n", a.storage.Path())
		return nil
	case "logout":
		if err := a.storage.Delete(token.Key); err != nil {
			return err
		}
		fmt.Fprintln(out, "Logged out")
		return nil
	case "issue-token", "revoke-tokens":
		if len(rest) != 1 {
			return fmt.Errorf("%s needs a user id", cmd)
		}
		return a.tokens(ctx, cmd, rest[0])
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// voteStore builds the shared store over the HTTP client. Token lookup
// order is -token, then the cookie jar, then local storage.
func (a *app) voteStore() (*votestate.Store, error) {
	if a.store != nil {
		return a.store, nil
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	cookies, err := token.NewCookieSource(jar, a.api)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	client := voteclient.NewClient(a.api, &http.Client{Timeout: a.cfg.Timeout, Jar: jar})
	a.store = votestate.New(client, token.Chain(token.Static(a.token), cookies, a.storage))
	return a.store, nil
}

func (a *app) stats(ctx context.Context, eventIDs []string) error {
	store, err := a.voteStore()
	if err != nil {
		return err
	}

	bindings := make([]*votestate.Binding, 0, len(eventIDs))
	for _, id := range eventIDs {
		b := store.Bind(ctx, id, votestate.BindOptions{})
		defer b.Close()
		bindings = append(bindings, b)
	}

	var failed int
	for _, b := range bindings {
		b.Wait()
		v := b.View()
		if v.Error != "" {
			failed++
		}
		a.print(b.EventID(), v)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d events failed to load", failed, len(bindings))
	}
	return nil
}

func (a *app) vote(ctx context.Context, args []string, vote votes.UIVote) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one event id")
	}
	store, err := a.voteStore()
	if err != nil {
		return err
	}

	b := store.Bind(ctx, args[0], votestate.BindOptions{Disabled: true})
	defer b.Close()

	if err := b.HandleVoteChange(ctx, vote); err != nil {
		if errors.Is(err, votestate.ErrNotAuthenticated) {
			return fmt.Errorf("%s: run 'votectl login <token>' first", votestate.NotAuthenticatedMessage)
		}
		return err
	}
	a.print(b.EventID(), b.View())
	return nil
}

// watch prints every view of eventID until ctx is done
func (a *app) watch(ctx context.Context, eventID string, interval time.Duration) error {
	store, err := a.voteStore()
	if err != nil {
		return err
	}

	b := store.Bind(ctx, eventID, votestate.BindOptions{})
	defer b.Close()

	ticker := a.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case v, ok := <-b.Changes():
			if !ok {
				return nil
			}
			if !v.IsLoading {
				a.print(eventID, v)
			}
		case <-ticker.Chan():
			// Inline, so a slow fetch delays the next tick instead of
			// stacking refreshes
			b.Refresh(ctx)
		}
	}
}

func (a *app) tokens(ctx context.Context, cmd, userID string) error {
	serverCfg, err := config.LoadServer()
	if err != nil {
		return err
	}

	database, err := db.NewPostgres(ctx, serverCfg.DatabaseURL, db.PoolSettings{MaxConns: 2, MinConns: 1})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	if _, err := db.RunMigrations(ctx, database.Pool()); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	store := votes.NewPGStore(database.Pool())
	if cmd == "revoke-tokens" {
		n, err := store.RevokeTokens(ctx, userID)
		if err != nil {
			return err
		}
		slog.Info("Revoked tokens", "user_id", userID, "count", n)
		fmt.Fprintf(a.out, "Revoked %d token(s) for %s\n", n, userID)
		return nil
	}

	tok, err := store.IssueToken(ctx, userID)
	if err != nil {
		return err
	}
	slog.Info("Issued token", "user_id", userID)
	fmt.Fprintln(a.out, tok)
	return nil
}

func (a *app) print(eventID string, v votestate.View) {
	if a.asJSON {
		data, err := json.Marshal(struct {
			EventID string `json:"event_id"`
			votestate.View
		}{eventID, v})
		if err != nil {
			fmt.Fprintf(a.out, "%s: %v\n", eventID, err)
			return
		}
		fmt.Fprintln(a.out, string(data))
		return
	}

	if v.Error != "" {
		fmt.Fprintf(a.out, "%s  error: %s\n", eventID, v.Error)
		return
	}
	fmt.Fprintf(a.out, "%s  +%d -%d  total=%d  positive=%.0f%%  you=%s\n",
		eventID, v.Stats.PromoteCount, v.Stats.DemoteCount,
		v.TotalVotes, v.PositiveRatio*100, v.Value)
}
