package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AlibekovAA/clinic-auth/internal/common/config"
	"github.com/AlibekovAA/clinic-auth/internal/common/logger"
	"github.com/AlibekovAA/clinic-auth/internal/session"
)

const usage = `usage: sessionctl <command>

commands:
  login    prompt for credentials and store a new session
  status   print the stored session
  watch    keep the stored session renewed until interrupted
  logout   end the stored session
`

func main() {
	if len(os.Args) != 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.LoadSessionConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.NewWithWriter(os.Stderr, "sessionctl", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1], cfg, log); err != nil {
		stop()
		log.Fatalf("%s: %v", os.Args[1], err)
	}
}

func run(ctx context.Context, command string, cfg config.SessionConfig, log *logger.Logger) error {
	store, err := session.OpenSQLiteStore(ctx, cfg.DBPath, cfg.WatchInterval, log)
	if err != nil {
		return err
	}
	defer store.Close()

	client := session.NewAuthClient(cfg.ServerURL, nil)
	manager := session.NewManager(store, client, session.Options{
		RenewSkew:      cfg.RenewSkew,
		RefreshTimeout: cfg.RefreshTimeout,
		Log:            log,
	})
	defer manager.Close()

	switch command {
	case "login":
		return login(ctx, client, manager)
	case "status":
		if err := manager.Start(ctx); err != nil {
			return err
		}
		printSnapshot(manager.Snapshot())
		return nil
	case "watch":
		return watch(ctx, manager)
	case "logout":
		if err := manager.Start(ctx); err != nil {
			return err
		}
		return manager.Logout(ctx)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func login(ctx context.Context, client *session.AuthClient, manager *session.Manager) error {
	email, err := promptLine(bufio.NewReader(os.Stdin), os.Stdout, "Email")
	if err != nil {
		return err
	}
	password, err := promptPassword(os.Stdout)
	if err != nil {
		return err
	}

	pair, err := client.Login(ctx, email, password)
	if err != nil {
		return err
	}
	if err := manager.Login(ctx, pair); err != nil {
		return err
	}
	printSnapshot(manager.Snapshot())
	return nil
}

func watch(ctx context.Context, manager *session.Manager) error {
	ended := make(chan struct{}, 1)
	cancel := manager.Subscribe(func(s session.Snapshot) {
		printSnapshot(s)
		if s.State == session.StateLoggedOut {
			select {
			case ended <- struct{}{}:
			default:
			}
		}
	})
	defer cancel()

	if err := manager.Start(ctx); err != nil {
		return err
	}
	if manager.Snapshot().State == session.StateLoggedOut {
		return session.ErrNotAuthenticated
	}

	select {
	case <-ctx.Done():
		return nil
	case <-ended:
		return session.ErrNotAuthenticated
	}
}

func printSnapshot(s session.Snapshot) {
	if s.State == session.StateLoggedOut {
		fmt.Printf("%s  %s\n", time.Now().Format(time.TimeOnly), s.State)
		return
	}
	fmt.Printf("%s  %s  %s <%s> role=%s expires=%s\n",
		time.Now().Format(time.TimeOnly), s.State, s.Identity.Name, s.Identity.Email,
		s.Identity.Role, s.Identity.ExpiresAt.Local().Format(time.RFC3339))
}
