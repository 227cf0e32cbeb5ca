package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"convene/internal/availability"
	"convene/internal/caldav"
	"convene/internal/calendar"
	"convene/internal/checks"
	"convene/internal/config"
	"convene/internal/credentials"
	"convene/internal/google"
	"convene/internal/id"
	"convene/internal/models"
	"convene/internal/scheduler"
	"convene/internal/server"
	"convene/internal/store/sqlite"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "convene",
		Usage: "Find a meeting time that works for everyone and put it on their calendars.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, EnvVars: []string{"CONVENE_CONFIG"}, Usage: "Path to a TOML config file."},
			&cli.StringFlag{Name: "log-level", Usage: "Override the configured log level."},
			&cli.StringFlag{Name: "log-format", Usage: "Override the configured log format (text or json)."},
		},
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			authCommand(),
			caldavCommand(),
			userCommand(),
			contactCommand(),
			checkCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

// setup loads the configuration and builds the logger. Global flags win
// over the environment and the config file.
func setup(c *cli.Context) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.String("config"), os.Getenv)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.Log.Format = c.String("log-format")
	}
	return cfg, setupLogger(cfg.Log.Level, cfg.Log.Format), nil
}

// components is the wired application.
type components struct {
	store     *sqlite.Store
	resolver  *availability.Resolver
	committer *scheduler.Committer
	planner   *scheduler.Planner
	checks    *checks.Registry
}

func build(cfg *config.Config, logger *slog.Logger) (*components, error) {
	st, err := sqlite.Open(cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	rc, err := cfg.ResolverConfig()
	if err != nil {
		st.Close()
		return nil, err
	}

	gateways := map[calendar.Provider]calendar.Gateway{
		calendar.ProviderCalDAV: caldav.NewGateway(logger, cfg.CalDAV.Endpoint, cfg.CalDAV.CalendarName, nil),
	}
	var oauthConfig *oauth2.Config
	if cfg.Google.ClientID != "" {
		oauthConfig, err = google.OAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL, credentials.AllScopes())
		if err != nil {
			st.Close()
			return nil, err
		}
		gateways[calendar.ProviderGoogle] = google.NewGateway(logger, google.WithRateLimit(cfg.Google.RateLimit, cfg.Google.RateBurst))
	} else {
		logger.Warn("Google OAuth client not configured; Google calendars are unavailable")
	}
	gateway := calendar.NewRouter(gateways)

	provider := credentials.NewOAuthProvider(oauthConfig, st, logger)
	cache := credentials.NewCache(cfg.Credentials.CacheTTL.Duration, nil)
	stage := credentials.NewStage(provider, cache, logger, cfg.Credentials.Concurrency)

	resolver := availability.NewResolver(st, stage, gateway, rc, logger)
	committer := scheduler.NewCommitter(st, stage, gateway, nil, scheduler.DefaultRetry, logger)
	return &components{
		store:     st,
		resolver:  resolver,
		committer: committer,
		planner:   scheduler.NewPlanner(st, committer, nil, logger),
		checks:    checks.NewRegistry(resolver, nil, cfg.Checks.TTL.Duration, cfg.Scheduling.ResolveTimeout.Duration, logger),
	}, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "Listen address, overrides server.addr."},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup(c)
			if err != nil {
				return err
			}
			if c.IsSet("addr") {
				cfg.Server.Addr = c.String("addr")
			}

			app, err := build(cfg, logger)
			if err != nil {
				return err
			}
			defer app.store.Close()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			checksDone := make(chan struct{})
			go func() {
				defer close(checksDone)
				app.checks.Run(ctx, checks.DefaultCleanupInterval)
			}()

			srv := &http.Server{
				Addr: cfg.Server.Addr,
				Handler: server.New(server.Services{
					Users:          app.store,
					Planner:        app.planner,
					Committer:      app.committer,
					Resolver:       app.resolver,
					Checks:         app.checks,
					ResolveTimeout: cfg.Scheduling.ResolveTimeout.Duration,
				}, logger),
				ReadTimeout:  cfg.Server.ReadTimeout.Duration,
				WriteTimeout: cfg.Server.WriteTimeout.Duration,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("Starting HTTP server", "addr", cfg.Server.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					stop()
					<-checksDone
					return fmt.Errorf("http server failed: %w", err)
				}
			case <-ctx.Done():
			}

			logger.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("Graceful shutdown failed", "error", err)
			}
			<-checksDone
			return nil
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create or upgrade the database schema and exit.",
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup(c)
			if err != nil {
				return err
			}
			st, err := sqlite.Open(cfg.Database.Path, logger)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			logger.Info("Database schema is up to date.", "path", cfg.Database.Path)
			return st.Close()
		},
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Connect a user's Google calendar through the OAuth consent flow.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Required: true, Usage: "User id to connect."},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup(c)
			if err != nil {
				return err
			}
			logger.Info("Starting Google authentication flow.")

			st, err := sqlite.Open(cfg.Database.Path, logger)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer st.Close()

			user, err := st.GetUser(c.Context, c.String("user"))
			if err != nil {
				return fmt.Errorf("failed to load user %s: %w", c.String("user"), err)
			}

			oauthConfig, err := google.OAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL, credentials.AllScopes())
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}

			authURL := oauthConfig.AuthCodeURL("state-token", oauth2.AccessTypeOffline, oauth2.ApprovalForce)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := oauthConfig.Exchange(c.Context, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}
			if token.RefreshToken == "" {
				return fmt.Errorf("google did not return a refresh token; revoke access and try again")
			}

			calendarID, err := google.NewGateway(logger).PrimaryCalendarID(c.Context, token)
			if err != nil {
				logger.Warn("Could not read primary calendar, using the account email", "error", err)
				calendarID = user.Email
			}

			scopes := credentials.AllScopes()
			if s, ok := token.Extra("scope").(string); ok && s != "" {
				scopes = credentials.ParseScopes(s)
			}
			if missing := credentials.ProfileAvailability.Missing(scopes); len(missing) > 0 {
				logger.Warn("Consent did not grant every availability scope", "missing", missing)
			}

			err = st.SaveConnection(c.Context, &models.CalendarConnection{
				UserID:       user.ID,
				Provider:     string(calendar.ProviderGoogle),
				Email:        calendarID,
				RefreshToken: token.RefreshToken,
				Scopes:       scopes,
			})
			if err != nil {
				return fmt.Errorf("failed to save connection: %w", err)
			}

			logger.Info("Successfully authenticated and saved connection.", "user", user.ID, "calendar", calendarID)
			return nil
		},
	}
}

func caldavCommand() *cli.Command {
	return &cli.Command{
		Name:  "caldav",
		Usage: "Connect a user's CalDAV calendar (e.g. iCloud) with an app-specific password.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Required: true, Usage: "User id to connect."},
			&cli.StringFlag{Name: "username", Required: true, EnvVars: []string{"CALDAV_USERNAME"}, Usage: "CalDAV login."},
			&cli.StringFlag{Name: "password", EnvVars: []string{"CALDAV_APP_SPECIFIC_PASSWORD"}, Usage: "App-specific password; prompted for when empty."},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup(c)
			if err != nil {
				return err
			}

			st, err := sqlite.Open(cfg.Database.Path, logger)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer st.Close()

			user, err := st.GetUser(c.Context, c.String("user"))
			if err != nil {
				return fmt.Errorf("failed to load user %s: %w", c.String("user"), err)
			}

			password := c.String("password")
			if password == "" {
				fmt.Print("Enter app-specific password: ")
				password, _ = bufio.NewReader(os.Stdin).ReadString('\n')
				password = strings.TrimSpace(password)
			}
			cred := calendar.Credential{
				UserID:      user.ID,
				Email:       user.Email,
				Provider:    calendar.ProviderCalDAV,
				Username:    c.String("username"),
				AccessToken: password,
			}

			// A free/busy read of the next day proves the login works.
			gw := caldav.NewGateway(logger, cfg.CalDAV.Endpoint, cfg.CalDAV.CalendarName, nil)
			now := time.Now()
			if _, err := gw.BusyPeriods(c.Context, cred, models.NewSlot(now, 24*time.Hour)); err != nil {
				return fmt.Errorf("caldav login failed: %w", err)
			}

			err = st.SaveConnection(c.Context, &models.CalendarConnection{
				UserID:   user.ID,
				Provider: string(calendar.ProviderCalDAV),
				Email:    user.Email,
				Username: cred.Username,
				Secret:   password,
			})
			if err != nil {
				return fmt.Errorf("failed to save connection: %w", err)
			}
			logger.Info("CalDAV calendar connected.", "user", user.ID)
			return nil
		},
	}
}

func userCommand() *cli.Command {
	return &cli.Command{
		Name:  "user",
		Usage: "Register a user.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "email", Required: true},
			&cli.StringFlag{Name: "name", Usage: "Display name."},
			&cli.StringFlag{Name: "id", Usage: "User id from the identity provider; generated when empty."},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup(c)
			if err != nil {
				return err
			}
			st, err := sqlite.Open(cfg.Database.Path, logger)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer st.Close()

			userID := c.String("id")
			if userID == "" {
				if userID, err = id.Generate(id.PrefixUser); err != nil {
					return err
				}
			}
			u := &models.User{
				ID:          userID,
				Email:       strings.TrimSpace(c.String("email")),
				DisplayName: c.String("name"),
				CreatedAt:   time.Now(),
			}
			if err := st.CreateUser(c.Context, u); err != nil {
				return fmt.Errorf("failed to create user: %w", err)
			}
			fmt.Println(u.ID)
			return nil
		},
	}
}

func contactCommand() *cli.Command {
	return &cli.Command{
		Name:  "contact",
		Usage: "Record a connected contact between two registered users.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "owner", Required: true, Usage: "User id of the inviting side."},
			&cli.StringFlag{Name: "email", Required: true, Usage: "Email of the other side."},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup(c)
			if err != nil {
				return err
			}
			st, err := sqlite.Open(cfg.Database.Path, logger)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer st.Close()

			owner, err := st.GetUser(c.Context, c.String("owner"))
			if err != nil {
				return fmt.Errorf("failed to load owner: %w", err)
			}
			other, err := st.GetUserByEmail(c.Context, c.String("email"))
			if err != nil {
				return fmt.Errorf("no user with email %s: %w", c.String("email"), err)
			}

			now := time.Now()
			contact := &models.Contact{
				ID:            id.MustGenerate(id.PrefixContact),
				OwnerID:       owner.ID,
				Email:         other.Email,
				ContactUserID: other.ID,
				OwnerStatus:   models.ContactConnected,
				ContactStatus: models.ContactConnected,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := st.CreateContact(c.Context, contact); err != nil {
				return fmt.Errorf("failed to create contact: %w", err)
			}
			fmt.Println(contact.ID)
			return nil
		},
	}
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "Resolve availability for an event once and print the best slots.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "event", Required: true},
			&cli.TimestampFlag{Name: "start", Layout: time.RFC3339, Required: true},
			&cli.TimestampFlag{Name: "end", Layout: time.RFC3339, Required: true},
			&cli.IntFlag{Name: "duration", Usage: "Minutes; defaults to the event's duration."},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup(c)
			if err != nil {
				return err
			}
			app, err := build(cfg, logger)
			if err != nil {
				return err
			}
			defer app.store.Close()

			ctx, cancel := context.WithTimeout(c.Context, cfg.Scheduling.ResolveTimeout.Duration)
			defer cancel()

			window := models.TimeSlot{Start: *c.Timestamp("start"), End: *c.Timestamp("end")}
			res, err := app.resolver.Resolve(ctx, c.String("event"), window, models.Minutes(c.Int("duration")))
			if err != nil {
				var rerr *availability.ResolutionError
				if errors.As(err, &rerr) {
					for _, f := range rerr.Failures {
						fmt.Printf("  %s (%s): %s\n", f.UserID, f.Kind, f.Message)
					}
				}
				return err
			}

			loc, _ := cfg.Location()
			for i, s := range res.Slots {
				fmt.Printf("%d. %s - %s  score %.1f\n", i+1,
					s.Start.In(loc).Format("Mon Jan 2 15:04"), s.End.In(loc).Format("15:04 MST"), s.Score)
			}
			for _, f := range res.Degraded {
				fmt.Printf("warning: %s treated as busy (%s)\n", f.UserID, f.Kind)
			}
			return nil
		},
	}
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
