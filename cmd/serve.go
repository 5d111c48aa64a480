package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"circlefeed/allowlist"
	"circlefeed/bluesky"
	"circlefeed/config"
	"circlefeed/db"
	"circlefeed/feeds"
	"circlefeed/firehose"
	"circlefeed/models"
	"circlefeed/poller"
	"circlefeed/server"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the circlefeed feed",
		Description: `Starts the circlefeed HTTP server, firehose subscriber and author poller.

Launches the HTTP server on the specified or default port, subscribes to the
Jetstream firehose and polls each configured author's public feed on an
interval. Posts from configured authors are written to the SQLite database
and served via the Bluesky feed generator API.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config/circlefeed.toml",
				Usage:   "Path to the configuration file",
				EnvVars: []string{"CIRCLEFEED_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "database",
				Aliases: []string{"d"},
				Value:   "feed.db",
				Usage:   "SQLite database file to use",
				EnvVars: []string{"CIRCLEFEED_DATABASE"},
			},
			&cli.StringFlag{
				Name:    "hostname",
				Aliases: []string{"n"},
				Usage:   "The hostname where the server is running",
				EnvVars: []string{"CIRCLEFEED_HOSTNAME"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Value:   8080,
				Usage:   "Port to listen on",
				EnvVars: []string{"CIRCLEFEED_PORT"},
			},
		},
		Action: func(ctx *cli.Context) error {
			fmt.Println("Starting circlefeed...")

			cfg, err := config.LoadConfig(ctx.String("config"))
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			hostname := ctx.String("hostname")
			if hostname == "" {
				return fmt.Errorf("please provide a hostname")
			}

			if err := db.Migrate(ctx.String("database")); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}

			database, err := db.NewDB(ctx.String("database"))
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer database.Close()

			list := allowlist.New(cfg.Authors)

			app := server.Server(&server.ServerConfig{
				Hostname: hostname,
				Feeds:    feeds.InitializeFeeds(cfg, database),
			})

			fetcher := poller.New(database, bluesky.PublicClient(""), poller.Config{
				Authors:         cfg.Authors,
				Interval:        time.Duration(cfg.Poll.IntervalSeconds) * time.Second,
				FetchTimeout:    time.Duration(cfg.Poll.TimeoutSeconds) * time.Second,
				PageSize:        cfg.Poll.PageSize,
				InitialPageSize: cfg.Poll.InitialPageSize,
			})

			runCtx, cancel := context.WithCancel(ctx.Context)
			defer cancel()

			// Channel for observing accepted firehose posts
			postChan := make(chan models.Post, 64)

			c := make(chan os.Signal, 1)
			signal.Notify(c, os.Interrupt, syscall.SIGTERM)

			var wg sync.WaitGroup

			go func() {
				<-c
				fmt.Println("Gracefully shutting down...")
				cancel()
				app.ShutdownWithTimeout(60 * time.Second)
			}()

			wg.Add(1)
			go func() {
				defer wg.Done()
				fmt.Println("Subscribing to firehose...")
				if err := firehose.Subscribe(runCtx, database, list, cfg.OptOutTag, firehose.FirehoseConfig{
					JetstreamHosts:    cfg.Jetstream.Hosts,
					JetstreamCompress: cfg.Jetstream.Compress,
					UserAgent:         cfg.Jetstream.UserAgent,
				}, postChan); err != nil && runCtx.Err() == nil {
					log.Errorf("Firehose subscription failed: %v", err)
				}
			}()

			wg.Add(1)
			go func() {
				defer wg.Done()
				fmt.Println("Starting author poller...")
				fetcher.Run(runCtx)
			}()

			go func() {
				for post := range postChan {
					log.WithFields(log.Fields{
						"uri":    post.Uri,
						"author": post.Author,
					}).Info("Stored post from firehose")
				}
			}()

			fmt.Println("Starting server...")
			listenErr := app.Listen(fmt.Sprintf(":%d", ctx.Int("port")))

			cancel()
			wg.Wait()

			fmt.Println("Done!")
			return listenErr
		},
	}
}
