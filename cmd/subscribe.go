package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"circlefeed/allowlist"
	"circlefeed/config"
	"circlefeed/db"
	"circlefeed/firehose"
	"circlefeed/models"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func subscribeCmd() *cli.Command {
	return &cli.Command{
		Name:  "subscribe",
		Usage: "Log all posts from configured authors to the command line",
		Description: `Subscribe to the Jetstream firehose and log all posts from the
configured authors to the command line.

Can be used if you want to collect the circle's posts by passing the output
to a file or another application. The posts are still written to the
database so the subscription cursor keeps advancing.

Returns each post as a JSON object on a single line. Use a tool like jq to
process the output.

Prints all other log messages to stderr.`,
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
		},
		Action: func(ctx *cli.Context) error {
			// Disable logging to stdout
			log.SetOutput(os.Stderr)

			cfg, err := config.LoadConfig(ctx.String("config"))
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			if err := db.Migrate(ctx.String("database")); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}

			database, err := db.NewDB(ctx.String("database"))
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer database.Close()

			postChan := make(chan models.Post, 64)

			go func() {
				for post := range postChan {
					printStdout(&post)
				}
			}()

			fmt.Fprintln(os.Stderr, "Subscribing to firehose...")
			return firehose.Subscribe(ctx.Context, database, allowlist.New(cfg.Authors), cfg.OptOutTag, firehose.FirehoseConfig{
				JetstreamHosts:    cfg.Jetstream.Hosts,
				JetstreamCompress: cfg.Jetstream.Compress,
				UserAgent:         cfg.Jetstream.UserAgent,
			}, postChan)
		},
	}
}

func printStdout(post *models.Post) {
	// Print as single JSON string on a single line
	postJson, err := json.Marshal(post)
	if err == nil {
		fmt.Println(string(postJson))
	}
}
