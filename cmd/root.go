package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func RootApp() *cli.App {
	return &cli.App{
		Name:  "circlefeed",
		Usage: "A Bluesky feed of posts from a curated circle of authors",
		Description: `A Bluesky feed generator that collects posts from a configured
		allowlist of authors and serves them as a single chronological feed.

		Circlefeed combines two sources: a live Jetstream firehose subscription
		for new posts and reposts, and a periodic poll of each author's public
		feed to backfill anything the subscription missed. Both sources write to
		the same SQLite database, so a post is stored once no matter how it
		arrives. The feed is served over the standard Bluesky feed generator
		HTTP API.

		Flags can generally be set via environment variables, e.g.:

		--database => CIRCLEFEED_DATABASE=feed.db
		--port => CIRCLEFEED_PORT=8080
		`,
		Commands: []*cli.Command{
			serveCmd(),
			migrateCmd(),
			rollbackCmd(),
			subscribeCmd(),
			publishCmd(),
			unpublishCmd(),
			authorsCmd(),
		},
		Action: func(ctx *cli.Context) error {
			// Show help if no command is specified
			return ctx.App.Run([]string{"", "help"})
		},
	}
}

func Execute() {
	if err := RootApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
