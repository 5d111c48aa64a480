package cmd

import (
	"fmt"

	"circlefeed/bluesky"

	"github.com/urfave/cli/v2"
)

func authorsCmd() *cli.Command {
	return &cli.Command{
		Name:  "authors",
		Usage: "Print the accounts an actor follows as a config snippet",
		Description: `Resolves all accounts the given actor follows and prints their DIDs
as an authors list ready to paste into the configuration file.

Useful for seeding the allowlist from an existing account's follow graph.`,
		ArgsUsage: "<actor>",
		Action: func(ctx *cli.Context) error {
			actor := ctx.Args().First()
			if actor == "" {
				return fmt.Errorf("please provide an actor handle or DID")
			}

			dids, err := bluesky.PublicClient("").Follows(ctx.Context, actor)
			if err != nil {
				return fmt.Errorf("could not resolve follows for %s: %w", actor, err)
			}

			fmt.Println("authors = [")
			for _, did := range dids {
				fmt.Printf("  %q,\n", did)
			}
			fmt.Println("]")
			return nil
		},
	}
}
