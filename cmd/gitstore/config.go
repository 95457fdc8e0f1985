package main

import (
	"context"
	"fmt"

	"github.com/maruel/gitstore/internal/config"
	"github.com/urfave/cli/v3"
)

func (a *app) configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Inspect the configuration",
		Commands: []*cli.Command{
			{
				Name:  "schema",
				Usage: "Print the JSON schema of the config file",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					data, err := config.Schema()
					if err != nil {
						return err
					}
					_, err = fmt.Fprintf(a.stdout, "%s\n", data)
					return err
				},
			},
			{
				Name:  "check",
				Usage: "Validate the config file and connect to the backend",
				Action: a.withSession(func(ctx context.Context, cmd *cli.Command, s *session) error {
					_, err := fmt.Fprintf(a.stdout, "ok: %s backend\n", s.cfg.Backend)
					return err
				}),
			},
		},
	}
}
