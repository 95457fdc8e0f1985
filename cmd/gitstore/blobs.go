package main

import (
	"context"

	"github.com/maruel/gitstore/internal/retry"
	"github.com/urfave/cli/v3"
)

func (a *app) blobsCommand() *cli.Command {
	return &cli.Command{
		Name:  "blobs",
		Usage: "Manage opaque files",
		Commands: []*cli.Command{
			{
				Name:      "read",
				Usage:     "Write the file content to stdout",
				ArgsUsage: "<path>",
				Action: a.withSession(func(ctx context.Context, cmd *cli.Command, s *session) error {
					v, err := args(cmd, "path")
					if err != nil {
						return err
					}
					data, err := retry.Do(ctx, s.policy, func(ctx context.Context) ([]byte, error) {
						return s.client.Blobs().Read(ctx, v[0])
					})
					if err != nil {
						return err
					}
					_, err = a.stdout.Write(data)
					return err
				}),
			},
			{
				Name:      "write",
				Usage:     "Create a file; fails when it already exists",
				ArgsUsage: "<path>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "Local file to upload; stdin when unset"},
					messageFlag(),
				},
				Action: a.withSession(func(ctx context.Context, cmd *cli.Command, s *session) error {
					v, err := args(cmd, "path")
					if err != nil {
						return err
					}
					data, err := a.input(cmd, "file", true)
					if err != nil {
						return err
					}
					_, err = retry.Do(ctx, s.policy, func(ctx context.Context) (struct{}, error) {
						return struct{}{}, s.client.Blobs().Write(ctx, v[0], data, writeOpts(cmd)...)
					})
					return err
				}),
			},
			{
				Name:      "delete",
				Usage:     "Remove a file",
				ArgsUsage: "<path>",
				Flags:     []cli.Flag{messageFlag()},
				Action: a.withSession(func(ctx context.Context, cmd *cli.Command, s *session) error {
					v, err := args(cmd, "path")
					if err != nil {
						return err
					}
					_, err = retry.Do(ctx, s.policy, func(ctx context.Context) (struct{}, error) {
						return struct{}{}, s.client.Blobs().Delete(ctx, v[0], writeOpts(cmd)...)
					})
					return err
				}),
			},
		},
	}
}
