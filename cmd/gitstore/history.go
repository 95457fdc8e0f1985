package main

import (
	"context"
	"fmt"
	"time"

	"github.com/maruel/gitstore/internal/content"
	"github.com/urfave/cli/v3"
)

func (a *app) historyCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "List the commits touching a path (worktree only)",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 20, Usage: "Maximum number of commits"},
			&cli.StringFlag{Name: "show", Usage: "Print the file content at this commit instead"},
		},
		Action: a.withSession(func(ctx context.Context, cmd *cli.Command, s *session) error {
			v, err := args(cmd, "path")
			if err != nil {
				return err
			}
			if s.repo == nil {
				return errNeedsWorktree
			}
			p, err := content.CleanPath("history", v[0])
			if err != nil {
				return err
			}
			if hash := cmd.String("show"); hash != "" {
				data, err := s.repo.GetFileAtCommit(ctx, hash, p)
				if err != nil {
					return err
				}
				_, err = a.stdout.Write(data)
				return err
			}
			commits, err := s.repo.GetHistory(ctx, p, int(cmd.Int("limit")))
			if err != nil {
				return err
			}
			for _, c := range commits {
				if _, err := fmt.Fprintf(a.stdout, "%s %s %s %s\n", c.Hash, c.CommitDate.UTC().Format(time.RFC3339), c.Author, c.Message); err != nil {
					return err
				}
			}
			return nil
		}),
	}
}
