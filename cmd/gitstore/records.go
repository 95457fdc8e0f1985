package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/buger/jsonparser"
	"github.com/fsnotify/fsnotify"
	"github.com/maruel/gitstore/internal/content"
	"github.com/maruel/gitstore/internal/retry"
	"github.com/maruel/ksid"
	"github.com/urfave/cli/v3"
)

func (a *app) recordsCommand() *cli.Command {
	return &cli.Command{
		Name:  "records",
		Usage: "Manage JSON record collections",
		Commands: []*cli.Command{
			{
				Name:      "list",
				Usage:     "Print every record of a collection",
				ArgsUsage: "<path>",
				Action: a.withSession(func(ctx context.Context, cmd *cli.Command, s *session) error {
					v, err := args(cmd, "path")
					if err != nil {
						return err
					}
					recs, err := s.client.Documents().List(ctx, v[0])
					if err != nil {
						return err
					}
					return a.printJSON(recs)
				}),
			},
			{
				Name:      "get",
				Usage:     "Print one record",
				ArgsUsage: "<path> <id>",
				Action: a.withSession(func(ctx context.Context, cmd *cli.Command, s *session) error {
					v, err := args(cmd, "path", "id")
					if err != nil {
						return err
					}
					rec, err := s.client.Documents().GetByID(ctx, v[0], v[1])
					if err != nil {
						return err
					}
					return a.printJSON(rec)
				}),
			},
			{
				Name:      "exists",
				Usage:     "Print whether a record exists",
				ArgsUsage: "<path> <id>",
				Action: a.withSession(func(ctx context.Context, cmd *cli.Command, s *session) error {
					v, err := args(cmd, "path", "id")
					if err != nil {
						return err
					}
					ok, err := s.client.Documents().Exists(ctx, v[0], v[1])
					if err != nil {
						return err
					}
					return a.printJSON(ok)
				}),
			},
			{
				Name:      "count",
				Usage:     "Print the number of records",
				ArgsUsage: "<path>",
				Action: a.withSession(func(ctx context.Context, cmd *cli.Command, s *session) error {
					v, err := args(cmd, "path")
					if err != nil {
						return err
					}
					n, err := s.client.Documents().Count(ctx, v[0])
					if err != nil {
						return err
					}
					return a.printJSON(n)
				}),
			},
			{
				Name:      "create",
				Usage:     "Append a record; the collection is created when missing",
				ArgsUsage: "<path>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "data", Aliases: []string{"d"}, Usage: "Record as a JSON object; read from stdin when unset"},
					&cli.BoolFlag{Name: "new-id", Usage: "Assign a generated id when the record has none"},
					messageFlag(),
				},
				Action: a.withSession(func(ctx context.Context, cmd *cli.Command, s *session) error {
					v, err := args(cmd, "path")
					if err != nil {
						return err
					}
					rec, err := a.input(cmd, "data", false)
					if err != nil {
						return err
					}
					if cmd.Bool("new-id") {
						if rec, err = ensureID(rec); err != nil {
							return err
						}
					}
					out, err := retry.Do(ctx, s.policy, func(ctx context.Context) (json.RawMessage, error) {
						return s.client.Documents().Create(ctx, v[0], rec, writeOpts(cmd)...)
					})
					if err != nil {
						return err
					}
					return a.printJSON(out)
				}),
			},
			{
				Name:      "update",
				Usage:     "Replace the record with the same id",
				ArgsUsage: "<path>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "data", Aliases: []string{"d"}, Usage: "Record as a JSON object; read from stdin when unset"},
					messageFlag(),
				},
				Action: a.withSession(func(ctx context.Context, cmd *cli.Command, s *session) error {
					v, err := args(cmd, "path")
					if err != nil {
						return err
					}
					rec, err := a.input(cmd, "data", false)
					if err != nil {
						return err
					}
					out, err := retry.Do(ctx, s.policy, func(ctx context.Context) (json.RawMessage, error) {
						return s.client.Documents().Update(ctx, v[0], rec, writeOpts(cmd)...)
					})
					if err != nil {
						return err
					}
					return a.printJSON(out)
				}),
			},
			{
				Name:      "delete",
				Usage:     "Remove a record; prints false when it did not exist",
				ArgsUsage: "<path> <id>",
				Flags:     []cli.Flag{messageFlag()},
				Action: a.withSession(func(ctx context.Context, cmd *cli.Command, s *session) error {
					v, err := args(cmd, "path", "id")
					if err != nil {
						return err
					}
					ok, err := retry.Do(ctx, s.policy, func(ctx context.Context) (bool, error) {
						return s.client.Documents().Delete(ctx, v[0], v[1], writeOpts(cmd)...)
					})
					if err != nil {
						return err
					}
					return a.printJSON(ok)
				}),
			},
			{
				Name:      "watch",
				Usage:     "Print the record count each time the collection file changes (worktree only)",
				ArgsUsage: "<path>",
				Action: a.withSession(func(ctx context.Context, cmd *cli.Command, s *session) error {
					v, err := args(cmd, "path")
					if err != nil {
						return err
					}
					if s.repo == nil {
						return errNeedsWorktree
					}
					p, err := content.CleanPath("watch", v[0])
					if err != nil {
						return err
					}
					abs := filepath.Join(s.repo.Dir(), filepath.FromSlash(p))
					return watchFile(ctx, abs, func() error {
						n, err := s.client.Documents().Count(ctx, p)
						if err != nil {
							s.log.WarnContext(ctx, "collection unreadable", "path", p, "err", err)
							return nil
						}
						return a.printJSON(map[string]any{"path": p, "count": n})
					})
				}),
			},
		},
	}
}

// withSession opens the configured backend before running fn.
func (a *app) withSession(fn func(ctx context.Context, cmd *cli.Command, s *session) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		s, err := a.open(ctx, cmd)
		if err != nil {
			return err
		}
		return fn(ctx, cmd, s)
	}
}

func (a *app) printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(a.stdout, "%s\n", data)
	return err
}

// ensureID sets a generated "id" on rec unless it already has one.
func ensureID(rec []byte) ([]byte, error) {
	_, _, _, err := jsonparser.Get(rec, "id")
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, jsonparser.KeyPathNotFoundError) {
		return nil, fmt.Errorf("invalid record: %w", err)
	}
	return jsonparser.Set(rec, []byte(`"`+ksid.NewID().String()+`"`), "id")
}

// watchFile calls onChange once immediately and then every time the file at
// abs is written, created, renamed or removed. It returns when ctx is done.
//
// The parent directory is watched since writes replace the file.
func watchFile(ctx context.Context, abs string, onChange func() error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	if err := onChange(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				if err := onChange(); err != nil {
					return err
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watching %s: %w", abs, err)
		}
	}
}
