// Package main is the entry point of the gitstore command line tool.
//
// gitstore reads and conditionally writes JSON record collections and blobs
// kept as files in a git repository, either through the GitHub contents API
// or in a local working copy that is committed (and optionally pushed) after
// every write. Configuration is read from a YAML file, see `gitstore config
// schema`.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "gitstore: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ll := &slog.LevelVar{}
	ll.Set(slog.LevelInfo)
	slog.SetDefault(newLogger(ll))
	return newApp(os.Stdin, os.Stdout, ll).Run(ctx, os.Args)
}

// newLogger returns the colored stderr logger.
func newLogger(ll *slog.LevelVar) *slog.Logger {
	return slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:       ll,
		TimeFormat:  "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:     !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: dropEmptyAttr,
	}))
}

// dropEmptyAttr elides empty strings, false and nil. Numbers are always kept.
func dropEmptyAttr(_ []string, a slog.Attr) slog.Attr {
	skip := false
	switch t := a.Value.Any().(type) {
	case string:
		skip = t == ""
	case bool:
		skip = !t
	case nil:
		skip = true
	}
	if skip {
		return slog.Attr{}
	}
	return a
}

func printVersion(w io.Writer) {
	version, goVersion, revision, dirty := getBuildInfo()
	_, _ = fmt.Fprintf(w, "gitstore %s\n", version)
	_, _ = fmt.Fprintf(w, "  Go version: %s\n", goVersion)
	_, _ = fmt.Fprintf(w, "  Revision:   %s\n", revision)
	if dirty {
		_, _ = fmt.Fprintf(w, "  Modified:   true\n")
	}
}

func getBuildInfo() (version, goVersion, revision string, dirty bool) {
	version = "unknown"
	goVersion = "unknown"
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return
}
