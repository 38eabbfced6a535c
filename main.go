package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/briangreenhill/devkit/cache"
	"github.com/briangreenhill/devkit/internal/config"
	"github.com/briangreenhill/devkit/internal/jobs"
	"github.com/briangreenhill/devkit/internal/logging"
	"github.com/briangreenhill/devkit/internal/storage"
)

const version = "devkit v0.1.0"

func main() {
	logger := logging.New(os.Stderr, "info", true)
	if err := runCLI(context.Background(), os.Args[1:], os.Stdout); err != nil {
		logger.Fatal().Err(err).Msg("devkit")
	}
}

func runCLI(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		printUsage(out)
		return nil
	}

	switch args[0] {
	case "help", "--help", "-h":
		printUsage(out)
	case "version", "--version", "-v":
		fmt.Fprintln(out, version)
	case "manifest":
		if len(args) < 2 {
			return errors.New("usage: devkit manifest DIR")
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return writeManifest(out, args[1], cfg.Worker)
	case "size":
		return withStorage(ctx, func(s cache.Storage, prefix string) error {
			report, err := jobs.BuildCacheReport(ctx, s, prefix)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		})
	case "clear":
		return withStorage(ctx, func(s cache.Storage, prefix string) error {
			names, err := cache.Generations(ctx, s, prefix)
			if err != nil {
				return err
			}
			var errs []error
			for _, name := range names {
				if _, err := s.Delete(ctx, name); err != nil {
					errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
					continue
				}
				fmt.Fprintf(out, "deleted %s\n", name)
			}
			return errors.Join(errs...)
		})
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
	return nil
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage: devkit <command>")
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  manifest DIR        Print a precache manifest for the built assets in DIR")
	fmt.Fprintln(out, "  size                Report the size of every cache generation")
	fmt.Fprintln(out, "  clear               Delete every cache generation")
	fmt.Fprintln(out, "  version             Show the version")
	fmt.Fprintln(out, "Environment:")
	fmt.Fprintln(out, "  SW_PREFIX           Cache generation prefix (default devkit-static)")
	fmt.Fprintln(out, "  DATABASE_URL        Use the Postgres cache backend")
	fmt.Fprintln(out, "  CACHE_DIR           Use the file cache backend")
}

// withStorage opens the configured cache backend for one command
func withStorage(ctx context.Context, fn func(cache.Storage, string) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	s, release, err := storage.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer release()
	return fn(s, cfg.Worker.Prefix)
}

// writeManifest prints the files under dir as a JSON array of paths
// relative to the scope. Dotfiles, the manifest itself and the worker
// script are left out.
func writeManifest(out io.Writer, dir string, wc config.WorkerConfig) error {
	skip := map[string]bool{
		filepath.ToSlash(wc.ManifestPath): true,
		filepath.ToSlash(wc.Script):       true,
	}

	entries := []string{}
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && p != dir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !skip[rel] {
			entries = append(entries, rel)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk %s: %w", dir, err)
	}

	sort.Strings(entries)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}
