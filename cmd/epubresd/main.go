// epubresd serves the entries of registered EPUB books over HTTP.
//
// Requests of the form <prefix>/<bundle-id>/<entry-path> are resolved
// against the registry: fonts are deobfuscated, LCP protected resources
// are decrypted and the results are cached per generation. Books are
// preloaded from the config file and, with --admin, registered at runtime
// through POST /bundles.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/simp-lee/epubres"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var flags flagValues
	fs := pflag.NewFlagSet("epubresd", pflag.ContinueOnError)
	flags.addFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := resolveConfig(fs, &flags)
	if err != nil {
		return err
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, _ := logrus.ParseLevel(cfg.LogLevel)
	logger.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cache, closeCache, err := openCache(cfg, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	pattern, _ := cfg.cachePattern()
	reg := epubres.NewRegistry(
		epubres.WithGeneration(cfg.Generation),
		epubres.WithCache(cache),
		epubres.WithCachePattern(pattern),
		epubres.WithLogger(logger),
	)
	defer reg.Close()

	if err := reg.Activate(ctx); err != nil {
		return err
	}

	for _, book := range cfg.Books {
		if err := preload(ctx, reg, book); err != nil {
			logger.WithError(err).WithField("book", book.Path+book.URL).Error("preload failed")
		}
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newHandler(reg, cfg, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"listen":     cfg.Listen,
			"prefix":     cfg.Prefix,
			"generation": cfg.Generation,
		}).Info("serving")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openCache(cfg *Config, logger *logrus.Logger) (epubres.Cache, func(), error) {
	if cfg.CacheDir == "" {
		return epubres.NewMemoryCache(), func() {}, nil
	}
	bc, err := epubres.OpenBadgerCache(cfg.CacheDir, logger)
	if err != nil {
		return nil, nil, err
	}
	return bc, func() {
		if err := bc.Close(); err != nil {
			logger.WithError(err).Warn("close cache")
		}
	}, nil
}

// bookSource returns the archive source of a configured book.
func bookSource(book BookConfig) (epubres.Source, error) {
	if book.URL != "" {
		return epubres.RemoteSource{URL: book.URL}, nil
	}
	data, err := os.ReadFile(book.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", book.Path, err)
	}
	return epubres.BlobSource{Name: book.Path, Data: data}, nil
}

func preload(ctx context.Context, reg *epubres.Registry, book BookConfig) error {
	src, err := bookSource(book)
	if err != nil {
		return err
	}
	r, err := epubres.Inspect(ctx, src)
	if err != nil {
		return err
	}
	if book.ID != "" {
		r.ID = book.ID
	}
	r.Passphrase = book.Passphrase
	_, err = reg.Register(ctx, *r)
	return err
}
