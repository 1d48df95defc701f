// storage-init creates the database schema and optionally seeds an API token.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"kanban-api/storage"
)

type options struct {
	databaseURL string
	seedToken   string
	tokenTTL    time.Duration
	tokenFile   string
}

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}

	opts, err := parseFlags(os.Args[1:], os.Getenv)
	if err != nil {
		log.Fatalf("flags: %v", err)
	}

	log.Info("storage init starting")
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	token, err := run(ctx, opts)
	if err != nil {
		log.Fatalf("storage init: %v", err)
	}
	if token != "" {
		fmt.Println(token)
	}
	log.Info("storage init complete")
}

func parseFlags(args []string, getenv func(string) string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("storage-init", pflag.ContinueOnError)
	fs.StringVar(&opts.databaseURL, "database-url", getenv("DATABASE_URL"), "postgres:// or sqlite: database URL")
	fs.StringVar(&opts.seedToken, "seed-token", "", "insert a token with this id, or a random one when set to auto")
	fs.DurationVar(&opts.tokenTTL, "token-ttl", 30*24*time.Hour, "lifetime of the seeded token")
	fs.StringVar(&opts.tokenFile, "token-file", "", "also write the seeded token id to this file")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.databaseURL == "" {
		return options{}, fmt.Errorf("missing --database-url or DATABASE_URL")
	}
	if opts.tokenFile != "" && opts.seedToken == "" {
		return options{}, fmt.Errorf("--token-file needs --seed-token")
	}
	if opts.tokenTTL <= 0 {
		return options{}, fmt.Errorf("--token-ttl must be positive")
	}
	return opts, nil
}

// run applies the schema and returns the id of the seeded token, if any.
func run(ctx context.Context, opts options) (string, error) {
	store, err := storage.Open(ctx, opts.databaseURL, storage.PoolOptions{MaxOpenConns: 1})
	if err != nil {
		return "", err
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return "", err
	}
	log.WithField("dialect", store.Dialect()).Info("schema applied")

	if opts.seedToken == "" {
		return "", nil
	}
	id := opts.seedToken
	if id == "auto" {
		id = uuid.NewString()
	}
	tok, err := store.IssueToken(ctx, id, time.Now().Add(opts.tokenTTL))
	if err != nil {
		return "", err
	}
	log.WithField("expired_at", tok.ExpiredAt).Info("token seeded")
	if opts.tokenFile != "" {
		if err := atomic.WriteFile(opts.tokenFile, strings.NewReader(tok.ID+"\n")); err != nil {
			return "", fmt.Errorf("write token file: %w", err)
		}
	}
	return tok.ID, nil
}
