// Command migrate applies the SQL migrations in ./migrations with goose.
//
// The subcommand is passed straight through to goose, so the usual verbs
// work: up, down, status, version, redo, up-to N, down-to N.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		return fmt.Errorf("usage: migrate <up|down|status|version|redo|up-to N|down-to N>")
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return fmt.Errorf("DATABASE_URL is not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	if err := goose.RunContext(ctx, os.Args[1], db, "migrations", os.Args[2:]...); err != nil {
		return fmt.Errorf("%s: %w", os.Args[1], err)
	}
	return nil
}
