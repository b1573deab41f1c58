// Command proxykey issues a proxy token for a caller. It prints the token,
// which is shown only once, and the bcrypt hash stored in proxy_keys. With
// -insert it also writes the key row.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/phrazzld/relay-api/internal/platform/postgres"
	"github.com/phrazzld/relay-api/internal/service/auth"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	var (
		callbackURL = flag.String("callback", "", "default callback URL for tasks created with this key")
		siteID      = flag.String("site", "", "site id attached to tasks created with this key")
		cost        = flag.Int("cost", bcrypt.DefaultCost, "bcrypt cost")
		insert      = flag.Bool("insert", false, "insert the key into the database")
		databaseURL = flag.String("database-url", os.Getenv("RELAY_DATABASE_URL"), "database URL used with -insert")
	)
	flag.Parse()

	if err := run(*callbackURL, *siteID, *cost, *insert, *databaseURL); err != nil {
		fmt.Fprintf(os.Stderr, "proxykey: %v\n", err)
		os.Exit(1)
	}
}

func run(callbackURL, siteID string, cost int, insert bool, databaseURL string) error {
	issued, err := auth.GenerateKey(cost, callbackURL, siteID)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	if insert {
		if databaseURL == "" {
			return errors.New("-insert requires -database-url or RELAY_DATABASE_URL")
		}
		db, err := sql.Open("pgx", databaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer func() { _ = db.Close() }()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := postgres.NewPostgresProxyKeyStore(db).Create(ctx, issued.Key); err != nil {
			return fmt.Errorf("insert key: %w", err)
		}
	}

	fmt.Printf("Key ID: %s\nToken:  %s\nHash:   %s\n", issued.Key.ID, issued.Token, issued.Key.TokenHash)
	if !insert {
		fmt.Printf("\nINSERT INTO proxy_keys (id, token_hash, active, default_callback_url, site_id) VALUES ('%s', '%s', true, %s, %s);\n",
			issued.Key.ID, issued.Key.TokenHash, sqlText(callbackURL), sqlText(siteID))
	}
	return nil
}

func sqlText(s string) string {
	if s == "" {
		return "NULL"
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
