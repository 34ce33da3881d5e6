package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/openberl/dispatch/internal/auth"
)

func main() {
	owner := flag.String("owner", "", "owner ID (required)")
	name := flag.String("name", "", "human-friendly key name (required)")
	env := flag.String("env", "prod", "environment prefix")
	categories := flag.String("categories", "", "comma-separated allowed task categories (empty = all)")
	rpm := flag.Int("rpm", 0, "requests-per-minute limit (0 = default)")
	dailyCents := flag.Int("daily-cents", 0, "daily spend limit in cents (0 = unlimited)")
	expires := flag.String("expires", "365d", "expiry duration (e.g., 365d, 720h)")
	dbURL := flag.String("db-url", "", "database URL (overrides env)")
	flag.Parse()

	if *owner == "" || *name == "" {
		flag.Usage()
		fmt.Fprintln(os.Stderr, "\nerror: -owner and -name are required")
		os.Exit(1)
	}

	// Generate key
	rawKey, err := auth.GenerateKey(*env)
	if err != nil {
		log.Fatalf("failed to generate key: %v", err)
	}

	keyHash := auth.HashKey(rawKey)
	keyPrefix := auth.KeyPrefix(rawKey)

	// Parse expiry
	dur, err := auth.ParseDuration(*expires)
	if err != nil {
		log.Fatalf("invalid expires: %v", err)
	}
	expiresAt := time.Now().Add(dur)

	// Connect to database
	dsn := *dbURL
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		host := envOrDefault("DB_HOST", "localhost")
		port := envOrDefault("DB_PORT", "5432")
		u := envOrDefault("DB_USER", "berl")
		pass := envOrDefault("DB_PASSWORD", "berl-dev")
		dbname := envOrDefault("DB_NAME", "berl")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", u, pass, host, port, dbname)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer conn.Close(ctx)

	allowed := []string{}
	if *categories != "" {
		for _, c := range strings.Split(*categories, ",") {
			if c = strings.TrimSpace(c); c != "" {
				allowed = append(allowed, c)
			}
		}
	}
	allowedJSON, _ := json.Marshal(allowed)

	// Insert key
	var keyID string
	err = conn.QueryRow(ctx, `
		INSERT INTO api_keys (key_hash, key_prefix, owner_id, name, allowed_categories, rpm_limit, daily_spend_limit_cents, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, keyHash, keyPrefix, *owner, *name, allowedJSON, nilIfZero(*rpm), nilIfZero(*dailyCents), expiresAt).Scan(&keyID)
	if err != nil {
		log.Fatalf("failed to insert key: %v", err)
	}

	fmt.Println("=== BERL API Key Generated ===")
	fmt.Println()
	fmt.Printf("  Key ID:       %s\n", keyID)
	fmt.Printf("  Key Prefix:   %s\n", keyPrefix)
	fmt.Printf("  Owner:        %s\n", *owner)
	if len(allowed) > 0 {
		fmt.Printf("  Categories:   %s\n", strings.Join(allowed, ", "))
	} else {
		fmt.Printf("  Categories:   all\n")
	}
	if *rpm > 0 {
		fmt.Printf("  RPM Limit:    %d\n", *rpm)
	}
	if *dailyCents > 0 {
		fmt.Printf("  Daily Limit:  %d cents\n", *dailyCents)
	}
	fmt.Printf("  Expires:      %s\n", expiresAt.Format(time.RFC3339))
	fmt.Println()
	fmt.Println("  API Key (save this, it will NOT be shown again):")
	fmt.Printf("  %s\n", rawKey)
	fmt.Println()
	fmt.Println("==============================")
}

func nilIfZero(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
