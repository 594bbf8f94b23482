// Command token mints a development bearer token for an existing account id.
// It reads AUTH_SECRET (raw string) and TOKEN_EXPIRY like the server does.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"pergola/internal/auth"
	"pergola/internal/config"
)

func main() {
	email := flag.String("email", "", "email claim to embed")
	expiry := flag.Duration("expiry", 0, "token lifetime (defaults to TOKEN_EXPIRY)")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Println("Usage: token [-email addr] [-expiry 24h] <account-id>")
		os.Exit(1)
	}

	// Server addresses are irrelevant here, but the secret is not.
	cfg, err := config.Load(false)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	authConfig := cfg.AuthConfig()
	if *expiry > 0 {
		authConfig.TokenExpiry = *expiry
	}

	as, err := auth.NewAuthService(context.Background(), authConfig, nil)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	token, expiresAt, err := as.IssueToken(flag.Arg(0), *email)
	if err != nil {
		fmt.Printf("Error minting token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expiresAt.Format(time.RFC3339))
}
