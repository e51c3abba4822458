package main

import (
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/ApplY3D/com.xiaomi-miio/internal/auth"
	"github.com/ApplY3D/com.xiaomi-miio/internal/infrastructure/config"
)

// runToken implements `miiobridge token`, which prints an API bearer token
// signed with the configured JWT secret.
//
//	miiobridge token -subject dashboard -role operator -ttl 720h
func runToken(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	subject := fs.String("subject", "", "who the token is for (required)")
	role := fs.String("role", string(auth.RoleViewer), "viewer, operator or admin")
	ttl := fs.Duration("ttl", auth.DefaultTokenTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		fmt.Fprintf(stderr, "Error: loading config: %v\n", err)
		return 1
	}

	token, err := auth.GenerateToken(*subject, auth.Role(*role), cfg.API.Auth.JWTSecret, *ttl)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, token)
	fmt.Fprintf(stderr, "token for %q (%s) expires %s\n", *subject, *role, time.Now().Add(*ttl).UTC().Format(time.RFC3339))
	return 0
}
