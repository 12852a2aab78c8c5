// Command devtoken mints access and challenge tokens for exercising the API locally.
// It signs with the configured shared secret and refuses to run in production.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/arklim/iam-twofactor/internal/infra/config"
	"github.com/arklim/iam-twofactor/internal/infra/security"
)

func main() {
	_ = godotenv.Load()

	var (
		subject   = flag.String("sub", "", "user id placed in the sub claim")
		tokenType = flag.String("type", security.TokenTypeAccess, "token type: access or 2fa_challenge")
		roles     = flag.String("roles", "", "comma separated roles")
		ttl       = flag.Duration("ttl", 15*time.Minute, "token lifetime")
		fresh     = flag.Bool("fresh", false, "set auth_time to now so the token counts as a recent login")
	)
	flag.Parse()

	if *subject == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.App.Env == "production" {
		log.Fatal("devtoken must not be used in production")
	}

	verifier, err := security.NewTokenVerifier(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Leeway)
	if err != nil {
		log.Fatalf("init token verifier: %v", err)
	}

	now := time.Now()
	claims := security.Claims{
		Type: *tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   *subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(*ttl)),
		},
	}
	if *roles != "" {
		claims.Roles = strings.Split(*roles, ",")
	}
	if *tokenType == security.TokenTypeChallenge {
		claims.ID = uuid.NewString()
	}
	if *fresh {
		claims.AuthTime = now.Unix()
	}

	token, err := verifier.Sign(claims)
	if err != nil {
		log.Fatalf("sign token: %v", err)
	}
	fmt.Println(token)
}
