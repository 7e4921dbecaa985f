// Package usecase holds the admin API's application logic, kept thin
// because the engine's own behavior lives in internal/producer, leader,
// and plugins/*; this package only exists to guard the HTTP surface over
// them (SPEC_FULL.md "Operator auth").
package usecase

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/obango/obango/internal/alert"
	"github.com/obango/obango/internal/domain"
	"github.com/obango/obango/internal/store"
)

const (
	defaultTokenTTL = 15 * time.Minute
	defaultJWTTTL   = 24 * time.Hour
)

type AuthUsecase struct {
	operators     store.OperatorStore
	mailer        alert.Sender
	jwtKey        []byte
	tokenTTL      time.Duration
	jwtTTL        time.Duration
	magicLinkBase string
	adminEmails   map[string]bool
}

func NewAuthUsecase(operators store.OperatorStore, mailer alert.Sender, jwtKey []byte, magicLinkBase string, adminEmails []string) *AuthUsecase {
	admins := make(map[string]bool, len(adminEmails))
	for _, e := range adminEmails {
		admins[e] = true
	}
	return &AuthUsecase{
		operators:     operators,
		mailer:        mailer,
		jwtKey:        jwtKey,
		tokenTTL:      defaultTokenTTL,
		jwtTTL:        defaultJWTTTL,
		magicLinkBase: magicLinkBase,
		adminEmails:   admins,
	}
}

// RequestMagicLink finds or creates the operator, generates a single-use
// token, stores its hash, and emails the verify link. An operator whose
// email is in the configured admin allowlist is (re-)promoted to
// domain.RoleAdmin here, so removing an email from the allowlist doesn't
// automatically demote it — demotion is a deliberate, separate action.
func (u *AuthUsecase) RequestMagicLink(ctx context.Context, email string) error {
	operator, err := u.operators.FindOrCreate(ctx, email)
	if err != nil {
		return fmt.Errorf("find or create operator: %w", err)
	}

	if u.adminEmails[email] && operator.Role != domain.RoleAdmin {
		if err := u.operators.SetRole(ctx, operator.ID, domain.RoleAdmin); err != nil {
			return fmt.Errorf("promote operator to admin: %w", err)
		}
		operator.Role = domain.RoleAdmin
	}

	raw := make([]byte, 32)
	if _, err = io.ReadFull(rand.Reader, raw); err != nil {
		return fmt.Errorf("generate token: %w", err)
	}
	rawToken := hex.EncodeToString(raw)
	tokenHash := fmt.Sprintf("%x", sha256.Sum256([]byte(rawToken)))

	expiresAt := time.Now().Add(u.tokenTTL)
	if err = u.operators.CreateMagicToken(ctx, operator.ID, tokenHash, expiresAt); err != nil {
		return fmt.Errorf("store magic token: %w", err)
	}

	link := u.magicLinkBase + "/auth/verify?token=" + rawToken
	subject := "Your obango sign-in link"
	body := fmt.Sprintf(
		`<p>Click the link below to sign in to the admin API (expires in 15 minutes):</p><p><a href="%s">%s</a></p>`,
		link, link,
	)
	if err = u.mailer.Send(ctx, email, subject, body); err != nil {
		return fmt.Errorf("send magic link: %w", err)
	}
	return nil
}

// VerifyMagicLink hashes the raw token, atomically claims it, and returns a
// signed JWT bearer token for the admin API.
func (u *AuthUsecase) VerifyMagicLink(ctx context.Context, rawToken string) (string, error) {
	tokenHash := fmt.Sprintf("%x", sha256.Sum256([]byte(rawToken)))

	mt, err := u.operators.ClaimMagicToken(ctx, tokenHash)
	if err != nil {
		return "", domain.ErrTokenInvalid
	}

	operator, err := u.operators.FindByID(ctx, mt.OperatorID)
	if err != nil {
		return "", fmt.Errorf("find operator: %w", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   operator.ID,
		"email": operator.Email,
		"iat":   now.Unix(),
		"exp":   now.Add(u.jwtTTL).Unix(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString(u.jwtKey)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signed, nil
}
