package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const bearerPrefix = "Bearer "

var (
	ErrMissingValidatorSigningKey = errors.New("token validator: signing key required")
	ErrMissingValidatorIssuer     = errors.New("token validator: issuer required")
	ErrMissingToken               = errors.New("token validator: token required")
	ErrInvalidToken               = errors.New("token validator: invalid token")
	ErrExpiredToken               = errors.New("token validator: token expired")
	ErrMissingSubject             = errors.New("token validator: subject required")
)

// ValidatorConfig describes how to validate operator JWTs.
type ValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	Clock         func() time.Time
}

// Validator validates HS256 operator JWTs.
type Validator struct {
	signingSecret []byte
	issuer        string
	audience      string
	clock         func() time.Time
}

func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingValidatorSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingValidatorIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Validator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      strings.TrimSpace(cfg.Audience),
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *Validator) ValidateToken(tokenString string) (OperatorClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return OperatorClaims{}, ErrMissingToken
	}

	options := []jwt.ParserOption{
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
	}
	if v.audience != "" {
		options = append(options, jwt.WithAudience(v.audience))
	}

	claims := &OperatorClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		options...,
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return OperatorClaims{}, ErrExpiredToken
		}
		return OperatorClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return OperatorClaims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return OperatorClaims{}, ErrMissingSubject
	}
	return *claims, nil
}

// ValidateRequest reads the bearer token from the Authorization header and validates it.
func (v *Validator) ValidateRequest(r *http.Request) (OperatorClaims, error) {
	if r == nil {
		return OperatorClaims{}, ErrMissingToken
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		return OperatorClaims{}, ErrMissingToken
	}
	return v.ValidateToken(strings.TrimPrefix(header, bearerPrefix))
}
