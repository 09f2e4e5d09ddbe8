package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenExpired       = errors.New("token expired")
)

// Issuer is the iss claim of operator tokens.
const Issuer = "mailgate"

// OperatorPrincipal identifies the operator behind a request.
type OperatorPrincipal struct {
	Subject string
	Via     string // "jwt" or "api_key"
}

// AuthService validates operator credentials for the issuing and
// administration endpoints. Operators present either an HS256 JWT minted by
// IssueJWT or a static API key whose SHA-256 hash is configured.
type AuthService struct {
	jwtSecret []byte
	keyHashes []string
	now       func() time.Time
}

func NewAuthService(jwtSecret string, apiKeyHashes []string) *AuthService {
	hashes := make([]string, 0, len(apiKeyHashes))
	for _, h := range apiKeyHashes {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hashes = append(hashes, h)
		}
	}
	return &AuthService{
		jwtSecret: []byte(jwtSecret),
		keyHashes: hashes,
		now:       time.Now,
	}
}

// ValidateAPIKey checks rawKey against the configured key hashes.
func (s *AuthService) ValidateAPIKey(_ context.Context, rawKey string) (*OperatorPrincipal, error) {
	if rawKey == "" {
		return nil, ErrInvalidCredentials
	}
	hash := HashKey(rawKey)
	for _, h := range s.keyHashes {
		if subtle.ConstantTimeCompare([]byte(h), []byte(hash)) == 1 {
			return &OperatorPrincipal{Subject: "key:" + hash[:8], Via: "api_key"}, nil
		}
	}
	return nil, ErrInvalidCredentials
}

// ValidateJWT verifies an operator bearer token.
func (s *AuthService) ValidateJWT(_ context.Context, tokenStr string) (*OperatorPrincipal, error) {
	if len(s.jwtSecret) == 0 {
		return nil, ErrInvalidCredentials
	}
	claims := &jwtClaims{}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(Issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidCredentials
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidCredentials
	}

	return &OperatorPrincipal{Subject: claims.Subject, Via: "jwt"}, nil
}

// IssueJWT creates a signed operator token for subject.
func (s *AuthService) IssueJWT(_ context.Context, subject string, ttl time.Duration) (string, error) {
	if len(s.jwtSecret) == 0 {
		return "", errors.New("jwt secret is not configured")
	}
	if subject == "" {
		return "", errors.New("subject is required")
	}
	now := s.now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    Issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

type jwtClaims struct {
	jwt.RegisteredClaims
}

// HashKey returns the hex SHA-256 of an API key as stored in configuration.
func HashKey(rawKey string) string {
	h := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(h[:])
}
