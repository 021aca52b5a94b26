package services

import (
	"errors"
	"strings"
	"time"

	"streamhub/internal/core/domain"
	"streamhub/internal/core/ports"
	"streamhub/pkg/utils"
	"streamhub/pkg/validation"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

const (
	guestPrefix    = "guest-"
	maxDisplayName = 50
)

// Claims is the payload of tokens issued by the user service.
type Claims struct {
	UserID   domain.UserID `json:"user_id"`
	Username string        `json:"username"`
	jwt.RegisteredClaims
}

// AuthService verifies bearer tokens and hands out guest identities when
// anonymous access is allowed.
type AuthService struct {
	secret   []byte
	issuer   string
	required bool
	clock    utils.Clock
}

func NewAuthService(secret, issuer string, required bool, clock utils.Clock) *AuthService {
	return &AuthService{
		secret:   []byte(secret),
		issuer:   issuer,
		required: required,
		clock:    utils.OrSystem(clock),
	}
}

// Required reports whether anonymous callers are rejected.
func (s *AuthService) Required() bool { return s.required }

// IssueToken signs an HS256 token. The hub only verifies tokens in
// production; issuing exists for local tooling and tests.
func (s *AuthService) IssueToken(userID domain.UserID, username string, ttl time.Duration) (string, error) {
	now := s.clock.Now()
	claims := &Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *AuthService) Verify(token string) (*ports.Identity, error) {
	if len(s.secret) == 0 {
		return nil, ErrInvalidToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.clock.Now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	if strings.HasPrefix(string(claims.UserID), guestPrefix) {
		return nil, ErrInvalidToken
	}

	name := claims.Username
	if name == "" {
		name = string(claims.UserID)
	}
	return &ports.Identity{UserID: claims.UserID, Username: name}, nil
}

// Authenticate resolves the caller of a request. An empty token yields a
// guest identity unless auth is required.
func (s *AuthService) Authenticate(token, displayName string) (*ports.Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token != "" {
		id, err := s.Verify(token)
		if err != nil {
			return nil, errors.Join(domain.ErrUnauthorized, err)
		}
		return id, nil
	}
	if s.required {
		return nil, domain.ErrUnauthorized
	}
	return s.Guest(displayName), nil
}

// Guest returns a fresh anonymous identity.
func (s *AuthService) Guest(displayName string) *ports.Identity {
	id := domain.UserID(guestPrefix + utils.NewOpaqueID()[:12])
	name, _ := utils.TruncateRunes(utils.SanitizeString(displayName), maxDisplayName)
	if validation.ValidateDisplayName(name) != nil {
		name = string(id)
	}
	return &ports.Identity{UserID: id, Username: name, Guest: true}
}
