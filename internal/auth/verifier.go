// Package auth verifies the credential a client presents when it connects.
// Tokens are issued elsewhere; this package only checks them.
package auth

import (
	"context"
	"errors"
	"slices"
	"strings"

	"peersupport/backend/internal/apperror"
	"peersupport/backend/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpiredToken   = errors.New("token has expired")
	ErrUnknownUser    = errors.New("user does not exist")
	ErrRoleNotAllowed = errors.New("role is not allowed to chat")
)

// Verifier turns a raw credential into a verified identity.
type Verifier interface {
	Verify(ctx context.Context, credential string) (*models.Identity, error)
}

// UserLookup resolves a user id to its record. It returns nil, nil when the
// user does not exist.
type UserLookup interface {
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
}

// Claims are the token claims the service reads.
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens and loads the user they name.
type JWTVerifier struct {
	secret       []byte
	issuer       string
	allowedRoles []string
	users        UserLookup
}

// NewJWTVerifier Constructor. An empty issuer disables the issuer check.
func NewJWTVerifier(secret, issuer string, allowedRoles []string, users UserLookup) *JWTVerifier {
	return &JWTVerifier{
		secret:       []byte(secret),
		issuer:       issuer,
		allowedRoles: allowedRoles,
		users:        users,
	}
}

var _ Verifier = (*JWTVerifier)(nil)

// Verify validates the token and returns the identity of its user.
// Storage failures are returned as apperror.ErrPersistence so callers can
// tell them apart from a bad credential.
func (v *JWTVerifier) Verify(ctx context.Context, credential string) (*models.Identity, error) {
	claims, err := v.parse(credential)
	if err != nil {
		return nil, err
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return nil, ErrInvalidToken
	}

	user, err := v.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, apperror.From(err)
	}
	if user == nil {
		return nil, ErrUnknownUser
	}
	if len(v.allowedRoles) > 0 && !slices.Contains(v.allowedRoles, user.Role) {
		return nil, ErrRoleNotAllowed
	}

	return user.Identity(), nil
}

func (v *JWTVerifier) parse(credential string) (*Claims, error) {
	tokenString := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(credential), "Bearer "))
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
