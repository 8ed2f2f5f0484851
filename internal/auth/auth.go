// Package auth signs and verifies the JWTs that carry an account identity.
// Access tokens authorize API calls. Refresh tokens only mint access tokens;
// for a device identity the refresh token is the sole way back to its
// account, so only members receive one.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	jwtIssuer   = "coffeepoint-api"
	jwtAudience = "coffeepoint-members"

	RoleMember = "member"
	RoleAdmin  = "admin"

	AccessTokenTTL  = 15 * time.Minute
	RefreshTokenTTL = 90 * 24 * time.Hour
	// Operators sign in again instead of refreshing.
	AdminTokenTTL = 8 * time.Hour
)

type TokenType string

const (
	TypeAccess  TokenType = "access"
	TypeRefresh TokenType = "refresh"
)

var (
	ErrTokenExpired   = errors.New("token expired")
	ErrInvalidToken   = errors.New("invalid token")
	ErrWrongTokenType = errors.New("wrong token type")
	ErrNotRefreshable = errors.New("role cannot refresh")
	ErrEmptyJWTSecret = errors.New("jwt secret cannot be empty")
)

// Claims name the account in the registered subject.
type Claims struct {
	Role string    `json:"role"`
	Type TokenType `json:"typ"`
	jwt.RegisteredClaims
}

func (c *Claims) AccountID() string {
	return c.Subject
}

// Keys are the HMAC secrets per token type.
type Keys struct {
	Access  string
	Refresh string
}

// Session is what a signed-in client holds. RefreshToken is empty for roles
// that cannot refresh.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func CheckPassword(hashedPassword, plainPassword string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(plainPassword)) == nil
}

func accessTTL(role string) time.Duration {
	if role == RoleAdmin {
		return AdminTokenTTL
	}
	return AccessTokenTTL
}

func sign(accountID, role string, typ TokenType, secret string, expires, now time.Time) (string, error) {
	if secret == "" {
		return "", ErrEmptyJWTSecret
	}

	claims := &Claims{
		Role: role,
		Type: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    jwtIssuer,
			Subject:   accountID,
			Audience:  jwt.ClaimStrings{jwtAudience},
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// GenerateAccessToken signs an access token with the role's lifetime.
func GenerateAccessToken(accountID, role, secret string) (string, error) {
	now := time.Now()
	return sign(accountID, role, TypeAccess, secret, now.Add(accessTTL(role)), now)
}

// NewSession signs the tokens for a fresh sign-in.
func NewSession(accountID, role string, keys Keys) (*Session, error) {
	now := time.Now()
	expires := now.Add(accessTTL(role))

	access, err := sign(accountID, role, TypeAccess, keys.Access, expires, now)
	if err != nil {
		return nil, err
	}
	session := &Session{AccessToken: access, ExpiresAt: expires}
	if role != RoleMember {
		return session, nil
	}

	session.RefreshToken, err = sign(accountID, role, TypeRefresh, keys.Refresh, now.Add(RefreshTokenTTL), now)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Parse verifies signature, issuer, audience, expiry and token type.
func Parse(tokenString, secret string, want TokenType) (*Claims, error) {
	if secret == "" {
		return nil, ErrEmptyJWTSecret
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(jwtIssuer),
		jwt.WithAudience(jwtAudience),
		jwt.WithExpirationRequired(),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case err != nil:
		return nil, errors.Join(ErrInvalidToken, err)
	case claims.Subject == "":
		return nil, ErrInvalidToken
	case claims.Type != want:
		return nil, ErrWrongTokenType
	}
	return claims, nil
}

// Refresh trades a member refresh token for a new access token. The refresh
// token is not rotated.
func Refresh(refreshToken string, keys Keys) (*Session, *Claims, error) {
	claims, err := Parse(refreshToken, keys.Refresh, TypeRefresh)
	if err != nil {
		return nil, nil, err
	}
	if claims.Role != RoleMember {
		return nil, nil, ErrNotRefreshable
	}

	now := time.Now()
	expires := now.Add(AccessTokenTTL)
	access, err := sign(claims.Subject, claims.Role, TypeAccess, keys.Access, expires, now)
	if err != nil {
		return nil, nil, err
	}
	return &Session{AccessToken: access, ExpiresAt: expires}, claims, nil
}
