package security

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenIssuer is stamped on every token and checked on parse.
const tokenIssuer = "market-emi"

// JWT validation errors.
var (
	// ErrInvalidToken indicates a token is malformed or fails validation.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken indicates a token has expired.
	ErrExpiredToken = errors.New("token expired")
)

// AdminRole scopes what an operator may do.
type AdminRole string

// AdminRole constants.
const (
	// RoleReviewer may approve, reject and cancel applications.
	RoleReviewer AdminRole = "reviewer"
	// RoleManager may also edit plans, settings and trigger sweeps.
	RoleManager AdminRole = "manager"
)

// UserClaims identifies a shopper. Users are owned by the storefront; only the id is trusted.
type UserClaims struct {
	UserID uint64 `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// AdminClaims identifies an operator.
type AdminClaims struct {
	AdminID  uint64    `json:"admin_id"`
	Username string    `json:"username"`
	Role     AdminRole `json:"role"`
	jwt.RegisteredClaims
}

func registered(expiry time.Duration) jwt.RegisteredClaims {
	now := time.Now().UTC()
	return jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
	}
}

// GenerateToken signs a shopper JWT.
func GenerateToken(secret string, userID uint64, name, email string, expiry time.Duration) (string, error) {
	claims := UserClaims{UserID: userID, Name: name, Email: email, RegisteredClaims: registered(expiry)}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates a shopper JWT and returns its claims.
func ParseToken(secret string, tokenString string) (*UserClaims, error) {
	claims := &UserClaims{}
	if errParse := parseInto(secret, tokenString, claims); errParse != nil {
		return nil, errParse
	}
	if claims.UserID == 0 {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// GenerateAdminToken signs an operator JWT.
func GenerateAdminToken(secret string, adminID uint64, username string, role AdminRole, expiry time.Duration) (string, error) {
	claims := AdminClaims{AdminID: adminID, Username: username, Role: role, RegisteredClaims: registered(expiry)}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseAdminToken validates an operator JWT and returns its claims.
func ParseAdminToken(secret string, tokenString string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	if errParse := parseInto(secret, tokenString, claims); errParse != nil {
		return nil, errParse
	}
	if claims.AdminID == 0 {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func parseInto(secret, tokenString string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredToken
		}
		return ErrInvalidToken
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}
