// Package auth handles operator accounts: bcrypt password hashes, HS256 session
// tokens and the admin/guest role split.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"

	"cmc_manager/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Claims identify the operator behind a request.
type Claims struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

func (c *Claims) IsAdmin() bool { return c != nil && c.Role == store.RoleAdmin }

type Issuer struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, expiry time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), expiry: expiry, now: time.Now}
}

func (i *Issuer) Issue(u store.User) (string, time.Time, error) {
	now := i.now()
	exp := now.Add(i.expiry)
	claims := Claims{
		ID:       u.ID,
		Username: u.Username,
		Role:     u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (i *Issuer) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Role != store.RoleAdmin && claims.Role != store.RoleGuest {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Users is the slice of store.Store that login and bootstrap need.
type Users interface {
	GetUserByUsername(ctx context.Context, username string) (store.User, error)
	CreateUser(ctx context.Context, username, passwordHash, role string) (store.User, error)
	TouchLastLogin(ctx context.Context, id string) error
	CountUsers(ctx context.Context) (int64, error)
}

// Login verifies credentials. Unknown users and wrong passwords are indistinguishable.
func Login(ctx context.Context, users Users, username, password string) (store.User, error) {
	u, err := users.GetUserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.User{}, err
	}
	if !CheckPassword(u.PasswordHash, password) {
		return store.User{}, ErrInvalidCredentials
	}
	if err := users.TouchLastLogin(ctx, u.ID); err != nil {
		return store.User{}, err
	}
	return u, nil
}

// Bootstrap creates the first admin when no accounts exist. It reports whether one was created.
func Bootstrap(ctx context.Context, users Users, username, password string) (bool, error) {
	n, err := users.CountUsers(ctx)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	if username == "" || password == "" {
		return false, errors.New("no users exist and ADMIN_PASSWORD is not set")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return false, err
	}
	if _, err := users.CreateUser(ctx, username, hash, store.RoleAdmin); err != nil {
		return false, err
	}
	return true, nil
}

type ctxKey struct{}

func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

func ClaimsFrom(ctx context.Context) *Claims {
	c, _ := ctx.Value(ctxKey{}).(*Claims)
	return c
}
