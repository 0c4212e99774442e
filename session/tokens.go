package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"prism-sync/domain"
)

const tokenIssuer = "prism-sync"

type tokenClaims struct {
	Role domain.Role `json:"role"`
	jwt.RegisteredClaims
}

type issuedToken struct {
	pseudo   string
	issuedAt int64
}

// Tokens issues and checks resumable credentials. Self-issued tokens are
// HS256 JWTs whose subject is the pseudo they were minted for; static admin
// and user tokens come from configuration and bind to no pseudo.
type Tokens struct {
	secret []byte
	admin  map[string]struct{}
	valid  map[string]struct{}
	parser *jwt.Parser
	clock  clock.Clock

	mu     sync.Mutex
	issued map[string]issuedToken
}

// NewTokens builds the credential table. An empty secret is replaced by a
// random one, so self-issued tokens then only survive for the process
// lifetime.
func NewTokens(secret string, adminTokens, validTokens []string, clk clock.Clock) (*Tokens, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
	}
	if clk == nil {
		clk = clock.New()
	}
	t := &Tokens{
		secret: key,
		admin:  toSet(adminTokens),
		valid:  toSet(validTokens),
		clock:  clk,
		issued: make(map[string]issuedToken),
	}
	t.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	return t, nil
}

func toSet(list []string) map[string]struct{} {
	out := make(map[string]struct{}, len(list))
	for _, v := range list {
		out[v] = struct{}{}
	}
	return out
}

// Mint issues a user token bound to pseudo.
func (t *Tokens) Mint(pseudo string) (string, error) {
	now := t.clock.Now()
	claims := tokenClaims{
		Role: domain.RoleUser,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.NewString(),
			Issuer:   tokenIssuer,
			Subject:  pseudo,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	t.mu.Lock()
	t.issued[signed] = issuedToken{pseudo: pseudo, issuedAt: now.UnixMilli()}
	t.mu.Unlock()
	return signed, nil
}

// Resolve checks a presented token against pseudo and returns the role the
// credential carries. It returns domain.ErrInvalidCredential when the token
// is unknown or bound to another pseudo.
func (t *Tokens) Resolve(token, pseudo string) (domain.Role, error) {
	t.mu.Lock()
	entry, known := t.issued[token]
	t.mu.Unlock()
	if known {
		if entry.pseudo != pseudo {
			return "", fmt.Errorf("token bound to another pseudo: %w", domain.ErrInvalidCredential)
		}
		return domain.RoleUser, nil
	}
	if _, ok := t.admin[token]; ok {
		return domain.RoleAdmin, nil
	}
	if _, ok := t.valid[token]; ok {
		return domain.RoleUser, nil
	}

	claims, err := t.parse(token)
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, domain.ErrInvalidCredential)
	}
	if claims.Subject != pseudo {
		return "", fmt.Errorf("token bound to another pseudo: %w", domain.ErrInvalidCredential)
	}
	// issued before a restart; remember it again
	var issuedAt int64
	if claims.IssuedAt != nil {
		issuedAt = claims.IssuedAt.UnixMilli()
	}
	t.mu.Lock()
	t.issued[token] = issuedToken{pseudo: pseudo, issuedAt: issuedAt}
	t.mu.Unlock()

	role := claims.Role
	if !role.Valid() {
		role = domain.RoleUser
	}
	return role, nil
}

func (t *Tokens) parse(token string) (*tokenClaims, error) {
	claims := &tokenClaims{}
	parsed, err := t.parser.ParseWithClaims(token, claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid || claims.Issuer != tokenIssuer {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Issued reports how many self-issued tokens are currently known.
func (t *Tokens) Issued() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.issued)
}
