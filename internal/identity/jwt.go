package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const jwtIssuer = "playchat"

type claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWTProvider accepts HS256 bearer tokens whose subject is the user id. The
// token may also come in the "token" query parameter (browsers cannot set
// headers on a WebSocket handshake).
type JWTProvider struct {
	secret []byte
	now    func() time.Time
}

func NewJWTProvider(secret string) (*JWTProvider, error) {
	if len(secret) < 16 {
		return nil, errors.New("identity: jwt secret must be at least 16 bytes")
	}
	return &JWTProvider{secret: []byte(secret), now: time.Now}, nil
}

// Issue signs a token for u valid for ttl.
func (p *JWTProvider) Issue(u User, ttl time.Duration) (string, error) {
	now := p.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Name: u.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    jwtIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(p.secret)
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if t, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(t)
	}
	return r.URL.Query().Get("token")
}

func (p *JWTProvider) Authenticate(r *http.Request) (User, error) {
	raw := bearer(r)
	if raw == "" {
		return User{}, ErrUnauthorized
	}
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return p.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(jwtIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil {
		return User{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if c.Subject == "" {
		return User{}, ErrUnauthorized
	}
	return User{ID: c.Subject, Name: c.Name}, nil
}
