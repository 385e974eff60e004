package relay

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/adriannowak/ai-feed/internal/storage"
	"github.com/golang-jwt/jwt/v5"
)

// ErrNoSigningKey is returned when feedback links are requested without a
// configured key.
var ErrNoSigningKey = errors.New("relay: signing key not configured")

// FeedbackClaims is the payload of a feedback link token.
type FeedbackClaims struct {
	Item   string `json:"item"`
	User   string `json:"user"`
	Signal int    `json:"signal"`
	jwt.RegisteredClaims
}

// Signer issues and verifies HS256 tokens for one-click feedback links.
type Signer struct {
	key     []byte
	baseURL string
	ttl     time.Duration
	now     func() time.Time
}

// NewSigner creates a signer whose links point at publicURL.
func NewSigner(key, publicURL string, ttl time.Duration) (*Signer, error) {
	if key == "" {
		return nil, ErrNoSigningKey
	}
	u, err := url.Parse(publicURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("relay: invalid public URL %q", publicURL)
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Signer{
		key:     []byte(key),
		baseURL: strings.TrimRight(publicURL, "/"),
		ttl:     ttl,
		now:     time.Now,
	}, nil
}

// Token signs a feedback token for (user, item, signal).
func (s *Signer) Token(userID, itemID string, signal storage.Signal) (string, error) {
	if !signal.Valid() {
		return "", storage.ErrInvalidSignal
	}
	now := s.now()
	claims := FeedbackClaims{
		Item:   itemID,
		User:   userID,
		Signal: int(signal),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// FeedbackURL returns the public link that records signal when opened.
func (s *Signer) FeedbackURL(userID, itemID string, signal storage.Signal) (string, error) {
	token, err := s.Token(userID, itemID, signal)
	if err != nil {
		return "", err
	}
	return s.baseURL + "/feedback/" + token, nil
}

// Verify parses a token and checks signature, algorithm and expiry.
func (s *Signer) Verify(token string) (*FeedbackClaims, error) {
	var claims FeedbackClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("relay: verify token: %w", err)
	}
	if claims.Item == "" || claims.User == "" || !storage.Signal(claims.Signal).Valid() {
		return nil, fmt.Errorf("relay: verify token: incomplete claims")
	}
	return &claims, nil
}
