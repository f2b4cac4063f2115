package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Context keys set for downstream handlers.
const (
	UserIDKey   = "userId"
	UsernameKey = "username"
)

var (
	ErrUnauthenticated = errors.New("UNAUTHENTICATED")
	ErrAuthUpstream    = errors.New("AUTH_UPSTREAM_ERROR")
)

// Identity is a verified caller.
type Identity struct {
	UserID   string
	Username string
}

// Verifier turns a bearer token into an Identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Claims of an access token. Tokens of any other typ are refused.
type Claims struct {
	Username string `json:"username"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

// JWTVerifier checks HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (Identity, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, jwt.ErrTokenInvalidClaims)
	}
	if claims.Type != "" && claims.Type != "access" {
		return Identity{}, fmt.Errorf("%w: access token required", ErrUnauthenticated)
	}
	return Identity{UserID: claims.Subject, Username: claims.Username}, nil
}

// SignAccessToken issues a token JWTVerifier accepts.
func SignAccessToken(secret, userID, username string, ttl time.Duration) (string, error) {
	claims := &Claims{
		Username: username,
		Type:     "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// RemoteVerifier asks the auth service at baseURL + "/v1/auth/verify".
type RemoteVerifier struct {
	client    *http.Client
	verifyURL string
	timeout   time.Duration
}

func NewRemoteVerifier(authBaseURL string) *RemoteVerifier {
	return &RemoteVerifier{
		client:    &http.Client{},
		verifyURL: strings.TrimRight(authBaseURL, "/") + "/v1/auth/verify",
		timeout:   1200 * time.Millisecond,
	}
}

type verifyResponse struct {
	UserID   flexibleID `json:"userId"`
	Username string     `json:"username"`
	Type     string     `json:"type"`
	Error    string     `json:"error"`
}

// flexibleID accepts a user id sent as a JSON string or number.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if _, err := strconv.ParseUint(n.String(), 10, 64); err != nil {
		return fmt.Errorf("user id %s: %w", n, err)
	}
	*f = flexibleID(n.String())
	return nil
}

func (v *RemoteVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: build request: %v", ErrAuthUpstream, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrAuthUpstream, err)
	}
	defer resp.Body.Close()

	var body verifyResponse
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Error == "" {
			body.Error = "invalid token"
		}
		return Identity{}, fmt.Errorf("%w: %s", ErrUnauthenticated, body.Error)
	default:
		return Identity{}, fmt.Errorf("%w: status %d", ErrAuthUpstream, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Identity{}, fmt.Errorf("%w: decode: %v", ErrAuthUpstream, err)
	}
	if body.Type != "" && body.Type != "access" {
		return Identity{}, fmt.Errorf("%w: access token required", ErrUnauthenticated)
	}
	if body.UserID == "" {
		return Identity{}, fmt.Errorf("%w: empty user id", ErrAuthUpstream)
	}
	return Identity{UserID: string(body.UserID), Username: body.Username}, nil
}

// Auth rejects requests without a valid token and stores the identity under
// UserIDKey and UsernameKey. Browsers cannot set headers on a websocket
// upgrade, so ?token= is accepted too.
func Auth(v Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearer(c.Request.Header.Get("Authorization"))
		if token == "" {
			token = strings.TrimSpace(c.Query("token"))
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		id, err := v.Verify(c.Request.Context(), token)
		if err != nil {
			status, code := http.StatusUnauthorized, "UNAUTHENTICATED"
			if errors.Is(err, ErrAuthUpstream) {
				status, code = http.StatusBadGateway, "AUTH_UPSTREAM_ERROR"
			}
			c.AbortWithStatusJSON(status, gin.H{"code": code, "message": err.Error()})
			return
		}
		c.Set(UserIDKey, id.UserID)
		c.Set(UsernameKey, id.Username)
		c.Next()
	}
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
