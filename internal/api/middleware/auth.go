package middleware

import (
	"context"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/tickets/config"
	"example.com/backstage/tickets/internal/access"
	"example.com/backstage/tickets/internal/api/response"
)

// CallerContextKey is where the authenticated caller is stored on the gin
// context
const CallerContextKey = "caller"

// UserProvisioner keeps a local user row for every authenticated caller
type UserProvisioner interface {
	EnsureUser(ctx context.Context, caller access.Caller) error
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Name              string   `json:"name"`
	PreferredUsername string   `json:"preferred_username"`
	Email             string   `json:"email"`
	Roles             []string `json:"roles"`
	RealmAccess       struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
}

// Authenticator verifies bearer tokens
type Authenticator struct {
	key    interface{}
	parser *jwt.Parser
}

// NewAuthenticator builds a verifier from config. An RSA public key file
// selects RS256, otherwise the shared secret selects HS256.
func NewAuthenticator(cfg config.AuthConfig) (*Authenticator, error) {
	opts := []jwt.ParserOption{}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	var key interface{}
	switch {
	case cfg.PublicKeyFile != "":
		pem, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read token public key")
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM(pem)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse token public key")
		}
		key = pub
		opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	case cfg.JWTSecret != "":
		key = []byte(cfg.JWTSecret)
		opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	default:
		return nil, errors.New("no token verification key configured (auth.jwt_secret or auth.public_key_file)")
	}

	return &Authenticator{key: key, parser: jwt.NewParser(opts...)}, nil
}

// Verify parses a raw token into a caller
func (a *Authenticator) Verify(raw string) (access.Caller, error) {
	var claims tokenClaims
	_, err := a.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return a.key, nil
	})
	if err != nil {
		return access.Caller{}, errors.Wrap(err, "invalid bearer token")
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return access.Caller{}, errors.Wrap(err, "token subject is not a user id")
	}

	name := claims.Name
	if name == "" {
		name = claims.PreferredUsername
	}

	roles := append(append([]string(nil), claims.RealmAccess.Roles...), claims.Roles...)
	return access.Caller{
		ID:    id,
		Roles: access.NewRoleSet(roles...),
		Name:  name,
		Email: claims.Email,
	}, nil
}

// Authenticate requires a valid bearer token, stores the caller on the
// context and provisions its user row
func Authenticate(auth *Authenticator, users UserProvisioner) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			response.WriteError(c, response.ErrUnauthorized)
			return
		}

		caller, err := auth.Verify(strings.TrimSpace(token))
		if err != nil {
			log.Warn().Err(err).Str("request_id", c.GetString(RequestIDKey)).Msg("Rejected bearer token")
			response.WriteError(c, response.ErrUnauthorized)
			return
		}

		if users != nil {
			if err := users.EnsureUser(c.Request.Context(), caller); err != nil {
				response.WriteError(c, err)
				return
			}
		}

		c.Set(CallerContextKey, caller)
		c.Next()
	}
}

// RequireRole rejects callers without role with 403
func RequireRole(role access.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := CallerFromContext(c)
		if !ok {
			response.WriteError(c, response.ErrUnauthorized)
			return
		}
		if !caller.HasRole(role) {
			log.Debug().Str("user_id", caller.ID.String()).Str("role", string(role)).Msg("Missing role")
			response.WriteError(c, response.ErrForbidden)
			return
		}
		c.Next()
	}
}

// CallerFromContext returns the authenticated caller
func CallerFromContext(c *gin.Context) (access.Caller, bool) {
	v, exists := c.Get(CallerContextKey)
	if !exists {
		return access.Caller{}, false
	}
	caller, ok := v.(access.Caller)
	return caller, ok
}
