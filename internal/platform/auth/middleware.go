package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
)

// Claims carry the actor recorded on every ledger mutation (the subject)
// and the roles checked by RequireRole and the billing authorizer.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// JWTConfig selects the verification mode. A non-empty SigningKey means
// HS256 with a shared secret; otherwise RS256 keys come from JWKSURL.
type JWTConfig struct {
	Issuer     string
	Audience   string
	JWKSURL    string
	SigningKey []byte
}

const jwksTTL = 5 * time.Minute

func (cfg JWTConfig) parser() (*jwt.Parser, func(ctx context.Context) jwt.Keyfunc) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	if len(cfg.SigningKey) > 0 {
		key := cfg.SigningKey
		opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		return jwt.NewParser(opts...), func(context.Context) jwt.Keyfunc {
			return func(*jwt.Token) (interface{}, error) { return key, nil }
		}
	}

	keys := NewKeySet(cfg.JWKSURL, jwksTTL)
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	return jwt.NewParser(opts...), func(ctx context.Context) jwt.Keyfunc {
		return func(t *jwt.Token) (interface{}, error) {
			kid, _ := t.Header["kid"].(string)
			return keys.Key(ctx, kid)
		}
	}
}

func bearer(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	return token, ok && strings.EqualFold(scheme, "bearer") && token != ""
}

// JWTMiddleware authenticates the bearer token and stores the subject and
// roles on the request context.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	parser, keyFunc := cfg.parser()
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			raw := req.Header.Get(echo.HeaderAuthorization)
			if raw == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}
			token, ok := bearer(raw)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			if _, err := parser.ParseWithClaims(token, claims, keyFunc(req.Context())); err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token has no subject")
			}

			c.SetRequest(req.WithContext(WithIdentity(req.Context(), claims.Subject, claims.Roles)))
			return next(c)
		}
	}
}

// DevAuthMiddleware lets unauthenticated requests through as "dev-user".
// X-Dev-User and X-Dev-Roles override the defaults so role-gated billing
// operations can be exercised locally.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			user := req.Header.Get("X-Dev-User")
			if user == "" {
				user = "dev-user"
			}
			roles := []string{RoleAdmin}
			if raw := req.Header.Get("X-Dev-Roles"); raw != "" {
				roles = nil
				for _, r := range strings.Split(raw, ",") {
					if r = strings.TrimSpace(r); r != "" {
						roles = append(roles, r)
					}
				}
			}
			c.SetRequest(req.WithContext(WithIdentity(req.Context(), user, roles)))
			return next(c)
		}
	}
}

// WithIdentity stores the authenticated user on ctx.
func WithIdentity(ctx context.Context, userID string, roles []string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	return context.WithValue(ctx, UserRolesKey, roles)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}
