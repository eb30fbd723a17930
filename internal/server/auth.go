package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"marketline/internal/domain"
)

type AuthConfig struct {
	JWTSecret              string
	AllowLegacyActorHeader bool
}

// Principal is the authenticated caller.
type Principal struct {
	Actor  domain.Actor
	Source string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorFromContext(ctx context.Context) (domain.Actor, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.Actor.ID != "" {
		return p.Actor, nil
	}
	return domain.Actor{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

// Claims carried by marketline bearer tokens. The subject is the actor id.
type Claims struct {
	jwt.RegisteredClaims
	Kind domain.ActorKind `json:"kind"`
}

// IssueToken signs an HS256 token for actor.
func IssueToken(secret string, actor domain.Actor, claims jwt.RegisteredClaims) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	claims.Subject = actor.ID
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: claims, Kind: actor.Kind})
	return token.SignedString([]byte(secret))
}

func parseActorKind(kind string) (domain.ActorKind, error) {
	switch k := domain.ActorKind(strings.ToLower(strings.TrimSpace(kind))); k {
	case domain.ActorAssociate, domain.ActorLocation:
		return k, nil
	default:
		return "", errors.New("actor kind must be associate or location")
	}
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	kind, err := parseActorKind(string(claims.Kind))
	if err != nil {
		return Principal{}, err
	}
	return Principal{
		Actor:  domain.Actor{ID: claims.Subject, Kind: kind},
		Source: "jwt",
	}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	open := map[string]bool{
		path.Join(basePath, "health"):       true,
		path.Join(basePath, "openapi.json"): true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			legacyActor := strings.TrimSpace(req.Header.Get("X-Actor-Id"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					logger.Debugf("rejected bearer token: %v", err)
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if legacyActor != "" && cfg.AllowLegacyActorHeader {
				kind, err := parseActorKind(req.Header.Get("X-Actor-Kind"))
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", err.Error(), nil))
					return
				}
				logger.Warningf("using legacy X-Actor-Id header without auth (actor_id=%s)", legacyActor)
				ctx := withPrincipal(req.Context(), Principal{
					Actor:  domain.Actor{ID: legacyActor, Kind: kind},
					Source: "legacy_header",
				})
				next.ServeHTTP(w, req.WithContext(ctx))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
