package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/unicitynetwork/unicity-orchestrator/internal/store"
	"github.com/unicitynetwork/unicity-orchestrator/internal/uerr"
)

// Config selects the authentication mechanisms an Authenticator tries.
type Config struct {
	JWKSURL        string
	Issuer         string
	Audience       string
	StaticAPIKey   string
	DBAPIKeys      bool
	AllowAnonymous bool
}

// Authenticator resolves an HTTP request to a UserContext, trying
// Bearer-JWT, then X-API-Key, then anonymous.
type Authenticator struct {
	cfg    Config
	jwks   *JWKSCache
	db     *store.Store
	logger *zap.Logger
}

// New creates an authenticator.
func New(cfg Config, db *store.Store, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Authenticator{cfg: cfg, db: db, logger: logger}
	if cfg.JWKSURL != "" {
		a.jwks = NewJWKSCache(cfg.JWKSURL, logger)
	}
	return a
}

// Authenticate runs the mechanism chain. Authentication errors
// short-circuit before any side effect beyond user get-or-create.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*UserContext, error) {
	if header := r.Header.Get("Authorization"); header != "" && a.jwks != nil {
		token, found := strings.CutPrefix(header, "Bearer ")
		if found {
			return a.authenticateJWT(ctx, strings.TrimSpace(token))
		}
	}

	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		return a.authenticateAPIKey(ctx, apiKey)
	}

	if a.cfg.AllowAnonymous {
		return Anonymous(), nil
	}
	return nil, uerr.New(uerr.TagUnauthenticated, "no credentials presented")
}

func (a *Authenticator) authenticateJWT(ctx context.Context, raw string) (*UserContext, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithExpirationRequired(),
	)
	_, err := parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		return a.jwks.Key(ctx, kid)
	})
	if err != nil {
		if uerr.TagOf(err) == uerr.TagInvalidToken {
			return nil, err
		}
		return nil, uerr.Wrap(uerr.TagInvalidToken, err, "jwt rejected")
	}

	if a.cfg.Issuer != "" {
		if iss, _ := claims.GetIssuer(); iss != a.cfg.Issuer {
			return nil, uerr.New(uerr.TagInvalidToken, "issuer %q not accepted", iss)
		}
	}
	if a.cfg.Audience != "" {
		auds, _ := claims.GetAudience()
		if !containsAudience(auds, a.cfg.Audience) {
			return nil, uerr.New(uerr.TagInvalidToken, "audience not accepted")
		}
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, uerr.New(uerr.TagInvalidToken, "missing sub claim")
	}
	email, _ := claims["email"].(string)
	name, _ := claims["name"].(string)

	user, err := a.db.GetOrCreateUser(ctx, sub, "jwt", email, name)
	if err != nil {
		return nil, err
	}
	if !user.Active {
		return nil, uerr.New(uerr.TagUserDeactivated, "user %s is deactivated", user.ID)
	}
	return &UserContext{
		UserID:      user.ID,
		ExternalID:  sub,
		Provider:    "jwt",
		Email:       email,
		DisplayName: name,
	}, nil
}

func (a *Authenticator) authenticateAPIKey(ctx context.Context, presented string) (*UserContext, error) {
	if a.cfg.StaticAPIKey != "" && presented == a.cfg.StaticAPIKey {
		return &UserContext{ExternalID: "static-api-key", Provider: "api_key"}, nil
	}

	if a.cfg.DBAPIKeys && a.db != nil {
		rec, err := a.db.LookupAPIKey(ctx, presented)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			if !rec.Active {
				return nil, uerr.New(uerr.TagAPIKeyRevoked, "api key %s is revoked", rec.Prefix)
			}
			if rec.ExpiresAt != nil && time.Now().After(*rec.ExpiresAt) {
				return nil, uerr.New(uerr.TagAPIKeyExpired, "api key %s is expired", rec.Prefix)
			}
			a.db.TouchAPIKey(ctx, rec.Prefix)
			uc := &UserContext{ExternalID: rec.Prefix, Provider: "api_key"}
			if rec.UserID != "" {
				user, err := a.db.GetUser(ctx, rec.UserID)
				if err != nil {
					return nil, err
				}
				if user != nil {
					if !user.Active {
						return nil, uerr.New(uerr.TagUserDeactivated, "user %s is deactivated", user.ID)
					}
					uc.UserID = user.ID
					uc.Email = user.Email
					uc.DisplayName = user.DisplayName
				}
			}
			return uc, nil
		}
	}
	return nil, uerr.New(uerr.TagInvalidAPIKey, "api key not recognized")
}

func containsAudience(auds []string, want string) bool {
	for _, aud := range auds {
		if aud == want {
			return true
		}
	}
	return false
}
