package authnz

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc"
	"github.com/rs/zerolog"
	"gopkg.in/square/go-jose.v2"
)

type OIDCConfig struct {
	URL  string
	Keys []jose.JSONWebKey

	ClientID  string
	UserClaim string
}

type provider struct {
	Config   OIDCConfig
	Verifier *oidc.IDTokenVerifier
}

type OIDC struct {
	providers []*provider
	logger    zerolog.Logger
}

type LocalKeySet []jose.JSONWebKey

func (keys LocalKeySet) VerifySignature(ctx context.Context, jwt string) ([]byte, error) {
	jws, err := jose.ParseSigned(jwt)
	if err != nil {
		return nil, fmt.Errorf("oidc: malformed jwt: %v", err)
	}

	keyID := ""
	for _, sig := range jws.Signatures {
		keyID = sig.Header.KeyID
		break
	}

	for _, key := range keys {
		if keyID == "" || key.KeyID == keyID {
			if payload, err := jws.Verify(&key); err == nil {
				return payload, nil
			}
		}
	}

	return nil, errors.New("failed to verify id token signature")
}

func NewOIDCAuthenticator(ctx context.Context, providerConfigs []OIDCConfig, logger zerolog.Logger) (*OIDC, error) {
	oidcConfig := OIDC{
		providers: make([]*provider, len(providerConfigs)),
		logger:    logger,
	}

	for idx, providerConfig := range providerConfigs {
		var verifier *oidc.IDTokenVerifier

		verifierConfig := &oidc.Config{ClientID: providerConfig.ClientID}

		if len(providerConfig.Keys) > 0 {
			keySet := LocalKeySet(providerConfig.Keys)
			verifier = oidc.NewVerifier(providerConfig.URL, keySet, verifierConfig)
		} else {
			p, err := oidc.NewProvider(ctx, providerConfig.URL)
			if err != nil {
				return nil, fmt.Errorf("discovering %s: %w", providerConfig.URL, err)
			}

			verifier = p.Verifier(verifierConfig)
		}

		oidcConfig.providers[idx] = &provider{
			Config:   providerConfig,
			Verifier: verifier,
		}
	}

	return &oidcConfig, nil
}

func (o *OIDC) Authenticate(ctx context.Context, rawIDToken string) (string, error) {
	if rawIDToken == "" {
		return "", ErrMissingToken
	}

	var idToken *oidc.IDToken
	var err error
	var verifiedProvider *provider

	for _, provider := range o.providers {
		idToken, err = provider.Verifier.Verify(ctx, rawIDToken)
		if err == nil {
			verifiedProvider = provider
			break
		}
	}

	if verifiedProvider == nil {
		return "", ErrUnverified
	}

	claims := map[string]interface{}{}
	if err := idToken.Claims(&claims); err != nil {
		return "", fmt.Errorf("reading claims: %w", err)
	}

	user, ok := claims[verifiedProvider.Config.UserClaim].(string)
	if !ok || user == "" {
		return "", fmt.Errorf("%w '%s'", ErrMissingClaim, verifiedProvider.Config.UserClaim)
	}

	return user, nil
}

func (o *OIDC) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			o.logger.Debug().Msg("No Authorization header found")
			w.WriteHeader(401)
			return
		}

		headerParts := strings.Split(header, " ")

		if len(headerParts) != 2 || headerParts[0] != "Bearer" {
			o.logger.Debug().Str("scheme", headerParts[0]).Msg("Expected Authorization header to contain Bearer token")
			w.WriteHeader(401)
			return
		}

		user, err := o.Authenticate(r.Context(), headerParts[1])
		switch {
		case errors.Is(err, ErrUnverified), errors.Is(err, ErrMissingToken):
			o.logger.Debug().Err(err).Msg("Failed to authenticate request")
			w.WriteHeader(401)
			return
		case err != nil:
			o.logger.Warn().Err(err).Msg("Couldn't extract user from token")
			w.WriteHeader(500)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

type anonymous struct {
	user string
}

// NewAnonymousAuthenticator accepts every request and connection as user.
// It stands in when no OIDC providers are configured.
func NewAnonymousAuthenticator(user string) Authenticator {
	return &anonymous{user}
}

func (a *anonymous) Authenticate(context.Context, string) (string, error) {
	return a.user, nil
}

func (a *anonymous) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), a.user)))
	})
}
