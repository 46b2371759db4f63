package credential

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/h1v3-io/coworker/pkg/protocol"
)

// DefaultAuthority is the Microsoft identity platform host.
const DefaultAuthority = "https://login.microsoftonline.com"

// DefaultScopes request directory read access plus a refresh token and the
// signed-in user's profile.
var DefaultScopes = []string{"User.ReadBasic.All", "offline_access", "openid", "profile"}

// DeviceCodeConfig configures a DeviceCodeSource.
type DeviceCodeConfig struct {
	Authority string // default DefaultAuthority
	TenantID  string
	ClientID  string
	Scopes    []string // default DefaultScopes
}

// DeviceCodeSource acquires user tokens with the OAuth 2.0 device
// authorization grant and refreshes them silently from a FileCache.
type DeviceCodeSource struct {
	oauth  *oauth2.Config
	cache  *FileCache
	logger *slog.Logger

	// HTTPClient, if set, is used for token endpoint calls.
	HTTPClient *http.Client
}

// NewDeviceCodeSource creates a source for a public client application.
func NewDeviceCodeSource(cfg DeviceCodeConfig, cache *FileCache, logger *slog.Logger) *DeviceCodeSource {
	if logger == nil {
		logger = slog.Default()
	}
	authority := strings.TrimRight(cfg.Authority, "/")
	if authority == "" {
		authority = DefaultAuthority
	}
	tenant := cfg.TenantID
	if tenant == "" {
		tenant = "organizations"
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	base := authority + "/" + tenant + "/oauth2/v2.0"
	return &DeviceCodeSource{
		oauth: &oauth2.Config{
			ClientID: cfg.ClientID,
			Scopes:   scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:       base + "/authorize",
				DeviceAuthURL: base + "/devicecode",
				TokenURL:      base + "/token",
				AuthStyle:     oauth2.AuthStyleInParams,
			},
		},
		cache:  cache,
		logger: logger,
	}
}

// Silent returns the cached access token, refreshing it when expired.
func (s *DeviceCodeSource) Silent(ctx context.Context) (string, error) {
	cc, err := s.cache.Load()
	if err != nil {
		return "", err
	}

	tok, err := s.oauth.TokenSource(s.withClient(ctx), cc.Token).Token()
	if err != nil {
		return "", fmt.Errorf("credential: refresh: %w", err)
	}
	if tok.AccessToken != cc.Token.AccessToken {
		cc.Token = tok
		if err := s.cache.Save(cc); err != nil {
			s.logger.Warn("failed to persist refreshed token", "error", err)
		}
	}
	return tok.AccessToken, nil
}

// Interactive runs the device authorization grant. prompt receives the
// verification URL and user code; the call then polls until the user
// completes sign-in, the code expires or ctx ends.
func (s *DeviceCodeSource) Interactive(ctx context.Context, prompt func(string)) (string, error) {
	ctx = s.withClient(ctx)

	da, err := s.oauth.DeviceAuth(ctx)
	if err != nil {
		return "", classify(err)
	}
	if prompt != nil {
		prompt(deviceMessage(da))
	}

	tok, err := s.oauth.DeviceAccessToken(ctx, da)
	if err != nil {
		return "", classify(err)
	}

	account := accountFromToken(tok)
	if err := s.cache.Save(&CachedCredential{Token: tok, Account: account}); err != nil {
		s.logger.Warn("failed to persist token", "error", err)
	}
	s.logger.Info("device code sign-in complete", "account", account.Email)
	return tok.AccessToken, nil
}

// Account returns the identity of the signed-in user, if one is cached.
func (s *DeviceCodeSource) Account() (protocol.Identity, bool) {
	cc, err := s.cache.Load()
	if err != nil || cc.Account.ID == "" {
		return protocol.Identity{}, false
	}
	return cc.Account, true
}

func (s *DeviceCodeSource) withClient(ctx context.Context) context.Context {
	if s.HTTPClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, s.HTTPClient)
}

func deviceMessage(da *oauth2.DeviceAuthResponse) string {
	uri := da.VerificationURI
	if uri == "" {
		uri = da.VerificationURIComplete
	}
	return fmt.Sprintf("To sign in, use a web browser to open the page %s and enter the code %s to authenticate.", uri, da.UserCode)
}

// classify maps an invalid_client response (public client flows disabled on
// the app registration) to ErrInteractiveFlowDisabled.
func classify(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_client" || strings.Contains(string(re.Body), "invalid_client") {
			return fmt.Errorf("%w: %s", ErrInteractiveFlowDisabled, re.ErrorDescription)
		}
	}
	return fmt.Errorf("credential: device code: %w", err)
}

// accountFromToken reads the signed-in user from the id_token claims.
// The signature is not verified.
func accountFromToken(tok *oauth2.Token) protocol.Identity {
	raw, _ := tok.Extra("id_token").(string)
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return protocol.Identity{}
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return protocol.Identity{}
	}
	var claims struct {
		OID               string `json:"oid"`
		Subject           string `json:"sub"`
		PreferredUsername string `json:"preferred_username"`
		Email             string `json:"email"`
		Name              string `json:"name"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return protocol.Identity{}
	}

	id := protocol.Identity{ID: claims.OID, Email: claims.Email, DisplayName: claims.Name}
	if id.ID == "" {
		id.ID = claims.Subject
	}
	if id.Email == "" {
		id.Email = claims.PreferredUsername
	}
	return id
}
