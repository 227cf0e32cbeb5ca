package credentials

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"

	"convene/internal/calendar"
	"convene/internal/store"
)

// OAuthProvider yields credentials from stored calendar connections:
// Google connections are refreshed through OAuth2, CalDAV connections
// return their stored basic-auth secret.
type OAuthProvider struct {
	config *oauth2.Config
	conns  store.Connections
	logger *slog.Logger
}

// NewOAuthProvider creates a provider. config may be nil when only CalDAV
// connections are in use.
func NewOAuthProvider(config *oauth2.Config, conns store.Connections, logger *slog.Logger) *OAuthProvider {
	return &OAuthProvider{config: config, conns: conns, logger: logger}
}

// AccessToken implements Provider.
func (p *OAuthProvider) AccessToken(ctx context.Context, userID string, profile ScopeProfile) (calendar.Credential, error) {
	conn, err := p.conns.GetConnection(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return calendar.Credential{}, calendar.NewError(calendar.KindUnauthorized, calendar.OpToken, userID, "calendar not connected", nil)
	}
	if err != nil {
		return calendar.Credential{}, calendar.NewError(calendar.KindProviderUnavailable, calendar.OpToken, userID, "failed to load calendar connection", err)
	}

	switch calendar.Provider(conn.Provider) {
	case calendar.ProviderCalDAV:
		if conn.Username == "" || conn.Secret == "" {
			return calendar.Credential{}, calendar.NewError(calendar.KindUnauthorized, calendar.OpToken, userID, "caldav connection has no credentials", nil)
		}
		return calendar.Credential{
			UserID:      userID,
			Email:       conn.Email,
			Provider:    calendar.ProviderCalDAV,
			Username:    conn.Username,
			AccessToken: conn.Secret,
		}, nil

	case calendar.ProviderGoogle:
		return p.refreshGoogle(ctx, userID, conn.Email, conn.RefreshToken, conn.Scopes)

	default:
		return calendar.Credential{}, calendar.NewError(calendar.KindUnauthorized, calendar.OpToken, userID, "unknown calendar provider "+conn.Provider, nil)
	}
}

func (p *OAuthProvider) refreshGoogle(ctx context.Context, userID, email, refreshToken string, storedScopes []string) (calendar.Credential, error) {
	if p.config == nil {
		return calendar.Credential{}, calendar.NewError(calendar.KindUnauthorized, calendar.OpToken, userID, "google oauth is not configured", nil)
	}
	if refreshToken == "" {
		return calendar.Credential{}, calendar.NewError(calendar.KindUnauthorized, calendar.OpToken, userID, "no refresh token stored", nil)
	}

	tok, err := p.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return calendar.Credential{}, classifyTokenError(err, userID)
	}

	scopes := storedScopes
	if s, ok := tok.Extra("scope").(string); ok && s != "" {
		scopes = ParseScopes(s)
	}

	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		p.rotate(ctx, userID, tok.RefreshToken, scopes)
	}

	p.logger.Debug("Refreshed Google access token", "user", userID, "expiry", tok.Expiry)
	return calendar.Credential{
		UserID:      userID,
		Email:       email,
		Provider:    calendar.ProviderGoogle,
		AccessToken: tok.AccessToken,
		Scopes:      scopes,
		Expiry:      tok.Expiry,
	}, nil
}

// rotate stores a new refresh token issued during refresh. Failure is
// logged; the old token stays usable until the provider revokes it.
func (p *OAuthProvider) rotate(ctx context.Context, userID, refreshToken string, scopes []string) {
	conn, err := p.conns.GetConnection(ctx, userID)
	if err != nil {
		p.logger.Warn("Could not reload connection to rotate refresh token", "user", userID, "error", err)
		return
	}
	conn.RefreshToken = refreshToken
	conn.Scopes = scopes
	if err := p.conns.SaveConnection(ctx, conn); err != nil {
		p.logger.Warn("Could not store rotated refresh token", "user", userID, "error", err)
	}
}

func classifyTokenError(err error, userID string) *calendar.Error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.ErrorCode == "invalid_grant" || rerr.ErrorCode == "unauthorized_client" ||
			(rerr.Response != nil && (rerr.Response.StatusCode == http.StatusBadRequest || rerr.Response.StatusCode == http.StatusUnauthorized)) {
			return calendar.NewError(calendar.KindUnauthorized, calendar.OpToken, userID, "refresh token expired or revoked", err)
		}
	}
	return calendar.NewError(calendar.KindProviderUnavailable, calendar.OpToken, userID, "token endpoint unavailable", err)
}
