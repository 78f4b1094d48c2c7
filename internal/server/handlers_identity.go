package server

import (
	"errors"
	"net/http"

	"keywarden/internal/audit"
	"keywarden/internal/session"
)

// handleConnectToken is the OAuth-shaped token endpoint. grant_type password
// logs in and registers/updates the device; grant_type refresh_token mints a
// new access token for an existing device.
func (s *Server) handleConnectToken(w http.ResponseWriter, r *http.Request) {
	p, err := parseParams(r)
	if err != nil {
		validationError(w, "invalid request body")
		return
	}
	ip := clientIP(r)

	switch p.str("grant_type") {
	case "password":
		if field, ok := p.require("client_id", "grant_type", "deviceidentifier",
			"devicename", "devicetype", "password", "scope", "username"); !ok {
			validationError(w, field+" cannot be blank")
			return
		}
		if p.str("scope") != "api offline_access" {
			validationError(w, "scope not supported")
			return
		}

		email := p.str("username")
		if !s.loginByIP.allow(ip) || !s.loginByEmail.allow(email) {
			tooMany(w, 60)
			return
		}

		resp, err := s.sessions.PasswordGrant(r.Context(), session.PasswordGrantRequest{
			Email:          email,
			PasswordHash:   p.str("password"),
			TwoFactorToken: p.str("twofactortoken"),
			Device: session.DeviceInfo{
				UUID:      p.str("deviceidentifier"),
				Name:      p.str("devicename"),
				Type:      p.intVal("devicetype"),
				PushToken: p.str("devicepushtoken"),
			},
		})
		switch {
		case errors.Is(err, session.ErrTwoFactorRequired), errors.Is(err, session.ErrTwoFactorInvalid):
			s.audit.Record(audit.LoginTwoFactor, email, ip)
			writeJSONStatus(w, http.StatusBadRequest, map[string]any{
				"error":              "invalid_grant",
				"error_description":  "Two factor required.",
				"TwoFactorProviders": []int{0},
				"TwoFactorProviders2": map[string]any{
					"0": nil,
				},
			})
			return
		case errors.Is(err, session.ErrInvalidCredentials):
			s.audit.Record(audit.LoginFailed, email, ip)
			validationError(w, "Invalid username or password")
			return
		case err != nil:
			s.log.Error().Err(err).Msg("password grant")
			validationError(w, "Unknown error")
			return
		}
		s.audit.Record(audit.LoginOK, email, ip)
		writeJSON(w, resp)

	case "refresh_token":
		if field, ok := p.require("refresh_token"); !ok {
			validationError(w, field+" cannot be blank")
			return
		}
		resp, err := s.sessions.RefreshGrant(r.Context(), p.str("refresh_token"))
		if errors.Is(err, session.ErrInvalidGrant) {
			validationError(w, "Invalid refresh token")
			return
		}
		if err != nil {
			s.log.Error().Err(err).Msg("refresh grant")
			validationError(w, "Unknown error")
			return
		}
		s.audit.Record(audit.TokenRefreshed, "", ip)
		writeJSON(w, resp)

	default:
		validationError(w, "grant type not supported")
	}
}
