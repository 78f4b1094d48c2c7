package server

import (
	"errors"
	"net/http"
	"regexp"
	"strings"

	"keywarden/internal/audit"
	"keywarden/internal/crypto"
	"keywarden/internal/session"
	"keywarden/internal/store"
)

var reEmail = regexp.MustCompile(`^.+@.+\..+$`)

func (s *Server) handlePrelogin(w http.ResponseWriter, r *http.Request) {
	p, err := parseParams(r)
	if err != nil {
		validationError(w, "invalid request body")
		return
	}
	if field, ok := p.require("email"); !ok {
		validationError(w, field+" cannot be blank")
		return
	}
	kdf := s.sessions.Prelogin(r.Context(), p.str("email"))
	writeJSON(w, map[string]any{
		"Kdf":           int(kdf.Type),
		"KdfIterations": kdf.Iterations,
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	p, err := parseParams(r)
	if err != nil {
		validationError(w, "invalid request body")
		return
	}
	if field, ok := p.require("masterpasswordhash", "key", "kdf", "kdfiterations"); !ok {
		validationError(w, field+" cannot be blank")
		return
	}
	if !reEmail.MatchString(p.str("email")) {
		validationError(w, "Invalid e-mail address")
		return
	}

	_, err = s.sessions.Register(r.Context(), session.RegisterRequest{
		Email:              p.str("email"),
		Name:               p.str("name"),
		MasterPasswordHash: p.str("masterpasswordhash"),
		MasterPasswordHint: p.str("masterpasswordhint"),
		Key:                p.str("key"),
		KdfType:            crypto.KdfType(p.intVal("kdf")),
		KdfIterations:      p.intVal("kdfiterations"),
	})
	switch {
	case errors.Is(err, session.ErrSignupsDisabled):
		validationError(w, "Signups are not permitted")
	case errors.Is(err, store.ErrDuplicateEmail):
		validationError(w, "E-mail is already in use")
	case errors.Is(err, crypto.ErrInvalidKdfParams):
		validationError(w, "invalid kdf iterations")
	case errors.Is(err, crypto.ErrInvalidCipherString):
		validationError(w, "Invalid key")
	case err != nil:
		s.log.Error().Err(err).Msg("register")
		validationError(w, "User save failed")
	default:
		s.audit.Record(audit.Registered, strings.ToLower(p.str("email")), clientIP(r))
		writeJSON(w, map[string]any{})
	}
}

func (s *Server) handleProfileGet(w http.ResponseWriter, _ *http.Request, acct *store.Account) {
	writeJSON(w, newProfileObject(acct))
}

func (s *Server) handleProfileUpdate(w http.ResponseWriter, r *http.Request, acct *store.Account) {
	p, err := parseParams(r)
	if err != nil {
		validationError(w, "invalid request body")
		return
	}
	if field, ok := p.require("name", "masterpasswordhint", "culture"); !ok {
		validationError(w, field+" cannot be blank")
		return
	}
	acct.Name = p.str("name")
	acct.PasswordHint = p.str("masterpasswordhint")
	acct.Culture = p.str("culture")
	if err := s.store.SaveAccount(r.Context(), acct); err != nil {
		s.log.Error().Err(err).Msg("profile update")
		validationError(w, "Unknown error")
		return
	}
	writeJSON(w, newProfileObject(acct))
}

func (s *Server) handlePasswordChange(w http.ResponseWriter, r *http.Request, acct *store.Account) {
	p, err := parseParams(r)
	if err != nil {
		validationError(w, "invalid request body")
		return
	}
	if field, ok := p.require("key", "masterpasswordhash", "newmasterpasswordhash"); !ok {
		validationError(w, field+" cannot be blank")
		return
	}
	err = s.sessions.ChangePassword(r.Context(), acct.UUID,
		p.str("masterpasswordhash"), p.str("newmasterpasswordhash"), p.str("key"))
	switch {
	case errors.Is(err, session.ErrInvalidCredentials):
		validationError(w, "Wrong current password")
	case errors.Is(err, crypto.ErrInvalidCipherString):
		validationError(w, "Invalid key")
	case err != nil:
		s.log.Error().Err(err).Msg("password change")
		validationError(w, "Unknown error")
	default:
		s.audit.Record(audit.PasswordChange, acct.Email, clientIP(r))
		writeJSON(w, map[string]any{})
	}
}

// handleKeys stores the asymmetric keypair uploaded by the web vault.
func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request, acct *store.Account) {
	p, err := parseParams(r)
	if err != nil {
		validationError(w, "invalid request body")
		return
	}
	priv := p.str("encryptedprivatekey")
	if !strings.HasPrefix(priv, "2.") || !strings.Contains(priv, "|") {
		validationError(w, "Invalid key")
		return
	}
	if err := s.sessions.UpdateKeys(r.Context(), acct.UUID, p.str("publickey"), priv); err != nil {
		validationError(w, "Invalid key")
		return
	}
	acct, err = s.store.AccountByUUID(r.Context(), acct.UUID)
	if err != nil {
		validationError(w, "Unknown error")
		return
	}
	writeJSON(w, newProfileObject(acct))
}

func (s *Server) handleRevisionDate(w http.ResponseWriter, _ *http.Request, acct *store.Account) {
	writeJSON(w, formatRevision(acct.UpdatedAt))
}
