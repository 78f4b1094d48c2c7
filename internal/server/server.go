// Package server exposes the client-facing HTTP API: the identity token
// endpoint, account management, vault sync and cipher/folder CRUD, and the
// icon redirect service.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"keywarden/internal/audit"
	"keywarden/internal/auth"
	"keywarden/internal/session"
	"keywarden/internal/store"
)

type Server struct {
	cfg      Config
	log      zerolog.Logger
	router   *mux.Router
	store    store.Store
	sessions *session.Service
	audit    *audit.Log

	loginByIP    *loginThrottle
	loginByEmail *loginThrottle
}

func New(cfg Config, st store.Store, signer *auth.SigningContext, logger zerolog.Logger) *Server {
	cfg.setDefaults()

	sessions := session.NewService(st, signer)
	sessions.TokenTTL = cfg.TokenTTL
	sessions.AllowSignups = cfg.AllowSignups

	s := &Server{
		cfg:      cfg,
		log:      logger,
		router:   mux.NewRouter(),
		store:    st,
		sessions: sessions,
		audit:    audit.New(),

		loginByIP:    newLoginThrottle(10, time.Minute, time.Hour),
		loginByEmail: newLoginThrottle(5, time.Minute, time.Hour),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panic")
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}()

	start := time.Now()
	s.router.ServeHTTP(w, r)
	s.log.Debug().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Dur("took", time.Since(start)).
		Msg("request")
}

func (s *Server) routes() {
	identity := s.router.PathPrefix(s.cfg.IdentityBaseURL).Subrouter()
	identity.HandleFunc("/connect/token", s.handleConnectToken).Methods(http.MethodPost)

	api := s.router.PathPrefix(s.cfg.BaseURL).Subrouter()

	api.HandleFunc("/accounts/prelogin", s.handlePrelogin).Methods(http.MethodPost)
	api.HandleFunc("/accounts/register", s.handleRegister).Methods(http.MethodPost)

	api.Handle("/accounts/profile", s.authed(s.handleProfileGet)).Methods(http.MethodGet)
	api.Handle("/accounts/profile", s.authed(s.handleProfileUpdate)).Methods(http.MethodPost, http.MethodPut)
	api.Handle("/accounts/password", s.authed(s.handlePasswordChange)).Methods(http.MethodPost)
	api.Handle("/accounts/keys", s.authed(s.handleKeys)).Methods(http.MethodPost)
	api.Handle("/accounts/revision-date", s.authed(s.handleRevisionDate)).Methods(http.MethodGet)

	api.Handle("/sync", s.authed(s.handleSync)).Methods(http.MethodGet)

	api.Handle("/ciphers", s.authed(s.handleCipherCreate)).Methods(http.MethodPost)
	api.Handle("/ciphers/{uuid}", s.authed(s.handleCipherUpdate)).Methods(http.MethodPut)
	api.Handle("/ciphers/{uuid}", s.authed(s.handleCipherDelete)).Methods(http.MethodDelete)
	api.Handle("/ciphers/{uuid}/delete", s.authed(s.handleCipherDelete)).Methods(http.MethodPut)

	api.Handle("/folders", s.authed(s.handleFolderCreate)).Methods(http.MethodPost)
	api.Handle("/folders/{uuid}", s.authed(s.handleFolderUpdate)).Methods(http.MethodPut)
	api.Handle("/folders/{uuid}", s.authed(s.handleFolderDelete)).Methods(http.MethodDelete)

	api.Handle("/devices/identifier/{uuid}/token", s.authed(s.handlePushToken)).Methods(http.MethodPut)
	api.Handle("/devices/identifier/{uuid}/clear-token", s.authed(s.handleClearPushToken)).Methods(http.MethodPut)

	icons := s.router.PathPrefix(s.cfg.IconsURL).Subrouter()
	icons.HandleFunc("/{domain}/icon.png", s.handleIcon).Methods(http.MethodGet)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type authedHandler func(w http.ResponseWriter, r *http.Request, acct *store.Account)

// authed resolves the bearer token to an account before running the handler.
// Matching the upstream server, a bad bearer is a 400 validation error, not
// a 401.
func (s *Server) authed(h authedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			validationError(w, "invalid bearer")
			return
		}
		acct, _, err := s.sessions.AccountFromToken(r.Context(), token)
		if err != nil {
			validationError(w, "invalid bearer")
			return
		}
		h(w, r, acct)
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info().Str("addr", s.cfg.Addr).Msg("listening")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
