package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/mail"
	"strings"

	"directChat/pkg/api"
	myMiddleware "directChat/pkg/middleware"
	"github.com/rs/zerolog/log"
)

// maxBodySize bounds the JSON request bodies.
const maxBodySize = 1 << 16

const loginPage = `<!doctype html>
<html><head><title>Direct Chat</title></head>
<body><h1>Direct Chat</h1><p>Sign in with Google or with your email and password.</p></body></html>
`

const homePage = `<!doctype html>
<html><head><title>Direct Chat</title></head>
<body><h1>Direct Chat</h1><p>Connect to /home/ws to chat.</p></body></html>
`

type loginRequest struct {
	IDToken string `json:"idToken"`
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Participant api.Participant `json:"participant"`
	CustomToken string          `json:"customToken,omitempty"`
	Toast       api.Toast       `json:"toast"`
}

type errorResponse struct {
	Toast api.Toast `json:"toast"`
}

func (s *Server) Index() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, loginPage)
	}
}

func (s *Server) Home() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, homePage)
	}
}

func (s *Server) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok")
	}
}

// Login exchanges a federated sign-in ID token for a session cookie and
// makes sure the participant has a user document.
func (s *Server) Login() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var request loginRequest
		if err := decodeBody(w, r, &request); err != nil {
			writeToast(w, http.StatusBadRequest, "error", "Invalid sign in request")
			return
		}

		identity, err := s.auth.VerifyIDToken(r.Context(), request.IDToken)
		if err != nil {
			log.Info().Err(err).Msg("Sign in failed")
			writeToast(w, http.StatusUnauthorized, "error", "Unable to sign in")
			return
		}

		participant, err := s.userService.Provision(r.Context(), identity)
		if err != nil {
			log.Error().Err(err).Str("uid", identity.UID).Msg("Unable to provision user")
			writeToast(w, http.StatusInternalServerError, "error", "Unable to sign in")
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     myMiddleware.SessionCookie,
			Value:    request.IDToken,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
		writeJSON(w, http.StatusOK, authResponse{
			Participant: participant,
			Toast:       api.Toast{Level: "success", Message: "Signed in"},
		})
		log.Info().Str("uid", participant.UID).Msg("Successfully signed in")
	}
}

// Register creates an email and password account. The browser signs in
// with the returned custom token.
func (s *Server) Register() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var request registerRequest
		if err := decodeBody(w, r, &request); err != nil {
			writeToast(w, http.StatusBadRequest, "error", "Invalid registration request")
			return
		}
		if _, err := mail.ParseAddress(request.Email); err != nil || len(request.Password) < 6 {
			writeToast(w, http.StatusBadRequest, "error", "A valid email and a password of at least 6 characters are required")
			return
		}

		identity, err := s.auth.CreateUserWithPassword(r.Context(), request.Email, request.Password)
		if err != nil {
			log.Info().Err(err).Msg("Unable to create account")
			writeToast(w, http.StatusBadRequest, "error", "Unable to create account")
			return
		}

		participant, err := s.userService.Provision(r.Context(), identity)
		if err != nil {
			log.Error().Err(err).Str("uid", identity.UID).Msg("Unable to provision user")
			writeToast(w, http.StatusInternalServerError, "error", "Unable to create account")
			return
		}

		token, err := s.auth.CustomToken(r.Context(), identity.UID)
		if err != nil {
			log.Error().Err(err).Str("uid", identity.UID).Msg("Unable to mint custom token")
			writeToast(w, http.StatusInternalServerError, "error", "Account created, please sign in")
			return
		}

		writeJSON(w, http.StatusCreated, authResponse{
			Participant: participant,
			CustomToken: token,
			Toast:       api.Toast{Level: "success", Message: "Account created"},
		})
		log.Info().Str("uid", participant.UID).Msg("Successfully created account")
	}
}

func (s *Server) SearchContacts() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("q")

		contacts, err := s.userService.SearchContacts(r.Context(), query)
		if err != nil {
			log.Debug().Err(err).Str("query", query).Msg("Contact search failed")
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		writeJSON(w, http.StatusOK, contacts)
	}
}

// GetContacts looks up directory entries by uid, given as ?ids=a,b.
func (s *Server) GetContacts() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ids []string
		for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}

		contacts, err := s.userService.GetContacts(r.Context(), ids)
		if err != nil {
			log.Debug().Err(err).Msg("Contact lookup failed")
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		writeJSON(w, http.StatusOK, contacts)
	}
}

func (s *Server) PatchProfile() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, _ := myMiddleware.IdentityFrom(r.Context())

		patchJSON, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
		if err != nil {
			http.Error(w, "Couldn't read request", http.StatusBadRequest)
			return
		}

		participant, err := s.userService.PatchProfile(r.Context(), identity.UID, patchJSON)
		if errors.Is(err, api.ErrNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		if err != nil {
			log.Debug().Err(err).Str("uid", identity.UID).Msg("Unable to patch profile")
			http.Error(w, "Couldn't process request", http.StatusBadRequest)
			return
		}

		writeJSON(w, http.StatusOK, participant)
	}
}

// Logout marks the participant offline, ends their open sessions and
// clears the session cookie.
func (s *Server) Logout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, _ := myMiddleware.IdentityFrom(r.Context())

		// Open sessions stop writing presence before the offline write.
		s.hub.Logout(identity.UID)
		presence := api.NewPresenceTracker(identity.UID, s.store, s.options.Session.Clock, s.options.Session.Debounce, s.options.Session.Retry)
		if err := presence.Logout(r.Context()); err != nil {
			log.Error().Err(err).Str("uid", identity.UID).Msg("Unable to update online status on logout")
		}

		http.SetCookie(w, &http.Cookie{
			Name:     myMiddleware.SessionCookie,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
		})
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) ServeWs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := myMiddleware.IdentityFrom(r.Context())
		if !ok {
			myMiddleware.Unauthorized(w, r)
			return
		}

		participant, err := s.userService.Provision(r.Context(), identity)
		if err != nil {
			log.Error().Err(err).Str("uid", identity.UID).Msg("Unable to load user")
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("Unable to upgrade connection")
			return
		}

		client := api.NewClient(s.hub, conn, make(chan []byte, 256), participant.UID)
		session := api.NewSession(s.ctx, participant, s.store, client.Emit, s.options.Session)
		client.Attach(session)
		if !s.hub.Join(client) {
			session.Close()
			_ = conn.Close()
			return
		}

		if err := session.Start(); err != nil {
			log.Error().Err(err).Str("uid", participant.UID).Msg("Unable to start session")
		}
		log.Info().Str("uid", participant.UID).Msg("Connected to websocket")

		// Allow collection of memory referenced by the caller by doing all work in
		// new goroutines.
		go client.WritePump()
		go client.ReadPump()
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func writeToast(w http.ResponseWriter, status int, level string, message string) {
	writeJSON(w, status, errorResponse{Toast: api.Toast{Level: level, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Unable to encode response")
	}
}
