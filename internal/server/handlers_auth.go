// handlers_auth.go - Login, challenge-response and logout endpoints.
package server

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

type passwordLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handlePasswordLogin(w http.ResponseWriter, r *http.Request) {
	var req passwordLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Username == "" || req.Password == "" {
		http.Error(w, "username and password are required", http.StatusBadRequest)
		return
	}

	session, err := s.passwords.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	setSessionCookies(w, session)
	s.writeJSON(w, http.StatusOK, session)
}

type sshStep1Request struct {
	Username    string `json:"username"`
	Fingerprint string `json:"fingerprint"`
}

// handleSSHStep1 starts a challenge-response login. The response body is the
// raw RSA ciphertext of the ticket; only the holder of the private key can
// read it.
func (s *Server) handleSSHStep1(w http.ResponseWriter, r *http.Request) {
	var req sshStep1Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Username == "" || req.Fingerprint == "" {
		http.Error(w, "username and fingerprint are required", http.StatusBadRequest)
		return
	}

	ciphertext, err := s.sshAuth.Begin(r.Context(), req.Username, req.Fingerprint)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(ciphertext); err != nil {
		s.log.Error("write challenge", zap.Error(err))
	}
}

func (s *Server) handleSSHStep2(w http.ResponseWriter, r *http.Request) {
	var resp Ticket
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	session, err := s.sshAuth.Complete(r.Context(), resp)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	setSessionCookies(w, session)
	s.writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, err := sessionTokenFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.sessions.Delete(r.Context(), token); err != nil {
		s.writeError(w, r, err)
		return
	}

	clearSessionCookies(w)
	w.WriteHeader(http.StatusOK)
}
