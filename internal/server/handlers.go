package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/christopherjohns/chatguard/internal/apperr"
	"github.com/christopherjohns/chatguard/internal/logging"
	"github.com/christopherjohns/chatguard/internal/ratelimit"
	"github.com/christopherjohns/chatguard/internal/review"
	"github.com/christopherjohns/chatguard/internal/token"
	"github.com/christopherjohns/chatguard/internal/user"
	"github.com/christopherjohns/chatguard/internal/ws"
	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 64 << 10

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type usernameRequest struct {
	Username string `json:"username"`
}

// registerRequest also accepts robloxId, the name older clients send for
// the external id.
type registerRequest struct {
	user.RegisterInput
	RobloxID string `json:"robloxId"`
}

type banRequest struct {
	Username string `json:"username"`
	Reason   string `json:"reason"`
}

type submitRequest struct {
	Username string `json:"username"`
	Body     string `json:"body"`
}

type registerResponse struct {
	Token string          `json:"token"`
	User  user.PublicUser `json:"user"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCheckUsername(w http.ResponseWriter, r *http.Request) {
	var req usernameRequest
	if !s.decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Users.CheckUsernameAvailable(req.Username))
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decode(w, r, &req) {
		return
	}
	in := req.RegisterInput
	if in.ExternalID == "" {
		in.ExternalID = req.RobloxID
	}
	in.SourceIP = ratelimit.ClientIP(r)

	tok, pub, err := s.deps.Users.Register(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{Token: tok, User: pub})
}

func (s *Server) handleVerifyToken(w http.ResponseWriter, r *http.Request) {
	raw := bearer(r)
	u, err := s.deps.Users.Resume(raw)
	if err != nil {
		// A deleted account may belong to a banned user; report that instead.
		if errors.Is(err, apperr.ErrAuth) && s.deps.Sessions != nil {
			if _, aerr := s.deps.Sessions.Authenticate(raw); errors.Is(aerr, apperr.ErrBanned) {
				err = aerr
			}
		}
		s.log.Info("token rejected", "token", logging.MaskToken(raw), "code", apperr.KindOf(err))
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "user": u.Public()})
}

func (s *Server) handleBan(w http.ResponseWriter, r *http.Request) {
	var req banRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.deps.Moderation.Ban(r.Context(), bearer(r), req.Username, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUnban(w http.ResponseWriter, r *http.Request) {
	var req usernameRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.deps.Moderation.Unban(r.Context(), bearer(r), req.Username)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCheckBan(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Moderation.CheckBan(chi.URLParam(r, "username")))
}

func (s *Server) handleListBans(w http.ResponseWriter, r *http.Request) {
	bans, err := s.deps.Moderation.ListBans(bearer(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bans)
}

type connectionsResponse struct {
	Stats   ws.ConnStats  `json:"stats"`
	Clients []ws.ConnInfo `json:"clients"`
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if _, err := token.RequireAdmin(bearer(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, connectionsResponse{
		Stats:   s.deps.Conns.Stats(),
		Clients: s.deps.Conns.Clients(),
	})
}

func (s *Server) handleSubmit(kind review.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if !s.decode(w, r, &req) {
			return
		}
		e, err := s.deps.Reviews.Submit(r.Context(), kind, req.Username, req.Body)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, e)
	}
}

func (s *Server) handleListReviews(kind review.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := s.deps.Reviews.List(bearer(r), kind)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Rooms.List())
}

func (s *Server) handleRoomMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.deps.Rooms.Members(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, r, apperr.Validation("Invalid JSON body"))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	code := string(apperr.KindOf(err))
	if code == "" {
		code = "internal"
	}
	writeJSON(w, status, errorBody{Error: apperr.Message(err), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func bearer(r *http.Request) string {
	return r.Header.Get("Authorization")
}
