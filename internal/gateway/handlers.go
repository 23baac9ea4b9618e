package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/markus-barta/housectl/internal/dispatch"
	"github.com/markus-barta/housectl/internal/identity"
	"github.com/markus-barta/housectl/internal/protocol"
	"github.com/markus-barta/housectl/internal/registry"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// originChecker allows requests without an Origin header (controllers are
// not browsers) and, when a list is configured, only the listed origins.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, a := range allowed {
			if strings.EqualFold(a, origin) || strings.EqualFold(a, u.Host) {
				return true
			}
		}
		return false
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	scopes, conns := s.registry.Stats()
	writeJSON(w, http.StatusOK, map[string]int{
		"scopes":      scopes,
		"connections": conns,
	})
}

// handleLogin processes a login form submission.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if s.auth.IsRateLimited(ip) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many attempts, please wait"})
		return
	}

	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request"})
		return
	}

	username := r.FormValue("username")
	who, err := s.auth.Authenticate(r.Context(), username, r.FormValue("password"), r.FormValue("totp"))
	if errors.Is(err, identity.ErrInvalidCredentials) {
		s.log.Warn().Str("ip", ip).Str("username", username).Msg("failed login attempt")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("login failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server error"})
		return
	}

	session, err := s.auth.CreateSession(r.Context(), who.UserID)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to create session")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server error"})
		return
	}

	s.auth.ResetRateLimit(ip)
	s.auth.SetSessionCookie(w, session)
	s.log.Info().Stringer("who", who).Msg("login")
	writeJSON(w, http.StatusOK, sessionBody(who, session))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if session := sessionFromContext(r.Context()); session != nil {
		_ = s.auth.DeleteSession(r.Context(), session.ID)
	}
	s.auth.ClearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	who, _ := identityFromContext(r.Context())
	writeJSON(w, http.StatusOK, sessionBody(who, sessionFromContext(r.Context())))
}

func sessionBody(who identity.Identity, session *identity.Session) map[string]any {
	return map[string]any{
		"user_id":    who.UserID,
		"role":       who.Role,
		"house_id":   who.HouseID,
		"csrf_token": session.CSRFToken,
	}
}

var resultStatus = map[dispatch.Result]int{
	dispatch.ResultOK:        http.StatusOK,
	dispatch.ResultOffline:   http.StatusServiceUnavailable,
	dispatch.ResultNotFound:  http.StatusNotFound,
	dispatch.ResultForbidden: http.StatusForbidden,
}

func writeResult(w http.ResponseWriter, res dispatch.Result, out dispatch.Outcome) {
	body := map[string]any{"status": res}
	if res == dispatch.ResultOK {
		body["recipients"] = out.Recipients
	}
	writeJSON(w, resultStatus[res], body)
}

// handleToggle dispatches a toggle for one device to its scope.
func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	deviceID, err := strconv.ParseInt(chi.URLParam(r, "deviceID"), 10, 64)
	if err != nil || deviceID <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid device id"})
		return
	}

	who, _ := identityFromContext(r.Context())
	res, out, err := s.commands.Toggle(r.Context(), who, deviceID)
	if err != nil {
		s.log.Error().Err(err).Int64("device_id", deviceID).Msg("toggle failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server error"})
		return
	}
	writeResult(w, res, out)
}

// handleLight switches the light of the caller's own scope.
func (s *Server) handleLight(w http.ResponseWriter, r *http.Request) {
	var on bool
	switch r.URL.Query().Get("action") {
	case "on":
		on = true
	case "off":
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "action must be on or off"})
		return
	}

	who, _ := identityFromContext(r.Context())
	res, out, err := s.commands.Light(r.Context(), who, on)
	if err != nil {
		s.log.Error().Err(err).Msg("light command failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server error"})
		return
	}
	writeResult(w, res, out)
}

// handleWebSocket is the controller endpoint. The scope is resolved from the
// handshake query before upgrading; the connection is registered for as long
// as its read loop runs and deregistered exactly once when it ends.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.cfg.ControllerToken != "" {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || !s.validControllerToken(token) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	scope, err := s.cfg.ScopeMode.FromQuery(r.URL.Query())
	if err != nil {
		s.log.Warn().Err(err).Str("ip", clientIP(r)).Msg("controller rejected")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !s.beginEndpoint() {
		http.Error(w, "Shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.active.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	conn := newConn(uuid.NewString(), scope, ws, s.cfg.SendBuffer, connTimings{
		pongWait:       s.cfg.PongWait,
		pingPeriod:     s.cfg.PingPeriod(),
		writeWait:      s.cfg.WriteWait,
		maxMessageSize: s.cfg.MaxMessageSize,
	}, s.log)

	s.registry.Register(scope, conn)
	conn.setState(stateRegistered)
	conn.log.Info().Str("ip", clientIP(r)).Msg("controller connected")
	defer s.release(conn)

	// A connection registered after the drain snapshot is closed here.
	if s.draining.Load() {
		return
	}

	go conn.writePump()
	conn.readPump(s.handleControllerMessage)
}

// beginEndpoint counts a new controller endpoint unless the server is
// draining. The check and the Add happen under drainMu so no Add can follow
// the Wait in shutdown.
func (s *Server) beginEndpoint() bool {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()
	if s.draining.Load() {
		return false
	}
	s.active.Add(1)
	return true
}

func (s *Server) release(conn *Conn) {
	s.registry.Deregister(conn.Scope(), conn)
	_ = conn.Close()
	conn.setState(stateClosed)
	conn.log.Info().Msg("controller disconnected")
}

func (s *Server) validControllerToken(token string) bool {
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.ControllerToken)) == 1
}

// handleControllerMessage handles one inbound controller frame. Frames that
// do not decode are logged and dropped; they never end the connection.
func (s *Server) handleControllerMessage(c *Conn, data []byte) {
	msg, err := protocol.DecodeInbound(data)
	if err != nil {
		c.log.Debug().Err(err).Msg("ignoring controller message")
		return
	}

	switch msg.Type {
	case protocol.TypePing:
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteWait)
		defer cancel()
		if err := c.Send(ctx, protocol.Pong()); err != nil {
			c.log.Debug().Err(err).Msg("failed to answer ping")
		}

	case protocol.TypeAck:
		ev := c.log.Info()
		if msg.Error != "" {
			ev = c.log.Warn().Str("error", msg.Error)
		}
		ev.Int64("device_id", msg.DeviceID).
			Str("state", msg.State).
			Msg("controller ack")
	}
}

var _ registry.Connection = (*Conn)(nil)
