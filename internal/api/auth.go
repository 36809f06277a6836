package api

import (
	"encoding/json"
	"net/http"

	"vpdcalc/internal/auth"
	"vpdcalc/internal/events"
)

// maxPasswordBytes is the longest password bcrypt accepts
const maxPasswordBytes = 72

// PasswordSetter persists a new admin password. config.Config implements it.
type PasswordSetter interface {
	SetAdminPassword(password string) error
}

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	authenticator *auth.Authenticator
	jwtManager    *auth.JWTManager
	wsTokenStore  *auth.WSTokenStore
	eventStore    *events.Store
	rateLimiter   *auth.LoginRateLimiter
	passwords     PasswordSetter
}

// NewAuthHandler creates new auth handler
func NewAuthHandler(authenticator *auth.Authenticator, jwtManager *auth.JWTManager, wsTokenStore *auth.WSTokenStore,
	rateLimiter *auth.LoginRateLimiter, eventStore *events.Store, passwords PasswordSetter) *AuthHandler {
	return &AuthHandler{
		authenticator: authenticator,
		jwtManager:    jwtManager,
		wsTokenStore:  wsTokenStore,
		eventStore:    eventStore,
		rateLimiter:   rateLimiter,
		passwords:     passwords,
	}
}

// LoginRequest represents login request body
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse represents login response
type LoginResponse struct {
	Success bool       `json:"success"`
	Message string     `json:"message,omitempty"`
	User    *auth.User `json:"user,omitempty"`
	Token   string     `json:"token,omitempty"`
}

// Login handles POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	clientIP := getClientIP(r)

	if allowed, _ := h.rateLimiter.Allow(clientIP); !allowed {
		writeJSON(w, http.StatusTooManyRequests, LoginResponse{
			Success: false,
			Message: "Too many login attempts",
		})
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, LoginResponse{
			Success: false,
			Message: "Invalid request body",
		})
		return
	}

	if req.Username == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, LoginResponse{
			Success: false,
			Message: "Username and password are required",
		})
		return
	}

	user, err := h.authenticator.Authenticate(req.Username, req.Password)
	if err != nil {
		h.eventStore.Add(events.EventLoginFailed, req.Username, clientIP, false, "")
		writeJSON(w, http.StatusUnauthorized, LoginResponse{
			Success: false,
			Message: "Invalid username or password",
		})
		return
	}

	h.rateLimiter.Reset(clientIP)

	token, err := h.jwtManager.GenerateToken(user)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, LoginResponse{
			Success: false,
			Message: "Failed to generate token",
		})
		return
	}

	auth.SetAuthCookie(w, r, token, int(h.jwtManager.TokenDuration().Seconds()))
	h.eventStore.Add(events.EventLogin, user.Username, clientIP, true, "")

	// The token is also returned for clients that send a Bearer header
	writeJSON(w, http.StatusOK, LoginResponse{
		Success: true,
		User:    user,
		Token:   token,
	})
}

// Logout handles POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	username := ""
	if user := auth.GetUserFromContext(r.Context()); user != nil {
		username = user.Username
	}

	auth.ClearAuthCookie(w)
	h.eventStore.Add(events.EventLogout, username, getClientIP(r), true, "")

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Me handles GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user": user,
	})
}

// WSToken handles GET /api/auth/ws-token.
// Returns a one-time token for opening the live readings websocket.
func (h *AuthHandler) WSToken(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	token, err := h.wsTokenStore.Generate(user.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// ChangePassword handles PUT /api/auth/password
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r.Context())

	var req struct {
		Current string `json:"current_password"`
		New     string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.New) < 8 {
		writeError(w, http.StatusBadRequest, "New password must be at least 8 characters")
		return
	}
	if len(req.New) > maxPasswordBytes {
		writeError(w, http.StatusBadRequest, "New password must be at most 72 bytes")
		return
	}
	if _, err := h.authenticator.Authenticate(user.Username, req.Current); err != nil {
		h.eventStore.Add(events.EventPasswordChanged, user.Username, getClientIP(r), false, "wrong current password")
		writeError(w, http.StatusForbidden, "Current password is wrong")
		return
	}

	if err := h.passwords.SetAdminPassword(req.New); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save password")
		return
	}
	h.eventStore.Add(events.EventPasswordChanged, user.Username, getClientIP(r), true, "")

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
