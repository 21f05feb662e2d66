package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	gorilla "github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"salonchat/internal/db"
	"salonchat/internal/models"
)

type contextKey string

const (
	userContextKey contextKey = "user"

	authTimeout = 10 * time.Second
)

type Handlers struct {
	db            *db.DB
	hub           *Hub
	auth          *Authenticator
	allowedOrigin string
	logger        *zap.Logger
	upgrader      gorilla.Upgrader
}

func NewHandlers(database *db.DB, hub *Hub, auth *Authenticator, allowedOrigin string, logger *zap.Logger) *Handlers {
	h := &Handlers{
		db:            database,
		hub:           hub,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		logger:        logger.Named("api"),
	}
	h.upgrader = gorilla.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// non-browser clients send no Origin
			origin := r.Header.Get("Origin")
			return origin == "" || origin == h.allowedOrigin
		},
	}
	return h
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func userFrom(r *http.Request) (*models.User, bool) {
	user, ok := r.Context().Value(userContextKey).(*models.User)
	return user, ok && user != nil
}

// Middleware
func (h *Handlers) WithAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/login", "/api/auth/register", "/api/auth/logout", "/metrics":
			next.ServeHTTP(w, r)
			return
		}
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		raw := requestToken(r)
		if raw == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		userID, err := h.auth.ParseToken(raw)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		user, err := h.db.GetUserByID(userID)
		if err != nil {
			http.Error(w, "User not found", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handlers) WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", h.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Auth handlers
func (h *Handlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req models.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		http.Error(w, "Username and password are required", http.StatusBadRequest)
		return
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	user, err := h.db.CreateUser(req.Username, string(hashedPassword), req.FirstName, req.LastName, req.Role)
	if err != nil {
		h.logger.Info("register failed", zap.String("username", req.Username), zap.Error(err))
		http.Error(w, "Username already exists", http.StatusConflict)
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	user, err := h.db.GetUserByUsername(req.Username)
	if err != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	tokenString, err := h.auth.IssueToken(user.ID)
	if err != nil {
		http.Error(w, "Failed to create token", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     authCookie,
		Value:    tokenString,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(tokenTTL.Seconds()),
	})

	writeJSON(w, http.StatusOK, models.LoginResponse{Token: tokenString, User: *user})
}

func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     authCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	w.WriteHeader(http.StatusOK)
}

func (h *Handlers) HandleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, ok := userFrom(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// Conversation handlers
func (h *Handlers) HandleConversations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listConversations(w, r)
	case http.MethodPost:
		h.createConversation(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) listConversations(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conversations, err := h.db.GetUserConversations(user.ID)
	if err != nil {
		h.logger.Error("failed to fetch conversations", zap.String("user_id", user.ID), zap.Error(err))
		http.Error(w, "Failed to fetch conversations", http.StatusInternalServerError)
		return
	}

	h.logger.Debug("found conversations", zap.String("user_id", user.ID), zap.Int("count", len(conversations)))
	writeJSON(w, http.StatusOK, conversations)
}

func (h *Handlers) createConversation(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req models.CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		req.Name = user.Username
	}

	// Add the current user to participants if not already included
	hasCurrentUser := false
	for _, participantID := range req.Participants {
		if participantID == user.ID {
			hasCurrentUser = true
			break
		}
	}
	if !hasCurrentUser {
		req.Participants = append(req.Participants, user.ID)
	}

	conversation, err := h.db.CreateConversation(req.Name, req.Participants)
	if err != nil {
		h.logger.Error("failed to create conversation", zap.Error(err))
		http.Error(w, "Failed to create conversation", http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusCreated, conversation)
}

func (h *Handlers) HandleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, ok := userFrom(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		http.Error(w, "Invalid conversation ID", http.StatusBadRequest)
		return
	}
	if member, err := h.db.IsParticipant(conversationID, user.ID); err != nil || !member {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	limit := historyLimit
	offset := 0
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, _ = strconv.Atoi(offsetStr)
	}

	messages, err := h.db.GetConversationMessages(conversationID, limit, offset)
	if err != nil {
		http.Error(w, "Failed to fetch messages", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, messages)
}

func (h *Handlers) HandleUnreadCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, ok := userFrom(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	count, err := h.db.CountUnread(user.ID)
	if err != nil {
		h.logger.Error("failed to count unread", zap.String("user_id", user.ID), zap.Error(err))
		http.Error(w, "Failed to count unread messages", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, models.UnreadCountResponse{Count: count})
}

// HandleWebSocket upgrades the connection and expects an auth frame before
// anything else.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.logger.Debug("websocket connection attempt", zap.String("remote", r.RemoteAddr))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	user, err := h.authenticate(conn)
	if err != nil {
		h.logger.Info("websocket auth rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		reject(conn, err.Error())
		return
	}
	conn.SetReadDeadline(time.Time{})

	client := NewClient(h.hub, conn, user)
	if !h.hub.register(client) {
		reject(conn, "server shutting down")
		return
	}
	h.logger.Info("websocket authenticated", zap.String("user", user.Username), zap.String("user_id", user.ID))

	go client.WritePump()
	go client.ReadPump()

	if total, err := h.db.CountUnread(user.ID); err == nil {
		client.emit(models.EventUnreadCountUpdated, models.UnreadCountPayload{TotalUnread: total})
	}
}

var errAuthRequired = errors.New("authentication required")

func (h *Handlers) authenticate(conn *gorilla.Conn) (*models.User, error) {
	deadline := time.Now().Add(authTimeout)
	conn.SetReadDeadline(deadline)

	var env models.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		return nil, errAuthRequired
	}
	if env.Type != models.EventAuth {
		return nil, errAuthRequired
	}
	var p models.AuthPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Token == "" {
		return nil, errAuthRequired
	}

	userID, err := h.auth.ParseToken(p.Token)
	if err != nil {
		return nil, ErrInvalidToken
	}
	user, err := h.db.GetUserByID(userID)
	if err != nil {
		return nil, errors.New("user not found")
	}

	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(models.Envelope{Type: models.EventConnect}); err != nil {
		return nil, err
	}
	return user, nil
}

func reject(conn *gorilla.Conn, message string) {
	env, err := models.NewEnvelope(models.EventConnectError, models.ErrorPayload{Message: message})
	if err == nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteJSON(env)
		conn.WriteMessage(gorilla.CloseMessage, gorilla.FormatCloseMessage(gorilla.ClosePolicyViolation, message))
	}
	conn.Close()
}
