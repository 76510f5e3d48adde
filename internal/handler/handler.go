// Package handler содержит HTTP-обработчики API сервера штамп-ралли.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/stamprally-system/internal/middleware"
	"github.com/mmeshcher/stamprally-system/internal/model"
	"github.com/mmeshcher/stamprally-system/internal/repository"
	"github.com/mmeshcher/stamprally-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, in service.RegisterInput) (*model.User, error)
	AuthenticateUser(ctx context.Context, identifier, password, tenantID string) (*model.User, error)
	TenantAdminLogin(ctx context.Context, tenantID, password string) (*service.TenantAdminInfo, error)
	TenantInfo(ctx context.Context, tenantID string) (*service.TenantAdminInfo, error)
	ResetTenantPassword(ctx context.Context, tenantID, currentPassword, newPassword string) error
	Seed(ctx context.Context, tenantID string) (*model.TenantSeed, error)
	Progress(ctx context.Context, user *model.User) (*model.UserProgress, error)
	RecordStamp(ctx context.Context, user *model.User, storeID string) (*model.StampResult, error)
	UseCoupon(ctx context.Context, user *model.User, couponID string) (*model.Coupon, error)
}

// Handler реализует HTTP-обработчики API сервера штамп-ралли.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type registerRequest struct {
	TenantID string `json:"tenant_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Gender   string `json:"gender"`
	Age      *int   `json:"age"`
}

type userResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	TenantID string `json:"tenant_id"`
	Gender   string `json:"gender,omitempty"`
	Age      *int   `json:"age,omitempty"`
}

type authResponse struct {
	User        userResponse `json:"user"`
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
}

func newUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:       u.ID,
		Username: u.Username,
		Email:    u.Email,
		Role:     string(u.Role),
		TenantID: u.TenantID,
		Gender:   u.Gender,
		Age:      u.Age,
	}
}

// Register регистрирует нового участника и сразу выдаёт токен доступа.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.TenantID == "" || req.Username == "" || req.Email == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	user, err := h.service.RegisterUser(r.Context(), service.RegisterInput{
		TenantID: req.TenantID,
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Gender:   req.Gender,
		Age:      req.Age,
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrTenantNotFound):
			http.Error(w, "Tenant not found", http.StatusNotFound)
		case errors.Is(err, repository.ErrUserExists):
			http.Error(w, "Username or email already registered", http.StatusConflict)
		default:
			h.logger.Error("register user error", zap.Error(err), zap.String("tenantID", req.TenantID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	token, err := h.authMiddleware.IssueUserToken(user)
	if err != nil {
		h.logger.Error("issue token error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(authResponse{
		User:        newUserResponse(user),
		AccessToken: token,
		TokenType:   "bearer",
	}); err != nil {
		h.logger.Error("encode register response", zap.Error(err))
	}
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
	TenantID   string `json:"tenant_id"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// Login аутентифицирует участника по имени пользователя или почте.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Identifier == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	user, err := h.service.AuthenticateUser(r.Context(), req.Identifier, req.Password, req.TenantID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCredentials):
			http.Error(w, "Incorrect username or password", http.StatusUnauthorized)
		case errors.Is(err, service.ErrUserInactive):
			http.Error(w, "Inactive user account", http.StatusForbidden)
		default:
			h.logger.Error("login user error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	token, err := h.authMiddleware.IssueUserToken(user)
	if err != nil {
		h.logger.Error("issue token error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(tokenResponse{AccessToken: token, TokenType: "bearer"}); err != nil {
		h.logger.Error("encode login response", zap.Error(err))
	}
}

// Me возвращает профиль аутентифицированного участника.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(newUserResponse(user)); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// GetProgress возвращает накопленный прогресс текущего участника.
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	progress, err := h.service.Progress(r.Context(), user)
	if err != nil {
		h.logger.Error("get progress error", zap.Error(err), zap.Int64("userID", user.ID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(progress); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type stampRequest struct {
	StoreID string `json:"store_id"`
}

// RecordStamp проставляет штамп магазина текущему участнику.
// Сообщения об окне кампании уходят клиенту дословно.
func (h *Handler) RecordStamp(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req stampRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	result, err := h.service.RecordStamp(r.Context(), user, req.StoreID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidStoreID):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, service.ErrCampaignNotStarted), errors.Is(err, service.ErrCampaignEnded):
			http.Error(w, err.Error(), http.StatusForbidden)
		case errors.Is(err, repository.ErrTenantNotFound):
			http.Error(w, "Tenant not found", http.StatusNotFound)
		default:
			h.logger.Error("record stamp error", zap.Error(err),
				zap.Int64("userID", user.ID), zap.String("storeID", req.StoreID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// UseCoupon помечает купон использованным. Повторный вызов возвращает
// текущее состояние купона без ошибки.
func (h *Handler) UseCoupon(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	couponID := strings.TrimSpace(chi.URLParam(r, "couponID"))
	if couponID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	coupon, err := h.service.UseCoupon(r.Context(), user, couponID)
	if err != nil {
		if errors.Is(err, repository.ErrCouponNotFound) {
			http.Error(w, "Coupon not found", http.StatusNotFound)
			return
		}
		h.logger.Error("use coupon error", zap.Error(err),
			zap.Int64("userID", user.ID), zap.String("couponID", couponID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(coupon); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type tenantLoginRequest struct {
	TenantID string `json:"tenant_id"`
	Password string `json:"password"`
}

// TenantLogin аутентифицирует администратора тенанта.
func (h *Handler) TenantLogin(w http.ResponseWriter, r *http.Request) {
	var req tenantLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.TenantID == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	info, err := h.service.TenantAdminLogin(r.Context(), req.TenantID, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, "Invalid credentials", http.StatusUnauthorized)
			return
		}
		h.logger.Error("tenant login error", zap.Error(err), zap.String("tenantID", req.TenantID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	token, err := h.authMiddleware.IssueAdminToken(info.TenantID)
	if err != nil {
		h.logger.Error("issue admin token error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(model.TenantSession{
		TenantID:           info.TenantID,
		CompanyName:        info.CompanyName,
		AccessToken:        token,
		TokenType:          "bearer",
		MustChangePassword: info.MustChangePassword,
	}); err != nil {
		h.logger.Error("encode tenant session", zap.Error(err))
	}
}

type resetPasswordRequest struct {
	TenantID        string `json:"tenant_id"`
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// TenantResetPassword меняет пароль администратора тенанта.
func (h *Handler) TenantResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.TenantID == "" || req.CurrentPassword == "" || req.NewPassword == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.ResetTenantPassword(r.Context(), req.TenantID, req.CurrentPassword, req.NewPassword)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCredentials):
			http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		case errors.Is(err, repository.ErrTenantNotFound):
			http.Error(w, "Tenant not found", http.StatusNotFound)
		default:
			h.logger.Error("reset tenant password error", zap.Error(err), zap.String("tenantID", req.TenantID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type tenantInfoResponse struct {
	TenantID           string `json:"tenant_id"`
	CompanyName        string `json:"company_name"`
	MustChangePassword bool   `json:"must_change_password"`
}

// TenantMe возвращает сведения о тенанте по токену администратора.
func (h *Handler) TenantMe(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := middleware.GetAdminTenantFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	info, err := h.service.TenantInfo(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, repository.ErrTenantNotFound) {
			http.Error(w, "Tenant not found", http.StatusNotFound)
			return
		}
		h.logger.Error("tenant info error", zap.Error(err), zap.String("tenantID", tenantID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(tenantInfoResponse{
		TenantID:           info.TenantID,
		CompanyName:        info.CompanyName,
		MustChangePassword: info.MustChangePassword,
	}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// GetTenantSeed возвращает сид тенанта для первичной загрузки клиента.
func (h *Handler) GetTenantSeed(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(chi.URLParam(r, "tenantID"))
	if tenantID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	seed, err := h.service.Seed(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, repository.ErrTenantNotFound) {
			http.Error(w, "Tenant not found", http.StatusNotFound)
			return
		}
		h.logger.Error("get tenant seed error", zap.Error(err), zap.String("tenantID", tenantID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(seed); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// Health отвечает на проверку живости сервера.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write([]byte(`{"status":"healthy"}`)); err != nil {
		h.logger.Error("write health response", zap.Error(err))
	}
}
