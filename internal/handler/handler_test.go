package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/mmeshcher/stamprally-system/internal/middleware"
	"github.com/mmeshcher/stamprally-system/internal/model"
	"github.com/mmeshcher/stamprally-system/internal/repository"
	"github.com/mmeshcher/stamprally-system/internal/service"
)

type stubService struct {
	registerUser *model.User
	registerErr  error

	authUser *model.User
	authErr  error

	adminInfo *service.TenantAdminInfo
	adminErr  error

	tenantInfo *service.TenantAdminInfo
	tenantErr  error

	resetErr error

	seedResp *model.TenantSeed
	seedErr  error

	progressResp *model.UserProgress
	progressErr  error

	stampResp *model.StampResult
	stampErr  error

	couponResp *model.Coupon
	couponErr  error
}

func (s *stubService) RegisterUser(ctx context.Context, in service.RegisterInput) (*model.User, error) {
	return s.registerUser, s.registerErr
}

func (s *stubService) AuthenticateUser(ctx context.Context, identifier, password, tenantID string) (*model.User, error) {
	return s.authUser, s.authErr
}

func (s *stubService) TenantAdminLogin(ctx context.Context, tenantID, password string) (*service.TenantAdminInfo, error) {
	return s.adminInfo, s.adminErr
}

func (s *stubService) TenantInfo(ctx context.Context, tenantID string) (*service.TenantAdminInfo, error) {
	return s.tenantInfo, s.tenantErr
}

func (s *stubService) ResetTenantPassword(ctx context.Context, tenantID, currentPassword, newPassword string) error {
	return s.resetErr
}

func (s *stubService) Seed(ctx context.Context, tenantID string) (*model.TenantSeed, error) {
	return s.seedResp, s.seedErr
}

func (s *stubService) Progress(ctx context.Context, user *model.User) (*model.UserProgress, error) {
	return s.progressResp, s.progressErr
}

func (s *stubService) RecordStamp(ctx context.Context, user *model.User, storeID string) (*model.StampResult, error) {
	return s.stampResp, s.stampErr
}

func (s *stubService) UseCoupon(ctx context.Context, user *model.User, couponID string) (*model.Coupon, error) {
	return s.couponResp, s.couponErr
}

// ResolveUser позволяет использовать заглушку и как резолвер токенов.
func (s *stubService) ResolveUser(ctx context.Context, username, tenantID string) (*model.User, error) {
	return s.authUser, s.authErr
}

func newTestHandler(t *testing.T, svc *stubService) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret", svc)

	return NewHandler(svc, logger, auth)
}

func bearerToken(t *testing.T, h *Handler, user *model.User) string {
	t.Helper()

	token, err := h.authMiddleware.IssueUserToken(user)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func testUser() *model.User {
	return &model.User{
		ID:       42,
		TenantID: "kissa",
		Username: "taro",
		Email:    "taro@example.com",
		Role:     model.RoleUser,
		IsActive: true,
	}
}

func TestRegister_Success(t *testing.T) {
	svc := &stubService{registerUser: testUser()}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(registerRequest{
		TenantID: "kissa",
		Username: "taro",
		Email:    "taro@example.com",
		Password: "pass",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/users/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	res := rec.Result()
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var resp authResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.AccessToken == "" || resp.TokenType != "bearer" {
		t.Fatalf("unexpected token payload: %+v", resp)
	}
	if resp.User.ID != 42 || resp.User.TenantID != "kissa" {
		t.Fatalf("unexpected user payload: %+v", resp.User)
	}
}

func TestRegister_Conflict(t *testing.T) {
	svc := &stubService{registerErr: repository.ErrUserExists}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(registerRequest{
		TenantID: "kissa",
		Username: "taro",
		Email:    "taro@example.com",
		Password: "pass",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/users/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestRegister_TenantNotFound(t *testing.T) {
	svc := &stubService{registerErr: repository.ErrTenantNotFound}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(registerRequest{
		TenantID: "ghost",
		Username: "taro",
		Email:    "taro@example.com",
		Password: "pass",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/users/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	svc := &stubService{authErr: service.ErrInvalidCredentials}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(loginRequest{Identifier: "taro", Password: "wrong"})

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestLogin_InactiveUser(t *testing.T) {
	svc := &stubService{authErr: service.ErrUserInactive}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(loginRequest{Identifier: "taro", Password: "pass"})

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestRecordStamp_CampaignMessageVerbatim(t *testing.T) {
	user := testUser()
	svc := &stubService{
		authUser: user,
		stampErr: service.ErrCampaignEnded,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(stampRequest{StoreID: "st-001"})
	req := httptest.NewRequest(http.MethodPost, "/api/users/me/stamps", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+bearerToken(t, h, user))

	rec := httptest.NewRecorder()
	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.RecordStamp))
	handlerWithAuth.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != service.ErrCampaignEnded.Error() {
		t.Fatalf("body = %q, want campaign message verbatim", got)
	}
}

func TestRecordStamp_ReturnsResult(t *testing.T) {
	user := testUser()
	svc := &stubService{
		authUser: user,
		stampResp: &model.StampResult{
			Status:          model.StampStatusStamped,
			Stamps:          3,
			NewCoupons:      []model.Coupon{},
			StampedStoreIDs: []string{"st-001"},
		},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(stampRequest{StoreID: "st-001"})
	req := httptest.NewRequest(http.MethodPost, "/api/users/me/stamps", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+bearerToken(t, h, user))

	rec := httptest.NewRecorder()
	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.RecordStamp))
	handlerWithAuth.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var result model.StampResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Status != model.StampStatusStamped || result.Stamps != 3 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestGetProgress_JSONResponse(t *testing.T) {
	user := testUser()
	svc := &stubService{
		authUser: user,
		progressResp: &model.UserProgress{
			TenantID:        "kissa",
			Stamps:          2,
			Coupons:         []model.Coupon{},
			StampedStoreIDs: []string{"st-001", "st-002"},
		},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/users/me/progress", nil)
	req.Header.Set("Authorization", "Bearer "+bearerToken(t, h, user))

	rec := httptest.NewRecorder()
	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.GetProgress))
	handlerWithAuth.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}
	if !strings.Contains(rec.Body.String(), `"stampedStoreIds":["st-001","st-002"]`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestUseCoupon_RoutedByID(t *testing.T) {
	user := testUser()
	svc := &stubService{
		authUser: user,
		couponResp: &model.Coupon{
			ID:       "tenant-kissa-rule-3",
			TenantID: "kissa",
			Title:    "Free coffee",
			Used:     true,
		},
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPatch, "/api/users/me/coupons/tenant-kissa-rule-3/use", nil)
	req.Header.Set("Authorization", "Bearer "+bearerToken(t, h, user))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var coupon model.Coupon
	if err := json.NewDecoder(rec.Body).Decode(&coupon); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !coupon.Used || coupon.ID != "tenant-kissa-rule-3" {
		t.Fatalf("unexpected coupon: %+v", coupon)
	}
}

func TestUseCoupon_NotFound(t *testing.T) {
	user := testUser()
	svc := &stubService{
		authUser:  user,
		couponErr: repository.ErrCouponNotFound,
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPatch, "/api/users/me/coupons/ghost/use", nil)
	req.Header.Set("Authorization", "Bearer "+bearerToken(t, h, user))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestTenantLogin_ReturnsSession(t *testing.T) {
	svc := &stubService{
		adminInfo: &service.TenantAdminInfo{
			TenantID:           "kissa",
			CompanyName:        "Kissaten Row",
			MustChangePassword: true,
		},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(tenantLoginRequest{TenantID: "kissa", Password: "admin-pass"})
	req := httptest.NewRequest(http.MethodPost, "/api/tenants/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.TenantLogin(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var session model.TenantSession
	if err := json.NewDecoder(rec.Body).Decode(&session); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if session.AccessToken == "" || session.TokenType != "bearer" {
		t.Fatalf("unexpected session token: %+v", session)
	}
	if session.CompanyName != "Kissaten Row" || !session.MustChangePassword {
		t.Fatalf("unexpected session payload: %+v", session)
	}
}

func TestTenantResetPassword(t *testing.T) {
	t.Run("success returns no content", func(t *testing.T) {
		h := newTestHandler(t, &stubService{})

		body, _ := json.Marshal(resetPasswordRequest{
			TenantID:        "kissa",
			CurrentPassword: "old",
			NewPassword:     "new",
		})
		req := httptest.NewRequest(http.MethodPost, "/api/tenants/reset-password", bytes.NewReader(body))
		rec := httptest.NewRecorder()

		h.TenantResetPassword(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
		}
	})

	t.Run("wrong password unauthorized", func(t *testing.T) {
		h := newTestHandler(t, &stubService{resetErr: service.ErrInvalidCredentials})

		body, _ := json.Marshal(resetPasswordRequest{
			TenantID:        "kissa",
			CurrentPassword: "wrong",
			NewPassword:     "new",
		})
		req := httptest.NewRequest(http.MethodPost, "/api/tenants/reset-password", bytes.NewReader(body))
		rec := httptest.NewRecorder()

		h.TenantResetPassword(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
	})
}

func TestTenantMe_RequiresAdminToken(t *testing.T) {
	svc := &stubService{
		tenantInfo: &service.TenantAdminInfo{
			TenantID:    "kissa",
			CompanyName: "Kissaten Row",
		},
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	adminToken, err := h.authMiddleware.IssueAdminToken("kissa")
	if err != nil {
		t.Fatalf("issue admin token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/tenants/me", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `"tenant_id":"kissa"`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}

	userReq := httptest.NewRequest(http.MethodGet, "/api/tenants/me", nil)
	userReq.Header.Set("Authorization", "Bearer "+bearerToken(t, h, testUser()))

	userRec := httptest.NewRecorder()
	router.ServeHTTP(userRec, userReq)

	if userRec.Code != http.StatusForbidden {
		t.Fatalf("user token status = %d, want %d", userRec.Code, http.StatusForbidden)
	}
}

func TestGetTenantSeed(t *testing.T) {
	svc := &stubService{
		seedResp: &model.TenantSeed{
			Tenant: model.TenantConfig{
				ID:         "kissa",
				TenantName: "Kissaten Row",
				Rules:      []model.RewardRule{{Threshold: 3, Label: "Free coffee"}},
			},
			Stores: []model.Store{{ID: "st-001", TenantID: "kissa", Name: "Aoyama"}},
			InitialProgress: model.UserProgress{
				TenantID:        "kissa",
				Coupons:         []model.Coupon{},
				StampedStoreIDs: []string{},
			},
		},
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/tenants/kissa", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var seed model.TenantSeed
	if err := json.NewDecoder(rec.Body).Decode(&seed); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if seed.Tenant.ID != "kissa" || len(seed.Stores) != 1 {
		t.Fatalf("unexpected seed: %+v", seed)
	}
}

func TestGetTenantSeed_NotFound(t *testing.T) {
	svc := &stubService{seedErr: repository.ErrTenantNotFound}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/tenants/ghost", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"status":"healthy"}` {
		t.Fatalf("body = %q", got)
	}
}
