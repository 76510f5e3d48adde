package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/stamprally-system/internal/model"
)

func newTestClient(t *testing.T, ts *httptest.Server) *Client {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return NewClient(ts.URL, logger)
}

func TestFetchSeed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/api/tenants/kissa" {
			t.Fatalf("path = %s, want /api/tenants/kissa", r.URL.Path)
		}

		seed := model.TenantSeed{
			Tenant: model.TenantConfig{ID: "kissa", TenantName: "Kissa Coffee"},
			Stores: []model.Store{
				{ID: "store-001", TenantID: "kissa", Name: "Kissa Ginza"},
			},
			InitialProgress: model.UserProgress{TenantID: "kissa"},
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(seed); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}))
	defer ts.Close()

	client := newTestClient(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	seed, err := client.FetchSeed(ctx, "kissa")
	if err != nil {
		t.Fatalf("FetchSeed error: %v", err)
	}
	if seed.Tenant.ID != "kissa" || len(seed.Stores) != 1 {
		t.Fatalf("unexpected seed: %+v", seed)
	}
}

func TestRecordStamp(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/users/me/stamps" {
			t.Fatalf("path = %s, want /api/users/me/stamps", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token" {
			t.Fatalf("authorization = %q, want bearer token", got)
		}

		body, _ := io.ReadAll(r.Body)
		var req stampRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Fatalf("unmarshal request: %v", err)
		}
		if req.StoreID != "store-001" {
			t.Fatalf("store_id = %q, want store-001", req.StoreID)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"status": "stamped",
			"store": {"id": "store-001", "tenantId": "kissa", "name": "Kissa Ginza", "hasStamped": true},
			"stamps": 3,
			"new_coupons": [{"id": "tenant-kissa-rule-3", "tenantId": "kissa", "title": "Free drip coffee", "used": false}],
			"stampedStoreIds": ["store-001"]
		}`))
	}))
	defer ts.Close()

	client := newTestClient(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := client.RecordStamp(ctx, "token", "store-001")
	if err != nil {
		t.Fatalf("RecordStamp error: %v", err)
	}
	if res.Status != model.StampStatusStamped {
		t.Fatalf("status = %q, want stamped", res.Status)
	}
	if res.Stamps != 3 || len(res.NewCoupons) != 1 || len(res.StampedStoreIDs) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Store == nil || res.Store.Name != "Kissa Ginza" {
		t.Fatalf("unexpected store: %+v", res.Store)
	}
}

func TestRecordStamp_ServerErrorVerbatim(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "campaign has ended", http.StatusForbidden)
	}))
	defer ts.Close()

	client := newTestClient(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := client.RecordStamp(ctx, "token", "store-001")
	if err == nil {
		t.Fatalf("expected error")
	}
	if err.Error() != "campaign has ended" {
		t.Fatalf("error = %q, want server message verbatim", err.Error())
	}
}

func TestLogin(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/auth/login" {
			t.Fatalf("path = %s, want /api/auth/login", r.URL.Path)
		}

		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Identifier != "alice" || req.TenantID != "kissa" {
			t.Fatalf("unexpected request: %+v", req)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token": "jwt-token", "token_type": "bearer"}`))
	}))
	defer ts.Close()

	client := newTestClient(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	token, err := client.Login(ctx, "alice", "secret", "kissa")
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}
	if token != "jwt-token" {
		t.Fatalf("token = %q, want jwt-token", token)
	}
}

func TestUseCoupon(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Fatalf("method = %s, want PATCH", r.Method)
		}
		if r.URL.Path != "/api/users/me/coupons/tenant-kissa-rule-3/use" {
			t.Fatalf("path = %s", r.URL.Path)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "tenant-kissa-rule-3", "tenantId": "kissa", "title": "Free drip coffee", "used": true}`))
	}))
	defer ts.Close()

	client := newTestClient(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	coupon, err := client.UseCoupon(ctx, "token", "tenant-kissa-rule-3")
	if err != nil {
		t.Fatalf("UseCoupon error: %v", err)
	}
	if !coupon.Used {
		t.Fatalf("coupon must be marked used: %+v", coupon)
	}
}

func TestFetchProgress_Unauthorized(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}))
	defer ts.Close()

	client := newTestClient(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := client.FetchProgress(ctx, "stale-token")
	if err == nil {
		t.Fatalf("expected error for 401")
	}
}

func TestRetriesOnServerError(t *testing.T) {
	attempts := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tenantId": "kissa", "stamps": 2, "coupons": [], "stampedStoreIds": []}`))
	}))
	defer ts.Close()

	client := newTestClient(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := client.FetchProgress(ctx, "token")
	if err != nil {
		t.Fatalf("FetchProgress error: %v", err)
	}
	if p.Stamps != 2 {
		t.Fatalf("stamps = %d, want 2", p.Stamps)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}
