package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/stamprally-system/internal/model"
	"github.com/mmeshcher/stamprally-system/internal/progress"
)

// Claims содержит утверждения токена, интересующие клиент.
type Claims struct {
	Subject  string
	TenantID string
	Role     string
}

// parseClaims извлекает утверждения без проверки подписи. Клиент доверяет
// серверу, выдавшему токен, утверждения нужны только для привязки сессии
// к тенанту и отображения имени участника.
func parseClaims(token string) (Claims, error) {
	if token == "" {
		return Claims{}, errors.New("empty token")
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Claims{}, fmt.Errorf("parse token: %w", err)
	}

	out := Claims{}
	if sub, err := claims.GetSubject(); err == nil {
		out.Subject = sub
	}
	if v, ok := claims["tenant_id"].(string); ok {
		out.TenantID = v
	}
	if v, ok := claims["role"].(string); ok {
		out.Role = v
	}
	return out, nil
}

// Reader читает сохранённые токены и извлекает из них утверждения.
type Reader struct {
	store TokenStore
}

// NewReader создаёт читателя поверх хранилища токенов.
func NewReader(store TokenStore) *Reader {
	return &Reader{store: store}
}

// Token возвращает токен участника или пустую строку.
func (r *Reader) Token(ctx context.Context) string {
	token, err := r.store.Get(ctx, KeyAuthToken)
	if err != nil {
		return ""
	}
	return token
}

// TokenTenant возвращает тенант из утверждений сохранённого токена.
func (r *Reader) TokenTenant(ctx context.Context) string {
	claims, err := parseClaims(r.Token(ctx))
	if err != nil {
		return ""
	}
	return claims.TenantID
}

// AdminTenant возвращает тенант активной сессии администратора или пустую строку.
func (r *Reader) AdminTenant(ctx context.Context) string {
	token, err := r.store.Get(ctx, KeyAdminSession)
	if err != nil || token == "" {
		return ""
	}
	claims, err := parseClaims(token)
	if err != nil {
		return ""
	}
	return claims.TenantID
}

// API описывает вызовы сервера, используемые менеджером сессии.
type API interface {
	Login(ctx context.Context, identifier, password, tenantID string) (string, error)
	AdminLogin(ctx context.Context, tenantID, password string) (*model.TenantSession, error)
	FetchProgress(ctx context.Context, token string) (*model.UserProgress, error)
}

// Loader загружает кампанию тенанта.
type Loader interface {
	Load(ctx context.Context, tenantID string) error
}

// Identity описывает участника текущей сессии.
type Identity struct {
	Username string
	TenantID string
	Role     string
}

// Manager реализует политику сессии: вход и выход участника, смену
// тенанта, сессию администратора и реакцию на изменения сессии из других
// процессов.
type Manager struct {
	store    TokenStore
	reader   *Reader
	progress *progress.Store
	api      API
	loader   Loader
	logger   *zap.Logger

	mu         sync.Mutex
	identity   *Identity
	loadCancel context.CancelFunc
}

// NewManager создаёт менеджер сессии.
func NewManager(store TokenStore, progressStore *progress.Store, api API, loader Loader, logger *zap.Logger) *Manager {
	return &Manager{
		store:    store,
		reader:   NewReader(store),
		progress: progressStore,
		api:      api,
		loader:   loader,
		logger:   logger,
	}
}

// Token возвращает токен участника или пустую строку.
func (m *Manager) Token(ctx context.Context) string {
	return m.reader.Token(ctx)
}

// TokenTenant возвращает тенант из утверждений сохранённого токена.
func (m *Manager) TokenTenant(ctx context.Context) string {
	return m.reader.TokenTenant(ctx)
}

// AdminTenant возвращает тенант активной сессии администратора.
func (m *Manager) AdminTenant(ctx context.Context) string {
	return m.reader.AdminTenant(ctx)
}

// Identity возвращает данные участника текущей сессии.
func (m *Manager) Identity() (Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil {
		return Identity{}, false
	}
	return *m.identity, true
}

// Restore восстанавливает данные участника из сохранённого токена,
// например после перезапуска киоска.
func (m *Manager) Restore(ctx context.Context) {
	token := m.reader.Token(ctx)
	if token == "" {
		return
	}
	claims, err := parseClaims(token)
	if err != nil {
		m.logger.Warn("persisted token is unreadable", zap.Error(err))
		return
	}
	m.setIdentity(&Identity{Username: claims.Subject, TenantID: claims.TenantID, Role: claims.Role})
}

// Login выполняет вход участника в активную кампанию, сохраняет токен и
// подтягивает серверный прогресс.
func (m *Manager) Login(ctx context.Context, identifier, password string) error {
	tenantID := m.progress.ActiveTenantID()

	token, err := m.api.Login(ctx, identifier, password, tenantID)
	if err != nil {
		return err
	}

	if err := m.store.Set(ctx, KeyAuthToken, token); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}

	claims, _ := parseClaims(token)
	m.setIdentity(&Identity{Username: claims.Subject, TenantID: claims.TenantID, Role: claims.Role})

	p, err := m.api.FetchProgress(ctx, token)
	if err != nil {
		m.logger.Warn("progress fetch after login failed", zap.Error(err))
		return nil
	}
	m.progress.SetProgress(*p)
	return nil
}

// Logout очищает сессию участника и возвращает прогресс к сиду кампании.
// Конфигурация тенанта и список магазинов при этом сохраняются.
func (m *Manager) Logout(ctx context.Context) error {
	if err := m.store.Clear(ctx, KeyAuthToken); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	m.setIdentity(nil)
	m.progress.ResetToSeed()
	return nil
}

// SwitchTenant загружает кампанию другого тенанта. Незавершённая
// предыдущая загрузка отменяется; отменённая загрузка не считается ошибкой.
func (m *Manager) SwitchTenant(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	if m.loadCancel != nil {
		m.loadCancel()
	}
	loadCtx, cancel := context.WithCancel(ctx)
	m.loadCancel = cancel
	m.mu.Unlock()
	defer cancel()

	err := m.loader.Load(loadCtx, tenantID)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// AdminLogin выполняет вход администратора тенанта. Токен администратора
// хранится отдельно и не влияет на сессию участника.
func (m *Manager) AdminLogin(ctx context.Context, tenantID, password string) (*model.TenantSession, error) {
	adminSession, err := m.api.AdminLogin(ctx, tenantID, password)
	if err != nil {
		return nil, err
	}
	if err := m.store.Set(ctx, KeyAdminSession, adminSession.AccessToken); err != nil {
		return nil, fmt.Errorf("persist admin session: %w", err)
	}
	return adminSession, nil
}

// ClearAdminSession завершает сессию администратора, не трогая сессию участника.
func (m *Manager) ClearAdminSession(ctx context.Context) error {
	if err := m.store.Clear(ctx, KeyAdminSession); err != nil {
		return fmt.Errorf("clear admin session: %w", err)
	}
	return nil
}

// Watch следит за изменениями сессии из всех процессов и применяет их к
// локальному состоянию. Блокируется до отмены контекста.
func (m *Manager) Watch(ctx context.Context) error {
	ch, err := m.store.Watch(ctx)
	if err != nil {
		return fmt.Errorf("watch session: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-ch:
			if !ok {
				return nil
			}
			m.handleChange(ctx, change)
		}
	}
}

func (m *Manager) handleChange(ctx context.Context, change Change) {
	if change.Key != KeyAuthToken {
		return
	}

	if change.Value == "" {
		m.mu.Lock()
		wasLoggedIn := m.identity != nil
		m.identity = nil
		m.mu.Unlock()

		if wasLoggedIn {
			m.logger.Info("session cleared externally")
			m.progress.ResetToSeed()
		}
		return
	}

	claims, err := parseClaims(change.Value)
	if err != nil {
		m.logger.Warn("external session token is unreadable", zap.Error(err))
		return
	}

	m.mu.Lock()
	same := m.identity != nil &&
		m.identity.Username == claims.Subject &&
		m.identity.TenantID == claims.TenantID
	m.identity = &Identity{Username: claims.Subject, TenantID: claims.TenantID, Role: claims.Role}
	m.mu.Unlock()

	if same {
		return
	}

	m.logger.Info("session established externally", zap.String("username", claims.Subject))

	if claims.TenantID != m.progress.ActiveTenantID() {
		return
	}
	p, err := m.api.FetchProgress(ctx, change.Value)
	if err != nil {
		m.logger.Warn("progress fetch after external login failed", zap.Error(err))
		return
	}
	m.progress.SetProgress(*p)
}

func (m *Manager) setIdentity(id *Identity) {
	m.mu.Lock()
	m.identity = id
	m.mu.Unlock()
}
