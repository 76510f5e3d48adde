// Package seed загружает данные кампании тенанта и совмещает их с
// сохранённым на сервере прогрессом участника.
package seed

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mmeshcher/stamprally-system/internal/model"
	"github.com/mmeshcher/stamprally-system/internal/progress"
)

//go:embed demo.json
var demoData []byte

var (
	demoOnce  sync.Once
	demoSeeds map[string]model.TenantSeed
	demoErr   error
)

// DemoSeed возвращает встроенный демонстрационный сид для указанного
// тенанта. Используется, когда сервер недоступен.
func DemoSeed(tenantID string) (model.TenantSeed, bool) {
	demoOnce.Do(func() {
		demoErr = json.Unmarshal(demoData, &demoSeeds)
	})
	if demoErr != nil {
		return model.TenantSeed{}, false
	}
	s, ok := demoSeeds[tenantID]
	return s, ok
}

// API описывает вызовы сервера, необходимые для загрузки кампании.
type API interface {
	FetchSeed(ctx context.Context, tenantID string) (*model.TenantSeed, error)
	FetchProgress(ctx context.Context, token string) (*model.UserProgress, error)
}

// Session предоставляет доступ к сохранённой сессии участника.
type Session interface {
	Token(ctx context.Context) string
	TokenTenant(ctx context.Context) string
}

// Reconciler загружает сид тенанта и накладывает поверх него серверный
// прогресс участника.
type Reconciler struct {
	api     API
	store   *progress.Store
	session Session
	logger  *zap.Logger
}

// NewReconciler создаёт загрузчик кампаний.
func NewReconciler(api API, store *progress.Store, session Session, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		api:     api,
		store:   store,
		session: session,
		logger:  logger,
	}
}

// Load загружает кампанию тенанта. Сначала применяется сид: с сервера или
// встроенный демонстрационный, если сервер недоступен. Затем, если
// сохранённая сессия принадлежит этому тенанту, поверх сида применяется
// серверный прогресс. Отменённая загрузка не меняет состояние хранилища.
func (r *Reconciler) Load(ctx context.Context, tenantID string) error {
	seed, err := r.api.FetchSeed(ctx, tenantID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		demo, ok := DemoSeed(tenantID)
		if !ok {
			return fmt.Errorf("fetch seed for tenant %s: %w", tenantID, err)
		}
		r.logger.Warn("seed fetch failed, using built-in demo data",
			zap.String("tenant", tenantID), zap.Error(err))
		seed = &demo
	}

	var overlay *model.UserProgress
	if token := r.session.Token(ctx); token != "" && r.session.TokenTenant(ctx) == tenantID {
		p, err := r.api.FetchProgress(ctx, token)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			r.logger.Warn("progress fetch failed, keeping seed defaults",
				zap.String("tenant", tenantID), zap.Error(err))
		default:
			overlay = p
		}
	}

	// Проверка отмены строго до применения: устаревшая загрузка не должна
	// затирать состояние более поздней.
	if err := ctx.Err(); err != nil {
		return err
	}

	r.store.SetSeed(*seed)
	if overlay != nil {
		r.store.SetProgress(*overlay)
	}
	return nil
}
