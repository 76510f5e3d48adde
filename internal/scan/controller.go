// Package scan реализует обработку отсканированных кодов: защиту от
// повторных кадров сканера и полный цикл выдачи штампа.
package scan

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/stamprally-system/internal/model"
	"github.com/mmeshcher/stamprally-system/internal/payload"
	"github.com/mmeshcher/stamprally-system/internal/progress"
)

// OutcomeStatus описывает категорию результата обработки кода.
type OutcomeStatus string

const (
	OutcomeSuccess         OutcomeStatus = "success"
	OutcomeAlreadyStamped  OutcomeStatus = "already_stamped"
	OutcomeMalformed       OutcomeStatus = "malformed"
	OutcomeCrossTenant     OutcomeStatus = "cross_tenant"
	OutcomeUnauthenticated OutcomeStatus = "unauthenticated"
	OutcomeStoreNotFound   OutcomeStatus = "store_not_found"
	OutcomeFailure         OutcomeStatus = "failure"
)

// Outcome содержит результат обработки кода для показа пользователю.
// GoHome выставляется только при успешной выдаче нового штампа.
type Outcome struct {
	Status  OutcomeStatus
	Message string
	GoHome  bool
}

// Recorder отправляет запрос на выдачу штампа.
type Recorder interface {
	RecordStamp(ctx context.Context, token, storeID string) (*model.StampResult, error)
}

// TokenSource возвращает токен текущей сессии, пустая строка означает её отсутствие.
type TokenSource interface {
	Token(ctx context.Context) string
}

// Controller проводит отсканированный код через разбор, локальные проверки,
// запрос к серверу и применение результата к хранилищу прогресса.
type Controller struct {
	store  *progress.Store
	api    Recorder
	tokens TokenSource
	logger *zap.Logger
}

// NewController создаёт контроллер выдачи штампов.
func NewController(store *progress.Store, api Recorder, tokens TokenSource, logger *zap.Logger) *Controller {
	return &Controller{
		store:  store,
		api:    api,
		tokens: tokens,
		logger: logger,
	}
}

// Submit обрабатывает код. Локальные проверки идут строго до сетевого
// запроса: нераспознанный формат и чужой тенант отклоняются без обращения
// к серверу и без изменения состояния.
func (c *Controller) Submit(ctx context.Context, raw string) Outcome {
	activeTenant := c.store.ActiveTenantID()

	code, err := payload.Parse(raw, activeTenant)
	if err != nil {
		return Outcome{Status: OutcomeMalformed, Message: "unrecognized stamp code"}
	}

	if code.TenantID != activeTenant {
		return Outcome{
			Status:  OutcomeCrossTenant,
			Message: fmt.Sprintf("code belongs to another campaign: %s", code.TenantID),
		}
	}

	token := c.tokens.Token(ctx)
	if token == "" {
		return Outcome{Status: OutcomeUnauthenticated, Message: "sign in to collect stamps"}
	}

	res, err := c.api.RecordStamp(ctx, token, code.StoreID)
	if err != nil {
		c.logger.Error("record stamp failed", zap.Error(err), zap.String("store", code.StoreID))
		return Outcome{Status: OutcomeFailure, Message: err.Error()}
	}

	switch res.Status {
	case model.StampStatusStoreNotFound:
		return Outcome{
			Status:  OutcomeStoreNotFound,
			Message: fmt.Sprintf("store %s is not part of this campaign", code.StoreID),
		}
	case model.StampStatusAlreadyStamped:
		c.store.ApplyStampResult(res.Stamps, res.NewCoupons, res.StampedStoreIDs)
		return Outcome{
			Status:  OutcomeAlreadyStamped,
			Message: fmt.Sprintf("already stamped at %s", storeName(res, code.StoreID)),
		}
	case model.StampStatusStamped:
		c.store.ApplyStampResult(res.Stamps, res.NewCoupons, res.StampedStoreIDs)
		return Outcome{
			Status:  OutcomeSuccess,
			Message: fmt.Sprintf("stamped at %s", storeName(res, code.StoreID)),
			GoHome:  true,
		}
	default:
		c.logger.Warn("unexpected stamp status", zap.String("status", string(res.Status)))
		return Outcome{Status: OutcomeFailure, Message: fmt.Sprintf("unexpected stamp status: %s", res.Status)}
	}
}

func storeName(res *model.StampResult, fallback string) string {
	if res.Store != nil && res.Store.Name != "" {
		return res.Store.Name
	}
	return fallback
}
