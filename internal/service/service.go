// Package service реализует бизнес-логику сервиса штамп-ралли.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/stamprally-system/internal/model"
	"github.com/mmeshcher/stamprally-system/internal/repository"
)

// ErrInvalidCredentials возвращается при неверном имени пользователя или пароле.
var (
	ErrInvalidCredentials = errors.New("incorrect username or password")
	// ErrUserInactive возвращается при попытке входа деактивированного пользователя.
	ErrUserInactive = errors.New("inactive user account")
	// ErrInvalidStoreID возвращается при пустом идентификаторе магазина.
	ErrInvalidStoreID = errors.New("invalid store id")
	// ErrCampaignNotStarted возвращается при попытке штампа до начала кампании.
	// Текст показывается участнику без изменений.
	ErrCampaignNotStarted = errors.New("キャンペーン開始前のためスタンプを押せません。")
	// ErrCampaignEnded возвращается при попытке штампа после окончания кампании.
	ErrCampaignEnded = errors.New("キャンペーン終了後のためスタンプを押せません。")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, user *model.User) (int64, error)
	GetUserByIdentifier(ctx context.Context, identifier, tenantID string) (*model.User, error)
	GetTenant(ctx context.Context, tenantID string) (*repository.TenantRecord, error)
	UpdateTenantAdminPassword(ctx context.Context, tenantID string, passwordHash []byte) error
	GetRewardRules(ctx context.Context, tenantID string) ([]model.RewardRule, error)
	GetStores(ctx context.Context, tenantID string) ([]model.Store, error)
	EnsureProgress(ctx context.Context, userID int64, tenantID string) error
	GetStampCount(ctx context.Context, userID int64) (int, error)
	GetUserCoupons(ctx context.Context, userID int64) ([]model.Coupon, error)
	GetStampedStoreIDs(ctx context.Context, userID int64) ([]string, error)
	RecordStamp(ctx context.Context, userID int64, tenantID, storeID, language string) (*repository.StampOutcome, error)
	MarkCouponUsed(ctx context.Context, userID int64, couponID string) (*model.Coupon, error)
}

// RegisterInput описывает данные регистрации нового участника.
type RegisterInput struct {
	TenantID string
	Username string
	Email    string
	Password string
	Gender   string
	Age      *int
}

// TenantAdminInfo описывает тенанта после успешной проверки администратора.
type TenantAdminInfo struct {
	TenantID           string
	CompanyName        string
	MustChangePassword bool
}

// Service содержит бизнес-логику сервиса штамп-ралли.
type Service struct {
	repo            Repository
	defaultTimezone string
}

// NewService создаёт новый сервис с указанным репозиторием и поясом кампаний по умолчанию.
func NewService(repo Repository, defaultTimezone string) *Service {
	return &Service{
		repo:            repo,
		defaultTimezone: defaultTimezone,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового участника кампании тенанта.
func (s *Service) RegisterUser(ctx context.Context, in RegisterInput) (*model.User, error) {
	if _, err := s.repo.GetTenant(ctx, in.TenantID); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &model.User{
		TenantID:     in.TenantID,
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		Role:         model.RoleUser,
		Gender:       in.Gender,
		Age:          in.Age,
		IsActive:     true,
	}

	id, err := s.repo.CreateUser(ctx, user)
	if err != nil {
		return nil, err
	}
	user.ID = id

	if err := s.repo.EnsureProgress(ctx, id, in.TenantID); err != nil {
		return nil, err
	}

	return user, nil
}

// AuthenticateUser проверяет учётные данные участника по имени или почте.
// Пустой tenantID разрешает вход без привязки к тенанту.
func (s *Service) AuthenticateUser(ctx context.Context, identifier, password, tenantID string) (*model.User, error) {
	u, err := s.repo.GetUserByIdentifier(ctx, identifier, tenantID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	if !u.IsActive {
		return nil, ErrUserInactive
	}

	return u, nil
}

// ResolveUser загружает пользователя для проверки токена доступа.
func (s *Service) ResolveUser(ctx context.Context, username, tenantID string) (*model.User, error) {
	return s.repo.GetUserByIdentifier(ctx, username, tenantID)
}

// TenantAdminLogin проверяет пароль администратора тенанта.
func (s *Service) TenantAdminLogin(ctx context.Context, tenantID, password string) (*TenantAdminInfo, error) {
	rec, err := s.repo.GetTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repository.ErrTenantNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if len(rec.AdminPasswordHash) == 0 ||
		bcrypt.CompareHashAndPassword(rec.AdminPasswordHash, []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	return &TenantAdminInfo{
		TenantID:           rec.TenantID,
		CompanyName:        rec.CompanyName,
		MustChangePassword: rec.MustChangePassword,
	}, nil
}

// TenantInfo возвращает сведения о тенанте для проверенной сессии администратора.
func (s *Service) TenantInfo(ctx context.Context, tenantID string) (*TenantAdminInfo, error) {
	rec, err := s.repo.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &TenantAdminInfo{
		TenantID:           rec.TenantID,
		CompanyName:        rec.CompanyName,
		MustChangePassword: rec.MustChangePassword,
	}, nil
}

// ResetTenantPassword меняет пароль администратора после проверки текущего.
func (s *Service) ResetTenantPassword(ctx context.Context, tenantID, currentPassword, newPassword string) error {
	rec, err := s.repo.GetTenant(ctx, tenantID)
	if err != nil {
		return err
	}

	if len(rec.AdminPasswordHash) == 0 ||
		bcrypt.CompareHashAndPassword(rec.AdminPasswordHash, []byte(currentPassword)) != nil {
		return ErrInvalidCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	return s.repo.UpdateTenantAdminPassword(ctx, tenantID, hash)
}

// Seed собирает полный снимок тенанта: конфигурацию кампании, магазины
// и начальный прогресс нового участника.
func (s *Service) Seed(ctx context.Context, tenantID string) (*model.TenantSeed, error) {
	rec, err := s.repo.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	cfg := parseTenantConfig(rec.Config)

	rules, err := s.repo.GetRewardRules(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if rules == nil {
		rules = []model.RewardRule{}
	}

	stores, err := s.repo.GetStores(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if stores == nil {
		stores = []model.Store{}
	}

	tenantName := cfg.TenantName
	if tenantName == "" {
		tenantName = rec.CompanyName
	}
	themeColor := cfg.ThemeColor
	if themeColor == "" {
		themeColor = "orange"
	}

	mode := normalizeCouponUsageMode(cfg.CouponUsageMode)
	usageStart, usageEnd := cfg.CouponUsageStart, cfg.CouponUsageEnd
	if mode != "custom" {
		usageStart, usageEnd = "", ""
	}

	tenant := model.TenantConfig{
		ID:                  tenantID,
		TenantName:          tenantName,
		Rules:               rules,
		StampMark:           cfg.StampMark,
		StampImageURL:       cfg.StampImageURL,
		BackgroundImageURL:  cfg.BackgroundImageURL,
		CampaignStart:       cfg.CampaignStart,
		CampaignEnd:         cfg.CampaignEnd,
		CampaignDescription: cfg.CampaignDescription,
		CampaignTimezone:    normalizeTimezone(cfg.CampaignTimezone, s.defaultTimezone),
		CouponUsageMode:     mode,
		CouponUsageStart:    usageStart,
		CouponUsageEnd:      usageEnd,
		ThemeColor:          themeColor,
		MaxStampCount:       cfg.MaxStampCount,
		Language:            normalizeLanguage(cfg.Language),
	}

	coupons := make([]model.Coupon, 0, len(cfg.InitialCoupons))
	for _, c := range cfg.InitialCoupons {
		if c.ID == "" || c.Title == "" {
			continue
		}
		coupons = append(coupons, model.Coupon{
			ID:          c.ID,
			TenantID:    tenantID,
			Title:       c.Title,
			Description: c.Description,
			Used:        c.Used,
		})
	}

	return &model.TenantSeed{
		Tenant: tenant,
		Stores: stores,
		InitialProgress: model.UserProgress{
			TenantID:        tenantID,
			Stamps:          cfg.InitialStamps,
			Coupons:         coupons,
			StampedStoreIDs: []string{},
		},
	}, nil
}

// Progress возвращает накопленный прогресс участника.
func (s *Service) Progress(ctx context.Context, user *model.User) (*model.UserProgress, error) {
	if err := s.repo.EnsureProgress(ctx, user.ID, user.TenantID); err != nil {
		return nil, err
	}

	stamps, err := s.repo.GetStampCount(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	coupons, err := s.repo.GetUserCoupons(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if coupons == nil {
		coupons = []model.Coupon{}
	}
	if err := s.decorateRuleCoupons(ctx, user.TenantID, coupons); err != nil {
		return nil, err
	}

	stampedIDs, err := s.repo.GetStampedStoreIDs(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if stampedIDs == nil {
		stampedIDs = []string{}
	}

	return &model.UserProgress{
		TenantID:        user.TenantID,
		Stamps:          stamps,
		Coupons:         coupons,
		StampedStoreIDs: stampedIDs,
	}, nil
}

// RecordStamp проставляет штамп магазина участнику с учётом окна кампании.
func (s *Service) RecordStamp(ctx context.Context, user *model.User, storeID string) (*model.StampResult, error) {
	storeID = strings.TrimSpace(storeID)
	if storeID == "" {
		return nil, ErrInvalidStoreID
	}

	rec, err := s.repo.GetTenant(ctx, user.TenantID)
	if err != nil {
		return nil, err
	}
	cfg := parseTenantConfig(rec.Config)

	loc := campaignLocation(cfg.CampaignTimezone, s.defaultTimezone)
	now := time.Now().In(loc)
	if start, ok := parseCampaignBoundary(cfg.CampaignStart, false, loc); ok && now.Before(start) {
		return nil, ErrCampaignNotStarted
	}
	if end, ok := parseCampaignBoundary(cfg.CampaignEnd, true, loc); ok && now.After(end) {
		return nil, ErrCampaignEnded
	}

	outcome, err := s.repo.RecordStamp(ctx, user.ID, user.TenantID, storeID, normalizeLanguage(cfg.Language))
	if err != nil {
		return nil, err
	}

	result := &model.StampResult{
		Status:          outcome.Status,
		Store:           outcome.Store,
		Stamps:          outcome.Stamps,
		NewCoupons:      outcome.NewCoupons,
		StampedStoreIDs: outcome.StampedStoreIDs,
	}
	if result.NewCoupons == nil {
		result.NewCoupons = []model.Coupon{}
	}
	if result.StampedStoreIDs == nil {
		result.StampedStoreIDs = []string{}
	}
	return result, nil
}

// UseCoupon помечает купон участника использованным.
func (s *Service) UseCoupon(ctx context.Context, user *model.User, couponID string) (*model.Coupon, error) {
	c, err := s.repo.MarkCouponUsed(ctx, user.ID, couponID)
	if err != nil {
		return nil, err
	}

	coupons := []model.Coupon{*c}
	if err := s.decorateRuleCoupons(ctx, c.TenantID, coupons); err != nil {
		return nil, err
	}
	return &coupons[0], nil
}

// decorateRuleCoupons восстанавливает локализованное описание и иконку
// у купонов, выданных правилами наград.
func (s *Service) decorateRuleCoupons(ctx context.Context, tenantID string, coupons []model.Coupon) error {
	if len(coupons) == 0 {
		return nil
	}

	language := "ja"
	rec, err := s.repo.GetTenant(ctx, tenantID)
	switch {
	case err == nil:
		language = normalizeLanguage(parseTenantConfig(rec.Config).Language)
	case !errors.Is(err, repository.ErrTenantNotFound):
		return err
	}

	rules, err := s.repo.GetRewardRules(ctx, tenantID)
	if err != nil {
		return err
	}
	icons := make(map[int]string, len(rules))
	for _, rule := range rules {
		icons[rule.Threshold] = rule.Icon
	}

	for i := range coupons {
		threshold, ok := model.RuleCouponThreshold(coupons[i].ID, tenantID)
		if !ok {
			continue
		}
		coupons[i].Description = model.CouponDescription(threshold, language)
		coupons[i].Icon = icons[threshold]
	}
	return nil
}
