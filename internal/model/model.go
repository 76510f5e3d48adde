// Package model содержит доменные сущности системы штамп-ралли.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Role описывает роль учётной записи.
type Role string

const (
	RoleUser        Role = "user"
	RoleTenantAdmin Role = "tenant_admin"
)

// User представляет зарегистрированного участника кампании.
type User struct {
	ID           int64
	TenantID     string
	Username     string
	Email        string
	PasswordHash []byte
	Role         Role
	Gender       string
	Age          *int
	IsActive     bool
	CreatedAt    time.Time
}

// RewardRule описывает порог количества штампов, при достижении которого выдаётся купон.
type RewardRule struct {
	Threshold int    `json:"threshold"`
	Label     string `json:"label"`
	Icon      string `json:"icon,omitempty"`
}

// TenantConfig содержит настройки кампании тенанта.
type TenantConfig struct {
	ID                  string       `json:"id"`
	TenantName          string       `json:"tenantName"`
	Rules               []RewardRule `json:"rules"`
	StampMark           string       `json:"stampMark,omitempty"`
	StampImageURL       string       `json:"stampImageUrl,omitempty"`
	BackgroundImageURL  string       `json:"backgroundImageUrl,omitempty"`
	CampaignStart       string       `json:"campaignStart,omitempty"`
	CampaignEnd         string       `json:"campaignEnd,omitempty"`
	CampaignDescription string       `json:"campaignDescription,omitempty"`
	CampaignTimezone    string       `json:"campaignTimezone,omitempty"`
	CouponUsageMode     string       `json:"couponUsageMode,omitempty"`
	CouponUsageStart    string       `json:"couponUsageStart,omitempty"`
	CouponUsageEnd      string       `json:"couponUsageEnd,omitempty"`
	ThemeColor          string       `json:"themeColor,omitempty"`
	MaxStampCount       *int         `json:"maxStampCount,omitempty"`
	Language            string       `json:"language,omitempty"`
}

// Clone возвращает глубокую копию конфигурации тенанта.
func (t TenantConfig) Clone() TenantConfig {
	c := t
	c.Rules = append([]RewardRule(nil), t.Rules...)
	if t.MaxStampCount != nil {
		v := *t.MaxStampCount
		c.MaxStampCount = &v
	}
	return c
}

// Store описывает точку кампании, где участник может получить штамп.
type Store struct {
	ID          string  `json:"id"`
	TenantID    string  `json:"tenantId"`
	Name        string  `json:"name"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	Description string  `json:"description,omitempty"`
	ImageURL    string  `json:"imageUrl,omitempty"`
	StampMark   string  `json:"stampMark,omitempty"`
	HasStamped  bool    `json:"hasStamped"`
}

// Coupon описывает купон, выданный участнику за достижение порога штампов.
type Coupon struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Used        bool   `json:"used"`
	Icon        string `json:"icon,omitempty"`
}

// UserProgress содержит прогресс участника в рамках одной кампании.
type UserProgress struct {
	TenantID        string   `json:"tenantId"`
	Stamps          int      `json:"stamps"`
	Coupons         []Coupon `json:"coupons"`
	StampedStoreIDs []string `json:"stampedStoreIds"`
}

// Clone возвращает глубокую копию прогресса.
func (p UserProgress) Clone() UserProgress {
	c := p
	c.Coupons = append([]Coupon(nil), p.Coupons...)
	c.StampedStoreIDs = append([]string(nil), p.StampedStoreIDs...)
	return c
}

// TenantSeed объединяет конфигурацию тенанта, список магазинов и начальный прогресс.
type TenantSeed struct {
	Tenant          TenantConfig `json:"tenant"`
	Stores          []Store      `json:"stores"`
	InitialProgress UserProgress `json:"initialProgress"`
}

// Clone возвращает глубокую копию сида.
func (s TenantSeed) Clone() TenantSeed {
	return TenantSeed{
		Tenant:          s.Tenant.Clone(),
		Stores:          append([]Store(nil), s.Stores...),
		InitialProgress: s.InitialProgress.Clone(),
	}
}

// StampStatus описывает результат попытки поставить штамп.
type StampStatus string

const (
	StampStatusStamped        StampStatus = "stamped"
	StampStatusAlreadyStamped StampStatus = "already_stamped"
	StampStatusStoreNotFound  StampStatus = "store-not-found"
)

// StampResult описывает ответ сервера на попытку поставить штамп.
type StampResult struct {
	Status          StampStatus `json:"status"`
	Store           *Store      `json:"store,omitempty"`
	Stamps          int         `json:"stamps"`
	NewCoupons      []Coupon    `json:"new_coupons"`
	StampedStoreIDs []string    `json:"stampedStoreIds"`
}

// TenantSession описывает результат входа администратора тенанта.
type TenantSession struct {
	TenantID           string `json:"tenant_id"`
	CompanyName        string `json:"company_name"`
	AccessToken        string `json:"access_token"`
	TokenType          string `json:"token_type"`
	MustChangePassword bool   `json:"must_change_password"`
}

// RuleCouponID строит идентификатор купона, выдаваемого правилом наград.
func RuleCouponID(tenantID string, threshold int) string {
	return fmt.Sprintf("tenant-%s-rule-%d", tenantID, threshold)
}

// RuleCouponThreshold извлекает порог правила из идентификатора купона.
// Возвращает false, если купон не был выдан правилом этого тенанта.
func RuleCouponThreshold(couponID, tenantID string) (int, bool) {
	prefix := fmt.Sprintf("tenant-%s-rule-", tenantID)
	rest, ok := strings.CutPrefix(couponID, prefix)
	if !ok {
		return 0, false
	}
	threshold, err := strconv.Atoi(rest)
	if err != nil || threshold < 0 {
		return 0, false
	}
	return threshold, true
}

// CouponDescription возвращает описание купона правила на языке кампании.
func CouponDescription(threshold int, language string) string {
	switch language {
	case "en":
		return fmt.Sprintf("Coupon unlocked at %d stamps", threshold)
	case "zh":
		return fmt.Sprintf("集滿 %d 個印章獲得的優惠券", threshold)
	default:
		return fmt.Sprintf("%d個達成で獲得したクーポン", threshold)
	}
}
