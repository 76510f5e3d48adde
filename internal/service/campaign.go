package service

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var utcOffsetPattern = regexp.MustCompile(`^UTC([+-])(\d{1,2})(?::([0-5]\d))?$`)

var allowedLanguages = map[string]bool{"ja": true, "en": true, "zh": true}

type initialCoupon struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Used        bool   `json:"used"`
}

// rawTenantConfig отражает JSONB-конфигурацию тенанта в том виде,
// в каком её сохраняет административная панель.
type rawTenantConfig struct {
	TenantName          string          `json:"tenantName"`
	StampMark           string          `json:"stampMark"`
	StampImageURL       string          `json:"stampImageUrl"`
	BackgroundImageURL  string          `json:"backgroundImageUrl"`
	CampaignStart       string          `json:"campaignStart"`
	CampaignEnd         string          `json:"campaignEnd"`
	CampaignDescription string          `json:"campaignDescription"`
	CampaignTimezone    string          `json:"campaignTimezone"`
	CouponUsageMode     string          `json:"couponUsageMode"`
	CouponUsageStart    string          `json:"couponUsageStart"`
	CouponUsageEnd      string          `json:"couponUsageEnd"`
	ThemeColor          string          `json:"themeColor"`
	MaxStampCount       *int            `json:"maxStampCount"`
	Language            string          `json:"language"`
	InitialStamps       int             `json:"initialStamps"`
	InitialCoupons      []initialCoupon `json:"initialCoupons"`
}

// parseTenantConfig разбирает конфигурацию кампании. Повреждённый JSON
// даёт пустую конфигурацию, а не ошибку: тенант продолжает работать
// со значениями по умолчанию.
func parseTenantConfig(raw []byte) rawTenantConfig {
	var cfg rawTenantConfig
	if len(raw) == 0 {
		return cfg
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return rawTenantConfig{}
	}
	return cfg
}

// locationFromOffset строит часовой пояс из смещения вида UTC±HH:MM.
// Допустимый диапазон смещений от -12:00 до +14:00.
func locationFromOffset(value string) *time.Location {
	m := utcOffsetPattern.FindStringSubmatch(strings.TrimSpace(value))
	if m == nil {
		return nil
	}
	hours, _ := strconv.Atoi(m[2])
	minutes := 0
	if m[3] != "" {
		minutes, _ = strconv.Atoi(m[3])
	}
	if hours > 14 || (hours == 14 && minutes != 0) {
		return nil
	}
	offset := hours*3600 + minutes*60
	if m[1] == "-" {
		offset = -offset
	}
	name := fmt.Sprintf("UTC%s%02d:%02d", m[1], hours, minutes)
	return time.FixedZone(name, offset)
}

// campaignLocation возвращает часовой пояс кампании: смещение из конфигурации,
// затем пояс по умолчанию, затем имя зоны IANA, в конце UTC.
func campaignLocation(value, fallback string) *time.Location {
	if loc := locationFromOffset(value); loc != nil {
		return loc
	}
	if v := strings.TrimSpace(value); v != "" {
		if loc, err := time.LoadLocation(v); err == nil {
			return loc
		}
	}
	if loc := locationFromOffset(fallback); loc != nil {
		return loc
	}
	if f := strings.TrimSpace(fallback); f != "" {
		if loc, err := time.LoadLocation(f); err == nil {
			return loc
		}
	}
	return time.UTC
}

// offsetString приводит значение пояса к каноничному виду UTC±HH:MM.
// Возвращает пустую строку, если значение не удаётся распознать.
func offsetString(value string) string {
	text := strings.TrimSpace(value)
	if text == "" {
		return ""
	}
	if m := utcOffsetPattern.FindStringSubmatch(text); m != nil {
		hours, _ := strconv.Atoi(m[2])
		minutes := 0
		if m[3] != "" {
			minutes, _ = strconv.Atoi(m[3])
		}
		if hours > 14 || (hours == 14 && minutes != 0) {
			return ""
		}
		return fmt.Sprintf("UTC%s%02d:%02d", m[1], hours, minutes)
	}
	loc, err := time.LoadLocation(text)
	if err != nil {
		return ""
	}
	_, secs := time.Now().In(loc).Zone()
	return formatOffset(secs)
}

func formatOffset(secs int) string {
	if secs%60 != 0 {
		return ""
	}
	sign := "+"
	if secs < 0 {
		sign = "-"
		secs = -secs
	}
	totalMinutes := secs / 60
	hours, minutes := totalMinutes/60, totalMinutes%60
	if hours > 14 || (hours == 14 && minutes != 0) {
		return ""
	}
	return fmt.Sprintf("UTC%s%02d:%02d", sign, hours, minutes)
}

// normalizeTimezone возвращает каноничное смещение кампании,
// опускаясь к поясу по умолчанию и далее к UTC+09:00.
func normalizeTimezone(value, fallback string) string {
	if s := offsetString(value); s != "" {
		return s
	}
	if s := offsetString(fallback); s != "" {
		return s
	}
	return "UTC+09:00"
}

func normalizeLanguage(value string) string {
	code := strings.ToLower(strings.TrimSpace(value))
	if allowedLanguages[code] {
		return code
	}
	return "ja"
}

func normalizeCouponUsageMode(value string) string {
	if strings.ToLower(strings.TrimSpace(value)) == "custom" {
		return "custom"
	}
	return "campaign"
}

// parseCampaignBoundary разбирает границу кампании: метку времени RFC 3339,
// наивную метку в поясе кампании или дату. Дата раскрывается в начало суток
// для старта и в конец суток для финиша.
func parseCampaignBoundary(value string, end bool, loc *time.Location) (time.Time, bool) {
	text := strings.TrimSpace(value)
	if text == "" {
		return time.Time{}, false
	}

	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t.In(loc), true
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05", text, loc); err == nil {
		return t, true
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04", text, loc); err == nil {
		return t, true
	}
	if d, err := time.ParseInLocation("2006-01-02", text, loc); err == nil {
		if end {
			return d.Add(24*time.Hour - time.Nanosecond), true
		}
		return d, true
	}

	return time.Time{}, false
}
