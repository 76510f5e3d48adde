// Package payload разбирает строки QR-кодов, используемых для выдачи штампов.
package payload

import (
	"errors"
	"strings"
)

// Prefix — обязательный префикс всех кодов выдачи штампов.
const Prefix = "STAMP:"

// ErrMalformed возвращается для строк, не соответствующих формату кода.
var ErrMalformed = errors.New("malformed stamp code")

// Code содержит разобранный код: идентификаторы тенанта и магазина.
type Code struct {
	TenantID string
	StoreID  string
}

// Parse разбирает строку кода. Код без сегмента тенанта относится к activeTenant.
// Идентификатор магазина может содержать двоеточия, поэтому после первого
// сегмента остаток склеивается обратно.
func Parse(raw, activeTenant string) (Code, error) {
	if !strings.HasPrefix(raw, Prefix) {
		return Code{}, ErrMalformed
	}

	rest := strings.TrimSpace(strings.TrimPrefix(raw, Prefix))
	if rest == "" {
		return Code{}, ErrMalformed
	}

	parts := strings.Split(rest, ":")
	segments := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			segments = append(segments, s)
		}
	}

	switch len(segments) {
	case 0:
		return Code{}, ErrMalformed
	case 1:
		return Code{TenantID: activeTenant, StoreID: segments[0]}, nil
	default:
		return Code{TenantID: segments[0], StoreID: strings.Join(segments[1:], ":")}, nil
	}
}
