// Package session управляет сохранёнными сессиями участника и
// администратора тенанта.
package session

import "context"

// Ключи, под которыми хранятся токены сессий.
const (
	KeyAuthToken    = "auth_token"
	KeyAdminSession = "admin_session"
)

// Change описывает изменение значения в хранилище сессий. Пустое значение
// означает, что ключ был очищен.
type Change struct {
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

// TokenStore — хранилище токенов, разделяемое процессами киоска. Watch
// доставляет изменения, сделанные в том числе другими процессами: вход
// или выход в одном киоске виден остальным.
type TokenStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Clear(ctx context.Context, key string) error
	Watch(ctx context.Context) (<-chan Change, error)
}
