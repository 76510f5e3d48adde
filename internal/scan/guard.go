package scan

import (
	"context"
	"strings"
	"sync"
)

// Submitter обрабатывает код, прошедший защиту от повторов.
type Submitter interface {
	Submit(ctx context.Context, raw string) Outcome
}

// Guard отсеивает пустые и повторные кадры сканера. Сканер декодирует один
// и тот же QR-код десятки раз в секунду, на сервер должна уходить только
// первая расшифровка.
type Guard struct {
	mu        sync.Mutex
	submitter Submitter
	last      string
}

// NewGuard создаёт защиту от повторов поверх указанного обработчика.
func NewGuard(submitter Submitter) *Guard {
	return &Guard{submitter: submitter}
}

// HandleFrame обрабатывает очередной кадр сканера. Возвращает false без
// обработки, если кадр пустой после обрезки пробелов или совпадает с
// последним обработанным. Маркер последнего кода выставляется до обработки
// и не сбрасывается при неудаче, поэтому зависший в кадре код не
// отправляется повторно.
func (g *Guard) HandleFrame(ctx context.Context, raw string) (Outcome, bool) {
	if strings.TrimSpace(raw) == "" {
		return Outcome{}, false
	}

	g.mu.Lock()
	if raw == g.last {
		g.mu.Unlock()
		return Outcome{}, false
	}
	g.last = raw
	g.mu.Unlock()

	return g.submitter.Submit(ctx, raw), true
}

// SubmitManual обрабатывает код, введённый вручную. Маркер последнего кода
// предварительно сбрасывается, поэтому повторный ввод того же кода снова
// попадает в обработку.
func (g *Guard) SubmitManual(ctx context.Context, raw string) (Outcome, bool) {
	g.Reset()
	return g.HandleFrame(ctx, raw)
}

// Reset сбрасывает маркер последнего обработанного кода. Вызывается при
// закрытии и повторном открытии экрана сканирования.
func (g *Guard) Reset() {
	g.mu.Lock()
	g.last = ""
	g.mu.Unlock()
}
