// Package progress содержит хранилище состояния кампании и прогресса участника.
package progress

import (
	"sort"
	"sync"

	"github.com/mmeshcher/stamprally-system/internal/model"
)

// Change описывает тип изменения состояния хранилища.
type Change string

const (
	ChangeSeedApplied    Change = "seed_applied"
	ChangeProgressSynced Change = "progress_synced"
	ChangeStampApplied   Change = "stamp_applied"
	ChangeCouponUsed     Change = "coupon_used"
	ChangeRewardsCleared Change = "rewards_cleared"
	ChangeReset          Change = "reset"
)

// Store хранит конфигурацию тенанта, список магазинов и прогресс участника.
// Все методы безопасны для конкурентного вызова. Чтения возвращают копии,
// поэтому вызывающая сторона не может изменить внутреннее состояние.
type Store struct {
	mu        sync.RWMutex
	tenant    model.TenantConfig
	hasTenant bool
	stores    []model.Store
	progress  model.UserProgress
	seed      *model.TenantSeed
	recent    []model.Coupon
	listeners []func(Change)
}

// NewStore создаёт пустое хранилище без загруженной кампании.
func NewStore() *Store {
	return &Store{}
}

// Subscribe регистрирует обработчик изменений. Обработчики вызываются
// синхронно после применения изменения и должны перечитывать нужные
// данные через методы хранилища.
func (s *Store) Subscribe(fn func(Change)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// SetSeed полностью заменяет конфигурацию тенанта, магазины и прогресс
// данными сида. Копия сида сохраняется для последующего ResetToSeed.
// Очередь недавних наград очищается.
func (s *Store) SetSeed(seed model.TenantSeed) {
	s.mu.Lock()
	s.tenant = seed.Tenant.Clone()
	s.hasTenant = true
	s.stores = append([]model.Store(nil), seed.Stores...)
	s.progress = seed.InitialProgress.Clone()
	snapshot := seed.Clone()
	s.seed = &snapshot
	s.recent = nil
	s.recomputeStamped()
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	notify(listeners, ChangeSeedApplied)
}

// SetProgress заменяет прогресс участника, не трогая конфигурацию тенанта
// и список магазинов. Очередь недавних наград очищается.
func (s *Store) SetProgress(p model.UserProgress) {
	s.mu.Lock()
	s.progress = p.Clone()
	s.recent = nil
	s.recomputeStamped()
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	notify(listeners, ChangeProgressSynced)
}

// ApplyStampResult применяет результат выдачи штампа: обновляет счётчик,
// список проштампованных магазинов и добавляет новые купоны. Купон с уже
// известным идентификатором не добавляется повторно, существующий
// экземпляр сохраняется как есть. Только действительно новые купоны
// попадают в очередь недавних наград.
func (s *Store) ApplyStampResult(stamps int, newCoupons []model.Coupon, stampedStoreIDs []string) {
	s.mu.Lock()
	s.progress.Stamps = stamps
	s.progress.StampedStoreIDs = append([]string(nil), stampedStoreIDs...)
	s.recomputeStamped()

	existing := make(map[string]struct{}, len(s.progress.Coupons))
	for _, c := range s.progress.Coupons {
		existing[c.ID] = struct{}{}
	}
	for _, c := range newCoupons {
		if _, ok := existing[c.ID]; ok {
			continue
		}
		existing[c.ID] = struct{}{}
		s.progress.Coupons = append(s.progress.Coupons, c)
		s.recent = append(s.recent, c)
	}

	listeners := s.snapshotListeners()
	s.mu.Unlock()

	notify(listeners, ChangeStampApplied)
}

// MarkCouponUsed помечает купон использованным. Неизвестный идентификатор
// и уже использованный купон игнорируются без ошибки.
func (s *Store) MarkCouponUsed(couponID string) {
	s.mu.Lock()
	changed := false
	for i := range s.progress.Coupons {
		if s.progress.Coupons[i].ID != couponID {
			continue
		}
		if !s.progress.Coupons[i].Used {
			s.progress.Coupons[i].Used = true
			changed = true
		}
		break
	}
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	if changed {
		notify(listeners, ChangeCouponUsed)
	}
}

// ClearRecentRewards очищает очередь недавних наград, не затрагивая
// счётчик штампов и список купонов.
func (s *Store) ClearRecentRewards() {
	s.mu.Lock()
	s.recent = nil
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	notify(listeners, ChangeRewardsCleared)
}

// ResetToSeed возвращает состояние к сохранённому сиду. Если сид ни разу
// не загружался, прогресс сбрасывается в пустой с нулём штампов.
func (s *Store) ResetToSeed() {
	s.mu.Lock()
	if s.seed != nil {
		s.tenant = s.seed.Tenant.Clone()
		s.hasTenant = true
		s.stores = append([]model.Store(nil), s.seed.Stores...)
		s.progress = s.seed.InitialProgress.Clone()
	} else {
		s.progress = model.UserProgress{TenantID: s.progress.TenantID}
	}
	s.recent = nil
	s.recomputeStamped()
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	notify(listeners, ChangeReset)
}

// Tenant возвращает копию конфигурации тенанта и признак её наличия.
func (s *Store) Tenant() (model.TenantConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tenant.Clone(), s.hasTenant
}

// ActiveTenantID возвращает идентификатор загруженной кампании или пустую строку.
func (s *Store) ActiveTenantID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasTenant {
		return ""
	}
	return s.tenant.ID
}

// Stores возвращает копию списка магазинов с актуальными отметками о штампах.
func (s *Store) Stores() []model.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Store(nil), s.stores...)
}

// Progress возвращает копию текущего прогресса участника.
func (s *Store) Progress() model.UserProgress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.progress.Clone()
}

// RecentRewards возвращает копию очереди недавно полученных купонов.
func (s *Store) RecentRewards() []model.Coupon {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Coupon(nil), s.recent...)
}

// NextReward возвращает ближайший недостигнутый порог наград. Пороги
// упорядочиваются по возрастанию, при равных порогах побеждает первый
// настроенный.
func (s *Store) NextReward() (model.RewardRule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rules := append([]model.RewardRule(nil), s.tenant.Rules...)
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Threshold < rules[j].Threshold
	})

	for _, r := range rules {
		if r.Threshold > s.progress.Stamps {
			return r, true
		}
	}
	return model.RewardRule{}, false
}

// recomputeStamped пересчитывает отметки hasStamped у магазинов по
// текущему списку проштампованных идентификаторов. Отметка является
// производным полем и никогда не выставляется напрямую.
func (s *Store) recomputeStamped() {
	stamped := make(map[string]struct{}, len(s.progress.StampedStoreIDs))
	for _, id := range s.progress.StampedStoreIDs {
		stamped[id] = struct{}{}
	}
	for i := range s.stores {
		_, ok := stamped[s.stores[i].ID]
		s.stores[i].HasStamped = ok
	}
}

func (s *Store) snapshotListeners() []func(Change) {
	return append(([]func(Change))(nil), s.listeners...)
}

func notify(listeners []func(Change), change Change) {
	for _, fn := range listeners {
		fn(change)
	}
}
