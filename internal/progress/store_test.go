package progress

import (
	"testing"

	"github.com/mmeshcher/stamprally-system/internal/model"
)

func testSeed() model.TenantSeed {
	return model.TenantSeed{
		Tenant: model.TenantConfig{
			ID:         "kissa",
			TenantName: "Kissa Coffee",
			Rules: []model.RewardRule{
				{Threshold: 3, Label: "Free drip coffee"},
				{Threshold: 5, Label: "Free dessert"},
			},
		},
		Stores: []model.Store{
			{ID: "store-001", TenantID: "kissa", Name: "Kissa Ginza"},
			{ID: "store-002", TenantID: "kissa", Name: "Kissa Ueno"},
		},
		InitialProgress: model.UserProgress{TenantID: "kissa"},
	}
}

func TestSetSeed_AppliesSnapshot(t *testing.T) {
	s := NewStore()
	s.SetSeed(testSeed())

	tenant, ok := s.Tenant()
	if !ok {
		t.Fatalf("tenant not set after SetSeed")
	}
	if tenant.ID != "kissa" {
		t.Fatalf("tenant id = %q, want kissa", tenant.ID)
	}
	if got := s.ActiveTenantID(); got != "kissa" {
		t.Fatalf("ActiveTenantID = %q, want kissa", got)
	}
	if stores := s.Stores(); len(stores) != 2 {
		t.Fatalf("stores = %d, want 2", len(stores))
	}
	if p := s.Progress(); p.Stamps != 0 || len(p.Coupons) != 0 {
		t.Fatalf("unexpected initial progress: %+v", p)
	}
}

func TestApplyStampResult_RecomputesStampedFlags(t *testing.T) {
	s := NewStore()
	s.SetSeed(testSeed())

	s.ApplyStampResult(1, nil, []string{"store-001"})

	stores := s.Stores()
	if !stores[0].HasStamped {
		t.Fatalf("store-001 must be marked as stamped")
	}
	if stores[1].HasStamped {
		t.Fatalf("store-002 must not be marked as stamped")
	}
	if p := s.Progress(); p.Stamps != 1 || len(p.StampedStoreIDs) != 1 {
		t.Fatalf("unexpected progress: %+v", p)
	}
}

func TestApplyStampResult_KeepsExistingCouponOnDuplicate(t *testing.T) {
	s := NewStore()
	s.SetSeed(testSeed())

	coupon := model.Coupon{ID: "tenant-kissa-rule-3", TenantID: "kissa", Title: "Free drip coffee"}
	s.ApplyStampResult(3, []model.Coupon{coupon}, []string{"store-001"})
	s.MarkCouponUsed(coupon.ID)
	s.ClearRecentRewards()

	// Сервер может повторно прислать уже известный купон, локальная отметка
	// об использовании при этом не должна потеряться.
	s.ApplyStampResult(4, []model.Coupon{coupon}, []string{"store-001", "store-002"})

	p := s.Progress()
	if len(p.Coupons) != 1 {
		t.Fatalf("coupons = %d, want 1", len(p.Coupons))
	}
	if !p.Coupons[0].Used {
		t.Fatalf("used flag lost after duplicate coupon delivery")
	}
	if recent := s.RecentRewards(); len(recent) != 0 {
		t.Fatalf("duplicate coupon must not enter recent rewards, got %d", len(recent))
	}
}

func TestApplyStampResult_DeduplicatesWithinBatch(t *testing.T) {
	s := NewStore()
	s.SetSeed(testSeed())

	coupon := model.Coupon{ID: "tenant-kissa-rule-3", Title: "Free drip coffee"}
	s.ApplyStampResult(3, []model.Coupon{coupon, coupon}, []string{"store-001"})

	if p := s.Progress(); len(p.Coupons) != 1 {
		t.Fatalf("coupons = %d, want 1", len(p.Coupons))
	}
	if recent := s.RecentRewards(); len(recent) != 1 {
		t.Fatalf("recent rewards = %d, want 1", len(recent))
	}
}

func TestClearRecentRewards_KeepsProgress(t *testing.T) {
	s := NewStore()
	s.SetSeed(testSeed())

	coupon := model.Coupon{ID: "tenant-kissa-rule-3", Title: "Free drip coffee"}
	s.ApplyStampResult(3, []model.Coupon{coupon}, []string{"store-001"})

	s.ClearRecentRewards()

	if recent := s.RecentRewards(); len(recent) != 0 {
		t.Fatalf("recent rewards = %d, want 0", len(recent))
	}
	p := s.Progress()
	if p.Stamps != 3 || len(p.Coupons) != 1 {
		t.Fatalf("clearing recent rewards must not touch progress: %+v", p)
	}
}

func TestMarkCouponUsed_UnknownIDIgnored(t *testing.T) {
	s := NewStore()
	s.SetSeed(testSeed())

	notified := 0
	s.Subscribe(func(Change) { notified++ })

	s.MarkCouponUsed("missing")

	if notified != 0 {
		t.Fatalf("no notification expected for unknown coupon id")
	}
}

func TestResetToSeed_RestoresInitialProgress(t *testing.T) {
	seed := testSeed()
	seed.InitialProgress = model.UserProgress{
		TenantID:        "kissa",
		Stamps:          2,
		StampedStoreIDs: []string{"store-001"},
	}

	s := NewStore()
	s.SetSeed(seed)

	s.SetProgress(model.UserProgress{
		TenantID:        "kissa",
		Stamps:          5,
		Coupons:         []model.Coupon{{ID: "tenant-kissa-rule-3"}},
		StampedStoreIDs: []string{"store-001", "store-002"},
	})

	s.ResetToSeed()

	p := s.Progress()
	if p.Stamps != 2 {
		t.Fatalf("stamps = %d, want seed value 2", p.Stamps)
	}
	if len(p.Coupons) != 0 {
		t.Fatalf("coupons = %d, want 0", len(p.Coupons))
	}
	if len(p.StampedStoreIDs) != 1 || p.StampedStoreIDs[0] != "store-001" {
		t.Fatalf("stamped ids = %v, want seed value", p.StampedStoreIDs)
	}

	stores := s.Stores()
	if !stores[0].HasStamped || stores[1].HasStamped {
		t.Fatalf("stamped flags not recomputed after reset: %+v", stores)
	}
	if got := s.ActiveTenantID(); got != "kissa" {
		t.Fatalf("tenant must survive reset, got %q", got)
	}
}

func TestResetToSeed_WithoutSeed(t *testing.T) {
	s := NewStore()
	s.ResetToSeed()

	if p := s.Progress(); p.Stamps != 0 || len(p.Coupons) != 0 {
		t.Fatalf("unexpected progress after reset without seed: %+v", p)
	}
}

func TestSetProgress_ClearsRecentRewards(t *testing.T) {
	s := NewStore()
	s.SetSeed(testSeed())

	coupon := model.Coupon{ID: "tenant-kissa-rule-3"}
	s.ApplyStampResult(3, []model.Coupon{coupon}, nil)

	s.SetProgress(model.UserProgress{TenantID: "kissa", Stamps: 3, Coupons: []model.Coupon{coupon}})

	if recent := s.RecentRewards(); len(recent) != 0 {
		t.Fatalf("recent rewards must be cleared by SetProgress, got %d", len(recent))
	}
}

func TestNextReward(t *testing.T) {
	tests := []struct {
		name      string
		rules     []model.RewardRule
		stamps    int
		wantLabel string
		wantOK    bool
	}{
		{
			name:      "first threshold ahead",
			rules:     []model.RewardRule{{Threshold: 3, Label: "coffee"}, {Threshold: 5, Label: "dessert"}},
			stamps:    0,
			wantLabel: "coffee",
			wantOK:    true,
		},
		{
			name:      "threshold reached moves to next",
			rules:     []model.RewardRule{{Threshold: 3, Label: "coffee"}, {Threshold: 5, Label: "dessert"}},
			stamps:    3,
			wantLabel: "dessert",
			wantOK:    true,
		},
		{
			name:   "all thresholds reached",
			rules:  []model.RewardRule{{Threshold: 3, Label: "coffee"}},
			stamps: 3,
			wantOK: false,
		},
		{
			name:      "equal thresholds keep configured order",
			rules:     []model.RewardRule{{Threshold: 5, Label: "first"}, {Threshold: 3, Label: "early"}, {Threshold: 5, Label: "second"}},
			stamps:    4,
			wantLabel: "first",
			wantOK:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seed := testSeed()
			seed.Tenant.Rules = tt.rules
			seed.InitialProgress.Stamps = tt.stamps

			s := NewStore()
			s.SetSeed(seed)

			rule, ok := s.NextReward()
			if ok != tt.wantOK {
				t.Fatalf("NextReward ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && rule.Label != tt.wantLabel {
				t.Fatalf("NextReward label = %q, want %q", rule.Label, tt.wantLabel)
			}
		})
	}
}

func TestReadsReturnCopies(t *testing.T) {
	s := NewStore()
	s.SetSeed(testSeed())

	stores := s.Stores()
	stores[0].HasStamped = true
	if fresh := s.Stores(); fresh[0].HasStamped {
		t.Fatalf("mutation of returned slice leaked into store")
	}

	p := s.Progress()
	p.Coupons = append(p.Coupons, model.Coupon{ID: "x"})
	if fresh := s.Progress(); len(fresh.Coupons) != 0 {
		t.Fatalf("mutation of returned progress leaked into store")
	}
}

func TestSubscribe_NotifiesOnMutations(t *testing.T) {
	s := NewStore()

	var changes []Change
	s.Subscribe(func(c Change) { changes = append(changes, c) })

	s.SetSeed(testSeed())
	s.ApplyStampResult(1, nil, []string{"store-001"})
	s.ClearRecentRewards()
	s.ResetToSeed()

	want := []Change{ChangeSeedApplied, ChangeStampApplied, ChangeRewardsCleared, ChangeReset}
	if len(changes) != len(want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Fatalf("change[%d] = %q, want %q", i, changes[i], want[i])
		}
	}
}
