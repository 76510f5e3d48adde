// Package main запускает консольный киоск кампании штамп-ралли.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/stamprally-system/internal/api"
	"github.com/mmeshcher/stamprally-system/internal/config"
	"github.com/mmeshcher/stamprally-system/internal/progress"
	"github.com/mmeshcher/stamprally-system/internal/scan"
	"github.com/mmeshcher/stamprally-system/internal/seed"
	"github.com/mmeshcher/stamprally-system/internal/session"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.ParseKiosk()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := api.NewClient(cfg.APIAddress, logger)

	var store session.TokenStore
	if cfg.RedisAddr != "" {
		rs := session.NewRedisStore(cfg.RedisAddr, logger)
		defer rs.Close()
		if err := rs.Ping(ctx); err != nil {
			sugar.Fatalw("redis unavailable", "addr", cfg.RedisAddr, "error", err.Error())
		}
		store = rs
	} else {
		store = session.NewMemoryStore()
	}

	progressStore := progress.NewStore()
	reader := session.NewReader(store)
	reconciler := seed.NewReconciler(client, progressStore, reader, logger)
	manager := session.NewManager(store, progressStore, client, reconciler, logger)
	controller := scan.NewController(progressStore, client, manager, logger)
	guard := scan.NewGuard(controller)

	k := &kiosk{
		api:      client,
		manager:  manager,
		guard:    guard,
		progress: progressStore,
		logger:   logger,
	}

	progressStore.Subscribe(func(change progress.Change) {
		switch change {
		case progress.ChangeSeedApplied:
			if tenant, ok := progressStore.Tenant(); ok {
				fmt.Printf("campaign loaded: %s\n", tenant.TenantName)
			}
		case progress.ChangeProgressSynced:
			fmt.Printf("progress synced: %d stamps\n", progressStore.Progress().Stamps)
		case progress.ChangeReset:
			fmt.Println("session ended, progress reset")
		}
	})

	manager.Restore(ctx)
	if err := manager.SwitchTenant(ctx, cfg.TenantID); err != nil {
		sugar.Warnw("initial campaign load failed", "tenant", cfg.TenantID, "error", err.Error())
	}

	sugar.Infow("kiosk started", "kiosk", cfg.KioskID, "tenant", cfg.TenantID)

	g, ctx := errgroup.WithContext(ctx)

	// Слежение за сессией, разделяемой с другими киосками
	g.Go(func() error {
		return manager.Watch(ctx)
	})

	// Консольный цикл киоска
	g.Go(func() error {
		defer stop()
		return k.run(ctx)
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("kiosk terminated with error", "error", err)
	}
}

// kiosk объединяет зависимости консольного цикла.
type kiosk struct {
	api      *api.Client
	manager  *session.Manager
	guard    *scan.Guard
	progress *progress.Store
	logger   *zap.Logger
}

// run читает строки со стандартного ввода: строки без косой черты считаются
// кадрами сканера, команды начинаются с косой черты.
func (k *kiosk) run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	k.printHelp()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := k.handleLine(ctx, line); quit {
				return nil
			}
		}
	}
}

func (k *kiosk) handleLine(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	if !strings.HasPrefix(line, "/") {
		if outcome, handled := k.guard.HandleFrame(ctx, line); handled {
			k.printOutcome(outcome)
		}
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/help":
		k.printHelp()
	case "/enter":
		if len(fields) < 2 {
			fmt.Println("usage: /enter CODE")
			return false
		}
		if outcome, handled := k.guard.SubmitManual(ctx, fields[1]); handled {
			k.printOutcome(outcome)
		}
	case "/login":
		if len(fields) < 3 {
			fmt.Println("usage: /login IDENTIFIER PASSWORD")
			return false
		}
		if err := k.manager.Login(ctx, fields[1], fields[2]); err != nil {
			fmt.Println(err.Error())
			return false
		}
		if id, ok := k.manager.Identity(); ok {
			fmt.Printf("signed in as %s\n", id.Username)
		}
	case "/logout":
		if err := k.manager.Logout(ctx); err != nil {
			fmt.Println(err.Error())
			return false
		}
		fmt.Println("signed out")
	case "/tenant":
		if len(fields) < 2 {
			fmt.Println("usage: /tenant TENANT_ID")
			return false
		}
		if err := k.manager.SwitchTenant(ctx, fields[1]); err != nil {
			fmt.Println(err.Error())
		}
	case "/progress":
		k.printProgress(ctx)
	case "/coupons":
		k.printCoupons()
	case "/use":
		if len(fields) < 2 {
			fmt.Println("usage: /use COUPON_ID")
			return false
		}
		k.useCoupon(ctx, fields[1])
	case "/admin":
		if len(fields) < 3 {
			fmt.Println("usage: /admin TENANT_ID PASSWORD")
			return false
		}
		adminSession, err := k.manager.AdminLogin(ctx, fields[1], fields[2])
		if err != nil {
			fmt.Println(err.Error())
			return false
		}
		fmt.Printf("admin session for %s\n", adminSession.CompanyName)
		if adminSession.MustChangePassword {
			fmt.Println("warning: the admin password must be changed")
		}
	case "/admin-logout":
		if err := k.manager.ClearAdminSession(ctx); err != nil {
			fmt.Println(err.Error())
			return false
		}
		fmt.Println("admin session cleared")
	case "/reset":
		k.guard.Reset()
		fmt.Println("scanner reset")
	case "/quit":
		return true
	default:
		fmt.Printf("unknown command: %s\n", fields[0])
	}
	return false
}

func (k *kiosk) printOutcome(outcome scan.Outcome) {
	fmt.Printf("[%s] %s\n", outcome.Status, outcome.Message)

	if !outcome.GoHome {
		return
	}
	for _, reward := range k.progress.RecentRewards() {
		fmt.Printf("new reward: %s\n", reward.Title)
	}
	k.progress.ClearRecentRewards()

	p := k.progress.Progress()
	if next, ok := k.progress.NextReward(); ok {
		fmt.Printf("stamps: %d, next reward at %d: %s\n", p.Stamps, next.Threshold, next.Label)
	} else {
		fmt.Printf("stamps: %d\n", p.Stamps)
	}
}

func (k *kiosk) printProgress(ctx context.Context) {
	tenant, ok := k.progress.Tenant()
	if !ok {
		fmt.Println("no campaign loaded")
		return
	}

	if id, signedIn := k.manager.Identity(); signedIn {
		fmt.Printf("signed in as %s\n", id.Username)
	} else {
		fmt.Println("not signed in")
	}

	p := k.progress.Progress()
	fmt.Printf("campaign %s: %d stamps, %d of %d stores visited\n",
		tenant.TenantName, p.Stamps, len(p.StampedStoreIDs), len(k.progress.Stores()))
	if next, ok := k.progress.NextReward(); ok {
		fmt.Printf("next reward at %d stamps: %s\n", next.Threshold, next.Label)
	}
}

func (k *kiosk) printCoupons() {
	coupons := k.progress.Progress().Coupons
	if len(coupons) == 0 {
		fmt.Println("no coupons yet")
		return
	}
	for _, c := range coupons {
		state := "available"
		if c.Used {
			state = "used"
		}
		fmt.Printf("%s  %s (%s)\n", c.ID, c.Title, state)
	}
}

func (k *kiosk) useCoupon(ctx context.Context, couponID string) {
	token := k.manager.Token(ctx)
	if token == "" {
		fmt.Println("sign in to use coupons")
		return
	}

	coupon, err := k.api.UseCoupon(ctx, token, couponID)
	if err != nil {
		fmt.Println(err.Error())
		return
	}

	k.progress.MarkCouponUsed(coupon.ID)
	fmt.Printf("coupon redeemed: %s\n", coupon.Title)
}

func (k *kiosk) printHelp() {
	fmt.Println("scan a code by typing it, or use a command:")
	fmt.Println("  /enter CODE            submit a code manually")
	fmt.Println("  /login USER PASSWORD   sign in")
	fmt.Println("  /logout                sign out")
	fmt.Println("  /tenant TENANT_ID      switch campaign")
	fmt.Println("  /progress              show campaign progress")
	fmt.Println("  /coupons               list coupons")
	fmt.Println("  /use COUPON_ID         redeem a coupon")
	fmt.Println("  /admin TENANT PASSWORD tenant admin sign in")
	fmt.Println("  /admin-logout          clear the admin session")
	fmt.Println("  /reset                 reset the scanner")
	fmt.Println("  /quit                  exit")
}
