// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/stamprally-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrTenantNotFound возвращается, если тенант не существует или деактивирован.
var (
	ErrTenantNotFound = errors.New("tenant not found")
	// ErrUserExists возвращается при попытке создать пользователя с занятым именем или почтой.
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrCouponNotFound возвращается, если у пользователя нет такого купона.
	ErrCouponNotFound = errors.New("coupon not found")
)

// TenantRecord описывает строку тенанта вместе с сырой конфигурацией кампании.
type TenantRecord struct {
	TenantID           string
	CompanyName        string
	Config             []byte
	AdminPasswordHash  []byte
	MustChangePassword bool
}

// StampOutcome описывает результат проставления штампа в хранилище.
type StampOutcome struct {
	Status          model.StampStatus
	Store           *model.Store
	Stamps          int
	NewCoupons      []model.Coupon
	StampedStoreIDs []string
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны при конфликте сериализации или дедлоке конкурентных транзакций.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового участника и возвращает его идентификатор.
func (r *PostgresRepository) CreateUser(ctx context.Context, user *model.User) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (tenant_id, username, email, password_hash, role, gender, age, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
		 RETURNING id`,
		user.TenantID, user.Username, user.Email, user.PasswordHash, string(user.Role), user.Gender, user.Age,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, user.Username)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByIdentifier возвращает пользователя по имени или почте.
// Пустой tenantID отключает фильтр по тенанту.
func (r *PostgresRepository) GetUserByIdentifier(ctx context.Context, identifier, tenantID string) (*model.User, error) {
	query := `SELECT id, tenant_id, username, email, password_hash, role, COALESCE(gender, ''), age, is_active, created_at
	          FROM users
	          WHERE (username = $1 OR email = $1)`
	args := []any{identifier}
	if tenantID != "" {
		query += ` AND tenant_id = $2`
		args = append(args, tenantID)
	}
	query += ` LIMIT 1`

	var (
		u    model.User
		role string
	)
	err := r.pool.QueryRow(ctx, query, args...).Scan(
		&u.ID, &u.TenantID, &u.Username, &u.Email, &u.PasswordHash, &role, &u.Gender, &u.Age, &u.IsActive, &u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Role = model.Role(role)

	return &u, nil
}

// GetTenant возвращает активного тенанта вместе с сырой конфигурацией кампании.
func (r *PostgresRepository) GetTenant(ctx context.Context, tenantID string) (*TenantRecord, error) {
	var rec TenantRecord
	err := r.pool.QueryRow(ctx,
		`SELECT tenant_id, company_name, COALESCE(config, '{}'::jsonb), admin_password_hash, admin_password_must_change
		 FROM tenants
		 WHERE tenant_id = $1 AND is_active = TRUE`,
		tenantID,
	).Scan(&rec.TenantID, &rec.CompanyName, &rec.Config, &rec.AdminPasswordHash, &rec.MustChangePassword)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &rec, nil
}

// UpdateTenantAdminPassword сохраняет новый хеш пароля администратора и
// снимает требование его смены.
func (r *PostgresRepository) UpdateTenantAdminPassword(ctx context.Context, tenantID string, passwordHash []byte) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE tenants
		 SET admin_password_hash = $2, admin_password_must_change = FALSE, updated_at = now()
		 WHERE tenant_id = $1 AND is_active = TRUE`,
		tenantID, passwordHash,
	)
	if err != nil {
		return fmt.Errorf("update tenant password: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrTenantNotFound
	}
	return nil
}

// GetRewardRules возвращает правила наград тенанта по возрастанию порога.
func (r *PostgresRepository) GetRewardRules(ctx context.Context, tenantID string) ([]model.RewardRule, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT threshold, label, COALESCE(icon, '')
		 FROM reward_rules
		 WHERE tenant_id = $1
		 ORDER BY threshold`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("select reward rules: %w", err)
	}
	defer rows.Close()

	var rules []model.RewardRule
	for rows.Next() {
		var rule model.RewardRule
		if err := rows.Scan(&rule.Threshold, &rule.Label, &rule.Icon); err != nil {
			return nil, fmt.Errorf("scan reward rule: %w", err)
		}
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return rules, nil
}

// GetStores возвращает магазины тенанта по алфавиту.
func (r *PostgresRepository) GetStores(ctx context.Context, tenantID string) ([]model.Store, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT store_id, name, lat, lng, COALESCE(description, ''), COALESCE(image_url, ''), COALESCE(stamp_mark, '')
		 FROM stores
		 WHERE tenant_id = $1
		 ORDER BY name`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("select stores: %w", err)
	}
	defer rows.Close()

	var stores []model.Store
	for rows.Next() {
		var s model.Store
		if err := rows.Scan(&s.ID, &s.Name, &s.Lat, &s.Lng, &s.Description, &s.ImageURL, &s.StampMark); err != nil {
			return nil, fmt.Errorf("scan store: %w", err)
		}
		s.TenantID = tenantID
		stores = append(stores, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return stores, nil
}

// EnsureProgress создаёт строку прогресса пользователя, если её ещё нет.
func (r *PostgresRepository) EnsureProgress(ctx context.Context, userID int64, tenantID string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_progress (user_id, tenant_id, stamps)
		 VALUES ($1, $2, 0)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("ensure progress: %w", err)
	}
	return nil
}

// GetStampCount возвращает текущее количество штампов пользователя.
func (r *PostgresRepository) GetStampCount(ctx context.Context, userID int64) (int, error) {
	var stamps int
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE((SELECT stamps FROM user_progress WHERE user_id = $1), 0)`,
		userID,
	).Scan(&stamps)
	if err != nil {
		return 0, fmt.Errorf("get stamp count: %w", err)
	}
	return stamps, nil
}

// GetUserCoupons возвращает купоны пользователя в порядке выдачи.
func (r *PostgresRepository) GetUserCoupons(ctx context.Context, userID int64) ([]model.Coupon, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT coupon_id, tenant_id, title, COALESCE(description, ''), used
		 FROM user_coupons
		 WHERE user_id = $1
		 ORDER BY created_at, id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select coupons: %w", err)
	}
	defer rows.Close()

	var coupons []model.Coupon
	for rows.Next() {
		var c model.Coupon
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Title, &c.Description, &c.Used); err != nil {
			return nil, fmt.Errorf("scan coupon: %w", err)
		}
		coupons = append(coupons, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return coupons, nil
}

// GetStampedStoreIDs возвращает идентификаторы магазинов, где пользователь уже получил штамп.
func (r *PostgresRepository) GetStampedStoreIDs(ctx context.Context, userID int64) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT store_id
		 FROM user_store_stamps
		 WHERE user_id = $1
		 ORDER BY id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select stamped stores: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stamped store: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return ids, nil
}

// RecordStamp атомарно проставляет штамп магазина и выдаёт купоны достигнутых порогов.
// Повторное сканирование того же магазина возвращает already_stamped без изменения счётчика.
func (r *PostgresRepository) RecordStamp(ctx context.Context, userID int64, tenantID, storeID, language string) (*StampOutcome, error) {
	var out *StampOutcome
	err := r.withRetry(ctx, func() error {
		var txErr error
		out, txErr = r.recordStampTx(ctx, userID, tenantID, storeID, language)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *PostgresRepository) recordStampTx(ctx context.Context, userID int64, tenantID, storeID, language string) (*StampOutcome, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var store model.Store
	err = tx.QueryRow(ctx,
		`SELECT store_id, name, lat, lng, COALESCE(description, ''), COALESCE(image_url, ''), COALESCE(stamp_mark, '')
		 FROM stores
		 WHERE tenant_id = $1 AND store_id = $2`,
		tenantID, storeID,
	).Scan(&store.ID, &store.Name, &store.Lat, &store.Lng, &store.Description, &store.ImageURL, &store.StampMark)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			stamps, countErr := stampCountTx(ctx, tx, userID)
			if countErr != nil {
				return nil, countErr
			}
			if err := tx.Commit(ctx); err != nil {
				return nil, fmt.Errorf("commit tx: %w", err)
			}
			return &StampOutcome{
				Status:          model.StampStatusStoreNotFound,
				Stamps:          stamps,
				NewCoupons:      []model.Coupon{},
				StampedStoreIDs: []string{},
			}, nil
		}
		return nil, fmt.Errorf("select store: %w", err)
	}
	store.TenantID = tenantID
	store.HasStamped = true

	_, err = tx.Exec(ctx,
		`INSERT INTO user_progress (user_id, tenant_id, stamps)
		 VALUES ($1, $2, 0)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure progress: %w", err)
	}

	cmdTag, err := tx.Exec(ctx,
		`INSERT INTO user_store_stamps (user_id, tenant_id, store_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, store_id) DO NOTHING`,
		userID, tenantID, storeID,
	)
	if err != nil {
		return nil, fmt.Errorf("insert stamp: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		stamps, err := stampCountTx(ctx, tx, userID)
		if err != nil {
			return nil, err
		}
		stampedIDs, err := stampedStoreIDsTx(ctx, tx, userID)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit tx: %w", err)
		}
		return &StampOutcome{
			Status:          model.StampStatusAlreadyStamped,
			Store:           &store,
			Stamps:          stamps,
			NewCoupons:      []model.Coupon{},
			StampedStoreIDs: stampedIDs,
		}, nil
	}

	var stamps int
	err = tx.QueryRow(ctx,
		`UPDATE user_progress
		 SET stamps = stamps + 1, updated_at = now()
		 WHERE user_id = $1
		 RETURNING stamps`,
		userID,
	).Scan(&stamps)
	if err != nil {
		return nil, fmt.Errorf("increment stamps: %w", err)
	}

	ruleRows, err := tx.Query(ctx,
		`SELECT threshold, label, COALESCE(icon, '')
		 FROM reward_rules
		 WHERE tenant_id = $1 AND threshold <= $2
		 ORDER BY threshold`,
		tenantID, stamps,
	)
	if err != nil {
		return nil, fmt.Errorf("select reward rules: %w", err)
	}

	var reached []model.RewardRule
	for ruleRows.Next() {
		var rule model.RewardRule
		if err := ruleRows.Scan(&rule.Threshold, &rule.Label, &rule.Icon); err != nil {
			ruleRows.Close()
			return nil, fmt.Errorf("scan reward rule: %w", err)
		}
		reached = append(reached, rule)
	}
	ruleRows.Close()
	if err := ruleRows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	newCoupons := make([]model.Coupon, 0, len(reached))
	for _, rule := range reached {
		couponID := model.RuleCouponID(tenantID, rule.Threshold)
		description := model.CouponDescription(rule.Threshold, language)

		cmdTag, err := tx.Exec(ctx,
			`INSERT INTO user_coupons (user_id, tenant_id, coupon_id, title, description, used)
			 VALUES ($1, $2, $3, $4, $5, FALSE)
			 ON CONFLICT (user_id, coupon_id) DO NOTHING`,
			userID, tenantID, couponID, rule.Label, description,
		)
		if err != nil {
			return nil, fmt.Errorf("grant coupon: %w", err)
		}
		if cmdTag.RowsAffected() == 1 {
			newCoupons = append(newCoupons, model.Coupon{
				ID:          couponID,
				TenantID:    tenantID,
				Title:       rule.Label,
				Description: description,
				Used:        false,
				Icon:        rule.Icon,
			})
		}
	}

	stampedIDs, err := stampedStoreIDsTx(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &StampOutcome{
		Status:          model.StampStatusStamped,
		Store:           &store,
		Stamps:          stamps,
		NewCoupons:      newCoupons,
		StampedStoreIDs: stampedIDs,
	}, nil
}

// MarkCouponUsed помечает купон пользователя использованным. Повторная
// отметка не является ошибкой и возвращает купон в текущем состоянии.
func (r *PostgresRepository) MarkCouponUsed(ctx context.Context, userID int64, couponID string) (*model.Coupon, error) {
	var c model.Coupon
	err := r.pool.QueryRow(ctx,
		`UPDATE user_coupons
		 SET used = TRUE, updated_at = now()
		 WHERE user_id = $1 AND coupon_id = $2
		 RETURNING coupon_id, tenant_id, title, COALESCE(description, ''), used`,
		userID, couponID,
	).Scan(&c.ID, &c.TenantID, &c.Title, &c.Description, &c.Used)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCouponNotFound
		}
		return nil, fmt.Errorf("mark coupon used: %w", err)
	}
	return &c, nil
}

func stampCountTx(ctx context.Context, tx pgx.Tx, userID int64) (int, error) {
	var stamps int
	err := tx.QueryRow(ctx,
		`SELECT COALESCE((SELECT stamps FROM user_progress WHERE user_id = $1), 0)`,
		userID,
	).Scan(&stamps)
	if err != nil {
		return 0, fmt.Errorf("get stamp count: %w", err)
	}
	return stamps, nil
}

func stampedStoreIDsTx(ctx context.Context, tx pgx.Tx, userID int64) ([]string, error) {
	rows, err := tx.Query(ctx,
		`SELECT store_id
		 FROM user_store_stamps
		 WHERE user_id = $1
		 ORDER BY id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select stamped stores: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stamped store: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return ids, nil
}
