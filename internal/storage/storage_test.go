package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/qiuyier/ledger-sync/internal/currency"
	"github.com/qiuyier/ledger-sync/internal/ledger"
)

// setupTestDB 内存 sqlite，单连接保证所有语句看到同一个库
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, AutoMigrate(db))
	return db
}

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	dialector := postgres.New(postgres.Config{
		Conn:       mockDB,
		DriverName: "postgres",
	})

	gormDB, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	return gormDB, mock, mockDB
}

func rate(base, target, value string) currency.Rate {
	return currency.Rate{Base: base, Target: target, Value: decimal.RequireFromString(value)}
}

// ---------------------------------------------------------------------------
// RateRepository
// ---------------------------------------------------------------------------

func TestRateRepository_ReplaceActive(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRateRepository(db)
	ctx := context.Background()

	t.Run("first sync on empty table", func(t *testing.T) {
		now := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
		require.NoError(t, repo.ReplaceActive(ctx, []currency.Rate{
			rate("USD", "EUR", "0.92"),
			rate("GBP", "EUR", "1.17"),
		}, now))

		table, err := repo.ActiveRates(ctx)
		require.NoError(t, err)
		assert.Len(t, table, 2)

		got, err := currency.Convert(decimal.NewFromInt(100), "USD", "EUR", table)
		require.NoError(t, err)
		assert.Equal(t, "92.00", got.StringFixed(2))
	})

	t.Run("next sync fully replaces active set", func(t *testing.T) {
		now := time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC)
		require.NoError(t, repo.ReplaceActive(ctx, []currency.Rate{
			rate("USD", "EUR", "0.93"),
		}, now))

		table, err := repo.ActiveRates(ctx)
		require.NoError(t, err)
		require.Len(t, table, 1)

		value, ok := table.Lookup("USD", "EUR")
		require.True(t, ok)
		assert.True(t, value.Equal(decimal.RequireFromString("0.93")))

		_, ok = table[currency.Pair{Base: "GBP", Target: "EUR"}]
		assert.False(t, ok, "pairs absent from the new batch are no longer active")

		// 旧记录只过期不删除
		var expired int64
		require.NoError(t, db.Model(&ExchangeRateModel{}).Where("expires_at IS NOT NULL").Count(&expired).Error)
		assert.Equal(t, int64(2), expired)
	})
}

func TestRateRepository_ReplaceActiveRollsBackOnInsertFailure(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRateRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.ReplaceActive(ctx, []currency.Rate{rate("USD", "EUR", "0.92")}, time.Now()))

	// 同一批次出现重复币种对，违反生效汇率唯一索引
	err := repo.ReplaceActive(ctx, []currency.Rate{
		rate("USD", "EUR", "0.95"),
		rate("USD", "EUR", "0.96"),
	}, time.Now())
	require.Error(t, err)

	table, err := repo.ActiveRates(ctx)
	require.NoError(t, err)
	value, ok := table.Lookup("USD", "EUR")
	require.True(t, ok, "previous rates stay active after rollback")
	assert.True(t, value.Equal(decimal.RequireFromString("0.92")))
}

func TestRateRepository_ReplaceActiveExpireFailure(t *testing.T) {
	db, mock, mockDB := newMockDB(t)
	defer mockDB.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "exchange_rates" SET "expires_at"=\$1 WHERE expires_at IS NULL`).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := NewRateRepository(db).ReplaceActive(context.Background(), []currency.Rate{rate("USD", "EUR", "0.92")}, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expire active rates")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateRepository_ActiveRatesEmpty(t *testing.T) {
	repo := NewRateRepository(setupTestDB(t))

	table, err := repo.ActiveRates(context.Background())
	require.NoError(t, err)
	assert.Empty(t, table)
}

// ---------------------------------------------------------------------------
// LedgerRepository
// ---------------------------------------------------------------------------

type ledgerFixture struct {
	repo   *LedgerRepository
	user   UserModel
	food   TransactionGroupModel
	coffee TransactionModel
	rent   TransactionModel
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()

	db := setupTestDB(t)
	f := &ledgerFixture{repo: NewLedgerRepository(db)}

	f.user = UserModel{ID: uuid.New(), Email: "ada@example.com", BaseCurrency: "EUR"}
	f.food = TransactionGroupModel{ID: uuid.New(), UserID: f.user.ID, Name: "Food"}
	f.coffee = TransactionModel{ID: uuid.New(), UserID: f.user.ID, Name: "Coffee", Amount: decimal.RequireFromString("4.50"), Currency: "USD"}
	f.rent = TransactionModel{ID: uuid.New(), UserID: f.user.ID, Name: "Rent", Amount: decimal.RequireFromString("900"), Currency: "EUR"}

	require.NoError(t, db.Create(&f.user).Error)
	require.NoError(t, db.Create(&f.food).Error)
	require.NoError(t, db.Create(&f.coffee).Error)
	require.NoError(t, db.Create(&f.rent).Error)
	return f
}

func TestLedgerRepository_GetUser(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	user, err := f.repo.GetUser(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", user.Email)
	assert.Equal(t, "EUR", user.BaseCurrency)

	_, err = f.repo.GetUser(ctx, uuid.New())
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestLedgerRepository_List(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	txs, err := f.repo.ListTransactions(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 2)

	groups, err := f.repo.ListGroups(ctx, f.user.ID)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "Food", groups[0].Name)

	other, err := f.repo.ListTransactions(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestLedgerRepository_SaveTransactions(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	coffee := f.coffee.toDomain()
	coffee.AssignGroup(f.food.ID)
	coffee.Amount = decimal.RequireFromString("4.14")
	coffee.Currency = "EUR"

	require.NoError(t, f.repo.SaveTransactions(ctx, []ledger.Transaction{coffee}))

	txs, err := f.repo.ListTransactions(ctx, f.user.ID)
	require.NoError(t, err)

	byName := make(map[string]ledger.Transaction, len(txs))
	for _, tx := range txs {
		byName[tx.Name] = tx
	}

	saved := byName["Coffee"]
	require.NotNil(t, saved.GroupID)
	assert.Equal(t, f.food.ID, *saved.GroupID)
	assert.Equal(t, "EUR", saved.Currency)
	assert.True(t, saved.Amount.Equal(decimal.RequireFromString("4.14")))
	assert.Nil(t, byName["Rent"].GroupID)
}

func TestLedgerRepository_SaveTransactionsIsAtomic(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	coffee := f.coffee.toDomain()
	coffee.AssignGroup(f.food.ID)
	missing := ledger.Transaction{ID: uuid.New(), UserID: f.user.ID, Amount: decimal.NewFromInt(1), Currency: "EUR"}

	err := f.repo.SaveTransactions(ctx, []ledger.Transaction{coffee, missing})
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	txs, err := f.repo.ListTransactions(ctx, f.user.ID)
	require.NoError(t, err)
	for _, tx := range txs {
		assert.Nil(t, tx.GroupID, "%s must not be updated", tx.Name)
	}
}
