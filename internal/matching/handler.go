package matching

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qiuyier/ledger-sync/internal/broker"
	"github.com/qiuyier/ledger-sync/internal/consts"
	"github.com/qiuyier/ledger-sync/internal/currency"
	"github.com/qiuyier/ledger-sync/internal/ledger"
	"github.com/qiuyier/ledger-sync/internal/notify"
)

var (
	ErrInvalidRequest = errors.New("invalid match request")
	ErrUserNotFound   = errors.New("user not found")
	ErrNothingToMatch = errors.New("nothing to match")
)

type LedgerStore interface {
	GetUser(ctx context.Context, id uuid.UUID) (*ledger.User, error)
	ListTransactions(ctx context.Context, userID uuid.UUID) ([]ledger.Transaction, error)
	ListGroups(ctx context.Context, userID uuid.UUID) ([]ledger.TransactionGroup, error)
	SaveTransactions(ctx context.Context, txs []ledger.Transaction) error
}

// RateSource 当前有效汇率快照
type RateSource interface {
	Snapshot(ctx context.Context) (currency.RateTable, error)
}

type CorrelationStore interface {
	Lookup(ctx context.Context, correlationID string) (string, bool, error)
	Remove(ctx context.Context, correlationID string) error
}

// RefreshedPayload TransactionsRefreshed 推送内容
type RefreshedPayload struct {
	CorrelationID string `json:"correlationId"`
	Grouped       int    `json:"grouped"`
	Normalized    int    `json:"normalized"`
}

// Handler 把分类结果应用到用户交易，换算本位币后提交并推送刷新通知
type Handler struct {
	store        LedgerStore
	rates        RateSource
	correlations CorrelationStore
	notifier     notify.Notifier
	logger       *zap.Logger
}

// NewHandler correlations 可为 nil
func NewHandler(store LedgerStore, rates RateSource, correlations CorrelationStore, notifier notify.Notifier, logger *zap.Logger) *Handler {
	return &Handler{
		store:        store,
		rates:        rates,
		correlations: correlations,
		notifier:     notifier,
		logger:       logger.Named("matching"),
	}
}

// Handle 返回的错误由 dispatcher 处理为 nack 且不重新入队
func (h *Handler) Handle(ctx context.Context, msg *broker.Message) error {
	correlationID := strings.TrimSpace(msg.CorrelationID)
	if correlationID == "" {
		return fmt.Errorf("%w: correlationId is empty", ErrInvalidRequest)
	}
	if strings.TrimSpace(msg.UserID) == "" {
		return fmt.Errorf("%w: userId is empty", ErrInvalidRequest)
	}

	userID, err := uuid.Parse(strings.TrimSpace(msg.UserID))
	if err != nil {
		return fmt.Errorf("%w: userId: %w", ErrInvalidRequest, err)
	}

	log := h.logger.With(
		zap.String("correlation_id", correlationID),
		zap.String("user_id", userID.String()),
	)

	if err := h.checkCorrelation(ctx, log, correlationID, userID); err != nil {
		return err
	}

	matches, err := DecodeMatches(msg.Response)
	if err != nil {
		return err
	}

	user, err := h.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return fmt.Errorf("load user: %w", err)
	}

	txs, err := h.store.ListTransactions(ctx, userID)
	if err != nil {
		return fmt.Errorf("load transactions: %w", err)
	}
	groups, err := h.store.ListGroups(ctx, userID)
	if err != nil {
		return fmt.Errorf("load transaction groups: %w", err)
	}
	if len(txs) == 0 {
		return fmt.Errorf("%w: user has no transactions", ErrNothingToMatch)
	}
	if len(groups) == 0 {
		return fmt.Errorf("%w: user has no transaction groups", ErrNothingToMatch)
	}

	changed := make([]bool, len(txs))
	grouped := h.applyMatches(log, txs, groups, matches, changed)

	normalized := 0
	if ledger.NeedsNormalization(user.BaseCurrency, txs) {
		rates, err := h.rates.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("load exchange rates: %w", err)
		}

		for i := range txs {
			ok, err := txs[i].Normalize(user.BaseCurrency, rates)
			if err != nil {
				return err
			}
			if ok {
				changed[i] = true
				normalized++
			}
		}
	}

	dirty := make([]ledger.Transaction, 0, len(txs))
	for i, tx := range txs {
		if changed[i] {
			dirty = append(dirty, tx)
		}
	}

	if len(dirty) > 0 {
		if err := h.store.SaveTransactions(ctx, dirty); err != nil {
			return fmt.Errorf("save transactions: %w", err)
		}
	}

	log.Info("match result applied",
		zap.Int("transactions", len(txs)),
		zap.Int("grouped", grouped),
		zap.Int("normalized", normalized),
	)

	if err := h.notifier.Notify(ctx, user.Email, consts.EventTransactionsRefreshed, &RefreshedPayload{
		CorrelationID: correlationID,
		Grouped:       grouped,
		Normalized:    normalized,
	}); err != nil {
		log.Warn("refresh notification failed", zap.Error(err))
	}

	if h.correlations != nil {
		if err := h.correlations.Remove(ctx, correlationID); err != nil {
			log.Warn("failed to remove correlation", zap.Error(err))
		}
	}

	return nil
}

// checkCorrelation 登记信息仅作参考：未知 id 放行，属于其他用户则拒绝
func (h *Handler) checkCorrelation(ctx context.Context, log *zap.Logger, correlationID string, userID uuid.UUID) error {
	if h.correlations == nil {
		return nil
	}

	owner, found, err := h.correlations.Lookup(ctx, correlationID)
	if err != nil {
		log.Warn("correlation lookup failed", zap.Error(err))
		return nil
	}
	if !found {
		log.Info("unknown correlation id")
		return nil
	}
	if owner != userID.String() {
		return fmt.Errorf("%w: correlation id belongs to another user", ErrInvalidRequest)
	}
	return nil
}

func (h *Handler) applyMatches(log *zap.Logger, txs []ledger.Transaction, groups []ledger.TransactionGroup, matches Matches, changed []bool) int {
	groupIDs := make(map[string]uuid.UUID, len(groups))
	for _, g := range groups {
		groupIDs[nameKey(g.Name)] = g.ID
	}

	grouped := 0
	for i := range txs {
		name, ok := matches.Group(txs[i].Name)
		if !ok {
			continue
		}

		groupID, ok := groupIDs[nameKey(name)]
		if !ok {
			log.Debug("matched group does not exist",
				zap.String("transaction", txs[i].Name),
				zap.String("group", name),
			)
			continue
		}

		if txs[i].AssignGroup(groupID) {
			changed[i] = true
			grouped++
		}
	}

	return grouped
}
