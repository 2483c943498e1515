package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qiuyier/ledger-sync/internal/classifier"
	"github.com/qiuyier/ledger-sync/internal/ledger"
)

// ClassificationSource 读取用户的交易和分组
type ClassificationSource interface {
	GetUser(ctx context.Context, id uuid.UUID) (*ledger.User, error)
	ListTransactions(ctx context.Context, userID uuid.UUID) ([]ledger.Transaction, error)
	ListGroups(ctx context.Context, userID uuid.UUID) ([]ledger.TransactionGroup, error)
}

// Classifier 外部分类服务
type Classifier interface {
	MatchTransactionGroup(ctx context.Context, userID uuid.UUID, transactionNames, groupNames []string, correlationID string) (bool, error)
}

type classificationRequest struct {
	UserID string `json:"userId" binding:"required"`
}

// ClassificationHandler 为用户未分组的交易发起分类，结果稍后经 broker 返回
type ClassificationHandler struct {
	source     ClassificationSource
	classifier Classifier
	logger     *zap.Logger
}

func NewClassificationHandler(source ClassificationSource, c Classifier, logger *zap.Logger) *ClassificationHandler {
	return &ClassificationHandler{
		source:     source,
		classifier: c,
		logger:     logger.Named("classification"),
	}
}

func (h *ClassificationHandler) Request(c *gin.Context) {
	var req classificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId must be a GUID"})
		return
	}

	ctx := c.Request.Context()

	if _, err := h.source.GetUser(ctx, userID); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load user"})
		return
	}

	txs, err := h.source.ListTransactions(ctx, userID)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load transactions"})
		return
	}
	groups, err := h.source.ListGroups(ctx, userID)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load transaction groups"})
		return
	}

	names := ungroupedNames(txs)
	if len(names) == 0 || len(groups) == 0 {
		c.JSON(http.StatusOK, gin.H{"status": "nothing_to_classify"})
		return
	}

	groupNames := make([]string, 0, len(groups))
	for _, g := range groups {
		groupNames = append(groupNames, g.Name)
	}

	correlationID := classifier.NewCorrelationID()
	if _, err := h.classifier.MatchTransactionGroup(ctx, userID, names, groupNames, correlationID); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "classifier unavailable"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":        "accepted",
		"correlationId": correlationID,
		"transactions":  len(names),
	})
}

// ungroupedNames 去重后的未分组交易名
func ungroupedNames(txs []ledger.Transaction) []string {
	seen := make(map[string]bool, len(txs))
	names := make([]string, 0, len(txs))
	for _, tx := range txs {
		if tx.GroupID != nil || seen[tx.Name] {
			continue
		}
		seen[tx.Name] = true
		names = append(names, tx.Name)
	}
	return names
}
