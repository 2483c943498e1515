package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qiuyier/ledger-sync/internal/metrics"
)

// ErrClassifierRequest 分类服务未受理请求
var ErrClassifierRequest = errors.New("classifier request failed")

// CorrelationRecorder 记录 correlationId 与用户的对应关系
type CorrelationRecorder interface {
	Register(ctx context.Context, correlationID, userID string) error
	Remove(ctx context.Context, correlationID string) error
}

type matchRequest struct {
	UserID                string   `json:"userId"`
	TransactionNames      []string `json:"transactionNames"`
	TransactionGroupNames []string `json:"transactionGroupNames"`
	CorrelationID         string   `json:"correlationId"`
}

// Client 把分类请求提交给外部分类服务；结果稍后经 broker 以同一 correlationId 返回
type Client struct {
	url          string
	client       *http.Client
	correlations CorrelationRecorder
	logger       *zap.Logger
	metrics      *metrics.Metrics
}

// NewClient correlations 可为 nil
func NewClient(url string, timeout time.Duration, correlations CorrelationRecorder, logger *zap.Logger, mt *metrics.Metrics) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		url:          url,
		client:       &http.Client{Timeout: timeout},
		correlations: correlations,
		logger:       logger.Named("classifier"),
		metrics:      mt,
	}
}

// NewCorrelationID 生成新的 correlation id
func NewCorrelationID() string {
	return uuid.NewString()
}

// MatchTransactionGroup 返回 true 表示请求已被受理，不代表分类完成；不做重试
func (c *Client) MatchTransactionGroup(ctx context.Context, userID uuid.UUID, transactionNames, groupNames []string, correlationID string) (bool, error) {
	if correlationID == "" {
		return false, fmt.Errorf("%w: correlation id is empty", ErrClassifierRequest)
	}

	body, err := json.Marshal(&matchRequest{
		UserID:                userID.String(),
		TransactionNames:      nonNil(transactionNames),
		TransactionGroupNames: nonNil(groupNames),
		CorrelationID:         correlationID,
	})
	if err != nil {
		return false, fmt.Errorf("%w: encode request: %w", ErrClassifierRequest, err)
	}

	log := c.logger.With(
		zap.String("user_id", userID.String()),
		zap.String("correlation_id", correlationID),
	)

	// 结果可能在 POST 返回前就经 broker 到达，先登记
	registered := false
	if c.correlations != nil {
		if err := c.correlations.Register(ctx, correlationID, userID.String()); err != nil {
			log.Warn("failed to record correlation", zap.Error(err))
		} else {
			registered = true
		}
	}

	if err := c.post(ctx, body); err != nil {
		c.metrics.RecordClassifierRequest("failed")
		log.Error("classifier request failed", zap.Error(err))

		if registered {
			if rmErr := c.correlations.Remove(context.WithoutCancel(ctx), correlationID); rmErr != nil {
				log.Warn("failed to remove correlation", zap.Error(rmErr))
			}
		}
		return false, err
	}

	c.metrics.RecordClassifierRequest("accepted")

	log.Info("classification requested",
		zap.Int("transactions", len(transactionNames)),
		zap.Int("groups", len(groupNames)),
	)
	return true, nil
}

func (c *Client) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %w", ErrClassifierRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrClassifierRequest, err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: classifier returned status %d", ErrClassifierRequest, resp.StatusCode)
	}

	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
