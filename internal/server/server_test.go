package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qiuyier/ledger-sync/config"
	"github.com/qiuyier/ledger-sync/internal/classifier"
	"github.com/qiuyier/ledger-sync/internal/ledger"
	"github.com/qiuyier/ledger-sync/internal/metrics"
	"github.com/qiuyier/ledger-sync/internal/ratesync"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeBroker struct{ err error }

func (b *fakeBroker) HealthCheck() error { return b.err }

func serve(t *testing.T, s *Server, method, path, body string) (int, map[string]any) {
	t.Helper()

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))

	var out map[string]any
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w.Code, out
}

func TestReady_WaitsForFirstSyncAndBroker(t *testing.T) {
	signal := ratesync.NewRunSignal()
	broker := &fakeBroker{}
	s := New(config.ServerConfig{}, Deps{Gate: signal, Broker: broker}, zap.NewNop())

	code, body := serve(t, s, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "pending", body["rates"])

	signal.Signal()
	code, body = serve(t, s, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body["status"])

	broker.err = errors.New("channel closed")
	code, body = serve(t, s, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "error", body["broker"])
}

func TestReady_DatabaseCheck(t *testing.T) {
	signal := ratesync.NewRunSignal()
	signal.Signal()

	s := New(config.ServerConfig{}, Deps{
		Gate:     signal,
		Broker:   &fakeBroker{},
		Database: func(context.Context) error { return errors.New("connection refused") },
	}, zap.NewNop())

	code, body := serve(t, s, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "error", body["database"])
}

func TestLive_ReportsBrokerState(t *testing.T) {
	s := New(config.ServerConfig{}, Deps{Broker: &fakeBroker{err: errors.New("closed")}}, zap.NewNop())

	code, body := serve(t, s, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alive", body["status"])
	assert.Equal(t, "error", body["broker"])
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	mt := metrics.New(reg)
	mt.RecordReconnect()

	s := New(config.ServerConfig{}, Deps{
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}, zap.NewNop())

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ledger_broker_reconnects_total 1")
}

// ---------------------------------------------------------------------------
// classifications

type fakeSource struct {
	user   *ledger.User
	txs    []ledger.Transaction
	groups []ledger.TransactionGroup
}

func (f *fakeSource) GetUser(_ context.Context, id uuid.UUID) (*ledger.User, error) {
	if f.user == nil || f.user.ID != id {
		return nil, ledger.ErrNotFound
	}
	return f.user, nil
}

func (f *fakeSource) ListTransactions(context.Context, uuid.UUID) ([]ledger.Transaction, error) {
	return f.txs, nil
}

func (f *fakeSource) ListGroups(context.Context, uuid.UUID) ([]ledger.TransactionGroup, error) {
	return f.groups, nil
}

type fakeClassifier struct {
	names, groups []string
	correlationID string
	err           error
}

func (f *fakeClassifier) MatchTransactionGroup(_ context.Context, _ uuid.UUID, names, groups []string, correlationID string) (bool, error) {
	f.names, f.groups, f.correlationID = names, groups, correlationID
	if f.err != nil {
		return false, f.err
	}
	return true, nil
}

func classificationServer(src *fakeSource, c *fakeClassifier) *Server {
	return New(config.ServerConfig{}, Deps{
		Classifications: NewClassificationHandler(src, c, zap.NewNop()),
	}, zap.NewNop())
}

func TestClassifications_Accepted(t *testing.T) {
	user := &ledger.User{ID: uuid.New(), Email: "ada@example.com", BaseCurrency: "EUR"}
	grouped := uuid.New()
	src := &fakeSource{
		user: user,
		txs: []ledger.Transaction{
			{ID: uuid.New(), Name: "Coffee", Amount: decimal.NewFromInt(4), Currency: "EUR"},
			{ID: uuid.New(), Name: "Coffee", Amount: decimal.NewFromInt(5), Currency: "EUR"},
			{ID: uuid.New(), Name: "Rent", Amount: decimal.NewFromInt(900), Currency: "EUR", GroupID: &grouped},
		},
		groups: []ledger.TransactionGroup{{ID: grouped, Name: "Housing"}, {ID: uuid.New(), Name: "Food"}},
	}
	c := &fakeClassifier{}

	code, body := serve(t, classificationServer(src, c), http.MethodPost, "/internal/classifications",
		`{"userId":"`+user.ID.String()+`"}`)
	require.Equal(t, http.StatusAccepted, code)

	assert.Equal(t, []string{"Coffee"}, c.names)
	assert.Equal(t, []string{"Housing", "Food"}, c.groups)
	assert.Equal(t, c.correlationID, body["correlationId"])
	_, err := uuid.Parse(c.correlationID)
	assert.NoError(t, err)
}

func TestClassifications_Errors(t *testing.T) {
	user := &ledger.User{ID: uuid.New(), Email: "ada@example.com"}
	src := &fakeSource{
		user:   user,
		txs:    []ledger.Transaction{{ID: uuid.New(), Name: "Coffee"}},
		groups: []ledger.TransactionGroup{{ID: uuid.New(), Name: "Food"}},
	}

	cases := []struct {
		name       string
		body       string
		classifier *fakeClassifier
		want       int
	}{
		{"missing user id", `{}`, &fakeClassifier{}, http.StatusBadRequest},
		{"malformed user id", `{"userId":"nope"}`, &fakeClassifier{}, http.StatusBadRequest},
		{"unknown user", `{"userId":"` + uuid.NewString() + `"}`, &fakeClassifier{}, http.StatusNotFound},
		{"classifier down", `{"userId":"` + user.ID.String() + `"}`,
			&fakeClassifier{err: classifier.ErrClassifierRequest}, http.StatusBadGateway},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, _ := serve(t, classificationServer(src, tc.classifier), http.MethodPost, "/internal/classifications", tc.body)
			assert.Equal(t, tc.want, code)
		})
	}
}

func TestClassifications_NothingToClassify(t *testing.T) {
	user := &ledger.User{ID: uuid.New()}
	c := &fakeClassifier{}

	code, body := serve(t, classificationServer(&fakeSource{user: user}, c), http.MethodPost,
		"/internal/classifications", `{"userId":"`+user.ID.String()+`"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "nothing_to_classify", body["status"])
	assert.Empty(t, c.correlationID)
}

// ---------------------------------------------------------------------------

func TestRun_ShutsDownOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	cfg := config.ServerConfig{HTTPPort: strconv.Itoa(port), ShutdownTimeout: time.Second}
	s := New(cfg, Deps{Broker: &fakeBroker{}}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(port) + "/health/live")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRun_ListenFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	cfg := config.ServerConfig{HTTPPort: strconv.Itoa(l.Addr().(*net.TCPAddr).Port), ShutdownTimeout: time.Second}
	err = New(cfg, Deps{}, zap.NewNop()).Run(context.Background())
	assert.ErrorContains(t, err, "http server")
}
