package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/suPer8Hu/order-bots/internal/callback"
	"github.com/suPer8Hu/order-bots/internal/db"
	"github.com/suPer8Hu/order-bots/internal/fulfillment"
	"github.com/suPer8Hu/order-bots/internal/metrics"
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type api struct {
	t *testing.T
	r *gin.Engine
}

func newAPI(t *testing.T, sched fulfillment.Scheduler) *api {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := filepath.Join(t.TempDir(), "pos.db") + "?_pragma=busy_timeout(5000)"
	gdb, err := db.ConnectWith(dsn, logger.Default.LogMode(logger.Silent))
	require.NoError(t, err)
	require.NoError(t, fulfillment.AutoMigrate(gdb))
	sqlDB, _ := gdb.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })

	log, _ := logtest.NewNullLogger()
	m := metrics.NewCollector(prometheus.NewRegistry())
	svc := fulfillment.NewService(fulfillment.NewRepo(gdb), nil, sched,
		fulfillment.Config{NormalDelay: 10 * time.Second, VIPDelay: 5 * time.Second},
		fulfillment.WithLogger(log), fulfillment.WithMetrics(m))

	r := NewRouter(Deps{
		Service:  svc,
		Verifier: callback.NewVerifier("current", "next"),
		Metrics:  m,
		Log:      log,
	})
	return &api{t: t, r: r}
}

func (a *api) do(method, path string, body any, header ...string) (int, envelope) {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case []byte:
			buf.Write(b)
		default:
			require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	a.r.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(a.t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec.Code, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestPing(t *testing.T) {
	a := newAPI(t, nil)
	code, env := a.do(http.MethodGet, "/ping", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0, env.Code)
}

func TestOrderAndBotFlow(t *testing.T) {
	a := newAPI(t, nil)

	code, env := a.do(http.MethodPost, "/api/orders", map[string]string{"type": "NORMAL"})
	require.Equal(t, http.StatusOK, code)
	normal := decode[fulfillment.Order](t, env.Data)

	code, env = a.do(http.MethodPost, "/api/orders", map[string]string{"type": "VIP"})
	require.Equal(t, http.StatusOK, code)
	vip := decode[fulfillment.Order](t, env.Data)
	assert.Equal(t, normal.OrderNumber+1, vip.OrderNumber)

	code, env = a.do(http.MethodPost, "/api/bots", nil)
	require.Equal(t, http.StatusOK, code)
	bot := decode[fulfillment.Bot](t, env.Data)
	assert.Equal(t, fulfillment.BotNormal, bot.BotType)

	code, env = a.do(http.MethodPost, "/api/bots/"+bot.ID+"/claim", nil)
	require.Equal(t, http.StatusOK, code)
	claim := decode[struct {
		Outcome string             `json:"outcome"`
		Order   *fulfillment.Order `json:"order"`
	}](t, env.Data)
	assert.Equal(t, "ok", claim.Outcome)
	require.NotNil(t, claim.Order)
	assert.Equal(t, vip.ID, claim.Order.ID)

	code, _ = a.do(http.MethodPost, "/api/bots/"+bot.ID+"/claim", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = a.do(http.MethodPost, "/api/bots/missing/claim", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, env = a.do(http.MethodGet, "/api/orders", nil)
	require.Equal(t, http.StatusOK, code)
	list := decode[struct {
		Orders []fulfillment.Order `json:"orders"`
	}](t, env.Data)
	require.Len(t, list.Orders, 2)
	assert.Equal(t, normal.ID, list.Orders[0].ID, "pending first")
	assert.Equal(t, fulfillment.OrderProcessing, list.Orders[1].Status)

	code, _ = a.do(http.MethodDelete, "/api/bots/"+bot.ID, nil)
	require.Equal(t, http.StatusOK, code)
	code, env = a.do(http.MethodGet, "/api/orders/"+vip.ID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, fulfillment.OrderPending, decode[fulfillment.Order](t, env.Data).Status)

	code, env = a.do(http.MethodDelete, "/api/orders/clear", nil)
	require.Equal(t, http.StatusOK, code)
	cleared := decode[fulfillment.ClearResult](t, env.Data)
	assert.EqualValues(t, 2, cleared.OrdersDeleted)

	code, _ = a.do(http.MethodGet, "/api/orders/"+vip.ID, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestUpdateOrder_Errors(t *testing.T) {
	a := newAPI(t, fulfillment.Unavailable("missing RABBIT_URL"))

	_, env := a.do(http.MethodPost, "/api/orders", nil)
	o := decode[fulfillment.Order](t, env.Data)
	_, env = a.do(http.MethodPost, "/api/bots", map[string]string{"bot_type": "VIP"})
	b := decode[fulfillment.Bot](t, env.Data)

	code, env := a.do(http.MethodPatch, "/api/orders/"+o.ID, map[string]string{"status": "PROCESSING", "bot_id": b.ID})
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, 50001, env.Code)
	assert.Contains(t, env.Message, "RABBIT_URL")

	code, _ = a.do(http.MethodPatch, "/api/orders/"+o.ID, map[string]string{"status": "SHIPPED"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = a.do(http.MethodPatch, "/api/orders/"+o.ID, []byte("{"))
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = a.do(http.MethodPatch, "/api/orders/nope", map[string]string{"status": "COMPLETE"})
	assert.Equal(t, http.StatusNotFound, code)

	code, env = a.do(http.MethodPatch, "/api/orders/"+o.ID, map[string]string{"status": "COMPLETE"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, fulfillment.OrderComplete, decode[fulfillment.Order](t, env.Data).Status)

	code, _ = a.do(http.MethodPost, "/api/bots", map[string]string{"bot_type": "TURBO"})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = a.do(http.MethodPatch, "/api/bots/"+b.ID, map[string]string{"status": "PROCESSING"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCompleteCallback(t *testing.T) {
	a := newAPI(t, nil)

	_, env := a.do(http.MethodPost, "/api/orders", map[string]string{"type": "VIP"})
	o := decode[fulfillment.Order](t, env.Data)
	_, env = a.do(http.MethodPost, "/api/bots", nil)
	b := decode[fulfillment.Bot](t, env.Data)
	_, env = a.do(http.MethodPost, "/api/bots/"+b.ID+"/claim", nil)
	claim := decode[struct {
		Order *fulfillment.Order `json:"order"`
	}](t, env.Data)
	require.NotNil(t, claim.Order)
	require.NotNil(t, claim.Order.ProcessingStartedAt)
	started := claim.Order.ProcessingStartedAt.UnixMilli()

	// a callback for some other attempt of this order
	stale, err := json.Marshal(callback.Payload{OrderID: o.ID, BotID: b.ID, StartedAt: started - 1000})
	require.NoError(t, err)
	token, err := callback.NewSigner("current").Sign(stale, o.ID)
	require.NoError(t, err)
	code, env := a.do(http.MethodPost, "/api/orders/complete", stale, callback.SignatureHeader, token)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"completed":false`)

	body, err := json.Marshal(callback.Payload{OrderID: o.ID, BotID: b.ID, StartedAt: started})
	require.NoError(t, err)

	forged, err := callback.NewSigner("attacker").Sign(body, o.ID)
	require.NoError(t, err)
	code, _ = a.do(http.MethodPost, "/api/orders/complete", body, callback.SignatureHeader, forged)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = a.do(http.MethodPost, "/api/orders/complete", body)
	assert.Equal(t, http.StatusForbidden, code)

	// signed with the next key during rotation
	token, err = callback.NewSigner("next").Sign(body, o.ID)
	require.NoError(t, err)
	code, env = a.do(http.MethodPost, "/api/orders/complete", body, callback.SignatureHeader, token)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"completed":true}`, string(env.Data))

	code, env = a.do(http.MethodPost, "/api/orders/complete", body, callback.SignatureHeader, token)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"completed":false,"reason":"already finalized"}`, string(env.Data))

	bad := []byte(`{"order_id":""}`)
	token, err = callback.NewSigner("current").Sign(bad, "")
	require.NoError(t, err)
	code, _ = a.do(http.MethodPost, "/api/orders/complete", bad, callback.SignatureHeader, token)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestMetricsAndNoRoute(t *testing.T) {
	a := newAPI(t, nil)
	a.do(http.MethodPost, "/api/orders", map[string]string{"type": "VIP"})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	a.r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `pos_orders_created_total{type="VIP"} 1`)

	code, env := a.do(http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, 40400, env.Code)

	code, _ = a.do(http.MethodPut, "/api/orders", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}
