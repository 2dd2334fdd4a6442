package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/shinejohn/CRM-CC-LC-sub004/events"
	"github.com/shinejohn/CRM-CC-LC-sub004/middleware"
	"github.com/shinejohn/CRM-CC-LC-sub004/models"
	"github.com/shinejohn/CRM-CC-LC-sub004/services"
	"github.com/shinejohn/CRM-CC-LC-sub004/testutil"
	"github.com/shinejohn/CRM-CC-LC-sub004/utils"
)

const (
	testSecret     = "test-secret"
	trackingSecret = "track-secret"
	webhookSecret  = "hook-secret"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type harness struct {
	app   *fiber.App
	db    *gorm.DB
	clock *utils.MockClock
	token string
}

// newHarness wires the app the way routes.SetupRoutes does, without
// importing routes
func newHarness(t *testing.T) *harness {
	t.Helper()

	db := testutil.NewDB(t)
	clock := utils.NewMockClock(epoch)
	log := logrus.New()
	log.SetOutput(io.Discard)

	bus := events.NewBus(log)
	exec := services.ExecutorFunc(func(_ context.Context, _ *models.Customer, a *models.TimelineAction, _ uint) (services.ActionOutcome, error) {
		return services.ActionOutcome{Status: services.OutcomeSent, ExternalID: fmt.Sprintf("ext-%d", a.ID)}, nil
	})
	pipeline := services.NewPipelineService(db, clock, bus, log, services.DefaultPipelineConfig())
	orch := services.NewOrchestrator(db, exec, clock, log)
	signals := services.NewSignalService(db, clock, log, services.DefaultEngagementPoints())

	customers := NewCustomerController(db, pipeline, orch, log)
	timelines := NewTimelineController(db, log)
	webhooks := NewWebhookController(signals, pipeline, trackingSecret, log)
	stream := NewEventsController(bus, log)

	app := fiber.New()
	app.Get("/health", NewHealthController(db, nil).Health)

	hooks := app.Group("/webhooks", middleware.WebhookRateLimiter(1000, nil), middleware.WebhookSignature(webhookSecret))
	hooks.Post("/email", webhooks.HandleEmailEvent)
	hooks.Post("/sms", webhooks.HandleSMSReply)
	hooks.Post("/voice", webhooks.HandleVoiceEvent)
	app.Get("/track/open/:messageID/:token", webhooks.TrackOpen)
	app.Get("/track/click/:messageID/:token", webhooks.TrackClick)

	api := app.Group("/api/v1", middleware.Protected(testSecret), logger.New(logger.Config{Output: io.Discard}))
	api.Post("/timelines", timelines.CreateTemplate)
	api.Get("/timelines", timelines.ListTemplates)
	api.Get("/timelines/:id", timelines.GetTemplate)
	api.Get("/customers/:id", customers.GetCustomer)
	api.Post("/customers/:id/transition", customers.Transition)
	api.Post("/customers/:id/trial", customers.AcceptTrial)
	api.Get("/customers/:id/history", customers.History)
	api.Post("/customers/:id/timelines", customers.StartTimeline)
	api.Get("/customers/:id/timelines", customers.ListTimelines)
	api.Post("/customers/:id/timelines/execute", customers.ExecuteTimelines)
	api.Delete("/customers/:id/timelines/:progressID", customers.CancelTimeline)
	api.Get("/events/ws", stream.Upgrade, websocket.New(stream.Stream))

	token, err := utils.GenerateJWTToken(testSecret, 1, "ops@example.com", time.Hour)
	require.NoError(t, err)

	return &harness{app: app, db: db, clock: clock, token: token}
}

func (h *harness) do(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	resp := h.raw(t, method, path, body, h.token)
	defer resp.Body.Close()

	var out map[string]interface{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func (h *harness) raw(t *testing.T, method, path string, body interface{}, token string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := h.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

// webhook posts body signed the way providers sign callbacks
func (h *harness) webhook(t *testing.T, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	return h.post(t, path, payload, utils.WebhookSignature(webhookSecret, payload))
}

func (h *harness) post(t *testing.T, path string, payload []byte, signature string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(middleware.HeaderWebhookSignature, signature)
	}
	resp, err := h.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func (h *harness) customer(t *testing.T, tenantID uint, mutate ...func(*models.Customer)) *models.Customer {
	t.Helper()
	c := &models.Customer{
		TenantID:       tenantID,
		Name:           "Mae",
		Email:          "mae@example.com",
		Phone:          "+15550123",
		PipelineStage:  models.StageHook,
		StageEnteredAt: h.clock.Now(),
		EmailOptIn:     true,
		SMSOptIn:       true,
	}
	for _, m := range mutate {
		m(c)
	}
	require.NoError(t, h.db.Create(c).Error)
	return c
}

func (h *harness) send(t *testing.T, c *models.Customer, messageID string) {
	t.Helper()
	require.NoError(t, h.db.Create(&models.EmailSend{
		CustomerID: c.ID,
		MessageID:  messageID,
		Status:     models.SendStatusSent,
		SentAt:     h.clock.Now(),
	}).Error)
}

func hookTemplate() map[string]interface{} {
	return map[string]interface{}{
		"name":           "Hook week",
		"pipeline_stage": "hook",
		"duration_days":  7,
		"actions": []map[string]interface{}{
			{"day_number": 1, "channel": "email", "action_type": "send_email", "campaign_id": "welcome"},
			{"day_number": 3, "channel": "sms", "action_type": "send_sms",
				"conditions": map[string]interface{}{"if": "email_opened", "within_hours": 48, "then": "skip"}},
		},
	}
}

func TestAPIRequiresToken(t *testing.T) {
	h := newHarness(t)

	resp := h.raw(t, http.MethodGet, "/api/v1/timelines", nil, "")
	resp.Body.Close()
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	resp = h.raw(t, http.MethodGet, "/api/v1/timelines", nil, "garbage")
	resp.Body.Close()
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	other, err := utils.GenerateJWTToken("other-secret", 1, "x", time.Hour)
	require.NoError(t, err)
	resp = h.raw(t, http.MethodGet, "/api/v1/timelines", nil, other)
	resp.Body.Close()
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestTemplateCRUD(t *testing.T) {
	h := newHarness(t)

	status, body := h.do(t, http.MethodPost, "/api/v1/timelines", hookTemplate())
	require.Equal(t, fiber.StatusCreated, status, body)
	data := body["data"].(map[string]interface{})
	id := uint(data["ID"].(float64))
	assert.Equal(t, true, data["is_active"])
	assert.Len(t, data["actions"], 2)

	status, body = h.do(t, http.MethodGet, fmt.Sprintf("/api/v1/timelines/%d", id), nil)
	require.Equal(t, fiber.StatusOK, status)
	actions := body["data"].(map[string]interface{})["actions"].([]interface{})
	require.Len(t, actions, 2)
	cond := actions[1].(map[string]interface{})["conditions"].(map[string]interface{})
	assert.Equal(t, "email_opened", cond["if"])

	status, body = h.do(t, http.MethodGet, "/api/v1/timelines?stage=hook", nil)
	require.Equal(t, fiber.StatusOK, status)
	page := body["data"].(map[string]interface{})
	assert.Equal(t, float64(1), page["total"])

	status, _ = h.do(t, http.MethodGet, "/api/v1/timelines/999", nil)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestTemplateValidation(t *testing.T) {
	h := newHarness(t)

	cases := map[string]func(map[string]interface{}){
		"unknown stage":     func(m map[string]interface{}) { m["pipeline_stage"] = "prospect" },
		"terminal stage":    func(m map[string]interface{}) { m["pipeline_stage"] = "lost" },
		"missing name":      func(m map[string]interface{}) { delete(m, "name") },
		"bad channel":       func(m map[string]interface{}) { m["actions"].([]map[string]interface{})[0]["channel"] = "fax" },
		"day past duration": func(m map[string]interface{}) { m["actions"].([]map[string]interface{})[0]["day_number"] = 9 },
		"no actions":        func(m map[string]interface{}) { m["actions"] = []map[string]interface{}{} },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			input := hookTemplate()
			mutate(input)
			status, body := h.do(t, http.MethodPost, "/api/v1/timelines", input)
			assert.Equal(t, fiber.StatusBadRequest, status, body)
			assert.Equal(t, false, body["success"])
		})
	}
}

func TestCustomerTimelineLifecycle(t *testing.T) {
	h := newHarness(t)
	c := h.customer(t, 1)

	status, body := h.do(t, http.MethodPost, "/api/v1/timelines", hookTemplate())
	require.Equal(t, fiber.StatusCreated, status)
	templateID := body["data"].(map[string]interface{})["ID"]

	base := fmt.Sprintf("/api/v1/customers/%d", c.ID)
	status, body = h.do(t, http.MethodPost, base+"/timelines", map[string]interface{}{"template_id": templateID})
	require.Equal(t, fiber.StatusCreated, status, body)
	progressID := uint(body["data"].(map[string]interface{})["ID"].(float64))

	status, body = h.do(t, http.MethodPost, base+"/timelines", map[string]interface{}{"template_id": templateID})
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, services.ErrTimelineAlreadyActive.Error(), body["error"])

	status, body = h.do(t, http.MethodPost, base+"/timelines/execute", nil)
	require.Equal(t, fiber.StatusOK, status, body)
	results := body["data"].(map[string]interface{})["results"].([]interface{})
	require.Len(t, results, 1)
	assert.Equal(t, models.LedgerCompleted, results[0].(map[string]interface{})["kind"])

	status, body = h.do(t, http.MethodPost, base+"/timelines/execute", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Empty(t, body["data"].(map[string]interface{})["results"])

	status, body = h.do(t, http.MethodGet, base+"/timelines?status=active", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, body["data"], 1)

	status, body = h.do(t, http.MethodDelete, fmt.Sprintf("%s/timelines/%d?reason=paused", base, progressID), nil)
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, models.ProgressCancelled, body["data"].(map[string]interface{})["status"])

	status, _ = h.do(t, http.MethodDelete, fmt.Sprintf("%s/timelines/%d", base, progressID), nil)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestStartTimelineStageMismatch(t *testing.T) {
	h := newHarness(t)
	c := h.customer(t, 1, func(c *models.Customer) { c.PipelineStage = models.StageSales })

	status, body := h.do(t, http.MethodPost, "/api/v1/timelines", hookTemplate())
	require.Equal(t, fiber.StatusCreated, status)

	status, body = h.do(t, http.MethodPost, fmt.Sprintf("/api/v1/customers/%d/timelines", c.ID),
		map[string]interface{}{"template_id": body["data"].(map[string]interface{})["ID"]})
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, services.ErrStageMismatch.Error(), body["error"])
}

func TestCustomerTransitionAndHistory(t *testing.T) {
	h := newHarness(t)
	c := h.customer(t, 1)
	base := fmt.Sprintf("/api/v1/customers/%d", c.ID)

	status, body := h.do(t, http.MethodPost, base+"/transition", map[string]string{"stage": "sales"})
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, "hook", body["from"])

	status, _ = h.do(t, http.MethodPost, base+"/transition", map[string]string{"stage": "won"})
	assert.Equal(t, fiber.StatusBadRequest, status)

	h.clock.Advance(72 * time.Hour)
	status, body = h.do(t, http.MethodPost, base+"/transition", map[string]string{"stage": "engagement"})
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, "engagement", body["data"].(map[string]interface{})["pipeline_stage"])

	status, body = h.do(t, http.MethodGet, base+"/history", nil)
	require.Equal(t, fiber.StatusOK, status)
	history := body["data"].([]interface{})
	require.Len(t, history, 1)
	entry := history[0].(map[string]interface{})
	assert.Equal(t, "hook", entry["from"])
	assert.Equal(t, "engagement", entry["to"])
	assert.Equal(t, float64(3), entry["days_in_previous"])
	assert.Equal(t, services.TriggerManual, entry["trigger"])
}

func TestCustomerTrial(t *testing.T) {
	h := newHarness(t)
	c := h.customer(t, 1)
	path := fmt.Sprintf("/api/v1/customers/%d/trial", c.ID)

	status, body := h.do(t, http.MethodPost, path, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["data"].(map[string]interface{})["started"])

	status, body = h.do(t, http.MethodPost, path, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, body["data"].(map[string]interface{})["started"])
}

func TestCustomerTenantIsolation(t *testing.T) {
	h := newHarness(t)
	foreign := h.customer(t, 2)

	status, _ := h.do(t, http.MethodGet, fmt.Sprintf("/api/v1/customers/%d", foreign.ID), nil)
	assert.Equal(t, fiber.StatusNotFound, status)

	status, _ = h.do(t, http.MethodGet, "/api/v1/customers/abc", nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestEmailWebhookMovesCustomer(t *testing.T) {
	h := newHarness(t)
	c := h.customer(t, 1, func(c *models.Customer) { c.EngagementScore = 45 })
	h.send(t, c, "m-1")

	status, body := h.webhook(t, "/webhooks/email", map[string]interface{}{
		"event_type": "opened",
		"message_id": "m-1",
	})
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, "engagement", body["data"].(map[string]interface{})["stage"])

	var stored models.Customer
	require.NoError(t, h.db.First(&stored, c.ID).Error)
	assert.Equal(t, models.StageEngagement, stored.PipelineStage)
	assert.NotNil(t, stored.LastEmailOpen)

	status, _ = h.webhook(t, "/webhooks/email", map[string]interface{}{"event_type": "opened", "message_id": "nope"})
	assert.Equal(t, fiber.StatusNotFound, status)

	status, _ = h.webhook(t, "/webhooks/email", map[string]interface{}{"event_type": "unsubscribed", "message_id": "m-1"})
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestSMSAndVoiceWebhooks(t *testing.T) {
	h := newHarness(t)
	c := h.customer(t, 1)
	at := epoch.Add(-time.Hour)

	status, body := h.webhook(t, "/webhooks/sms", map[string]interface{}{"phone": "+15550123", "timestamp": at.Unix()})
	require.Equal(t, fiber.StatusOK, status, body)

	var stored models.Customer
	require.NoError(t, h.db.First(&stored, c.ID).Error)
	require.NotNil(t, stored.LastSMSReply)
	assert.True(t, at.Equal(*stored.LastSMSReply))

	status, _ = h.webhook(t, "/webhooks/sms", map[string]interface{}{"phone": "+19999999"})
	assert.Equal(t, fiber.StatusNotFound, status)

	status, _ = h.webhook(t, "/webhooks/sms", map[string]interface{}{})
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, body = h.webhook(t, "/webhooks/voice", map[string]interface{}{"customer_id": c.ID, "status": "no-answer"})
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, body["data"].(map[string]interface{})["recorded"])

	status, body = h.webhook(t, "/webhooks/voice", map[string]interface{}{"customer_id": c.ID, "status": "answered"})
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["data"].(map[string]interface{})["recorded"])

	require.NoError(t, h.db.First(&stored, c.ID).Error)
	assert.NotNil(t, stored.LastCallAnswered)
}

func TestWebhooksRequireSignature(t *testing.T) {
	h := newHarness(t)
	c := h.customer(t, 7, func(c *models.Customer) { c.EngagementScore = 45 })
	payload := []byte(fmt.Sprintf(`{"customer_id":%d}`, c.ID))

	cases := map[string]string{
		"unsigned":     "",
		"garbage":      "not-a-signature",
		"wrong secret": utils.WebhookSignature("guess", payload),
		"other body":   utils.WebhookSignature(webhookSecret, []byte(`{"customer_id":1}`)),
	}
	for name, signature := range cases {
		for i := 0; i < 3; i++ {
			status, _ := h.post(t, "/webhooks/sms", payload, signature)
			assert.Equal(t, fiber.StatusUnauthorized, status, name)
		}
	}

	var stored models.Customer
	require.NoError(t, h.db.First(&stored, c.ID).Error)
	assert.Nil(t, stored.LastSMSReply)
	assert.Equal(t, 45, stored.EngagementScore)
	assert.Equal(t, models.StageHook, stored.PipelineStage)

	status, _ := h.post(t, "/webhooks/sms", payload, "sha256="+utils.WebhookSignature(webhookSecret, payload))
	assert.Equal(t, fiber.StatusOK, status)
}

func TestTrackingEndpoints(t *testing.T) {
	h := newHarness(t)
	c := h.customer(t, 1)
	h.send(t, c, "m-1")
	token := utils.TrackingToken(trackingSecret, "m-1")

	resp := h.raw(t, http.MethodGet, "/track/open/m-1/forged", nil, "")
	resp.Body.Close()
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/gif", resp.Header.Get("Content-Type"))

	var send models.EmailSend
	require.NoError(t, h.db.Where("message_id = ?", "m-1").First(&send).Error)
	assert.Nil(t, send.OpenedAt)

	resp = h.raw(t, http.MethodGet, "/track/open/m-1/"+token, nil, "")
	pixel, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, trackingPixel, pixel)
	require.NoError(t, h.db.Where("message_id = ?", "m-1").First(&send).Error)
	assert.NotNil(t, send.OpenedAt)

	resp = h.raw(t, http.MethodGet, "/track/click/m-1/"+token+"?url=https%3A%2F%2Fexample.com%2Fstart", nil, "")
	resp.Body.Close()
	assert.Equal(t, fiber.StatusFound, resp.StatusCode)
	assert.Equal(t, "https://example.com/start", resp.Header.Get("Location"))
	require.NoError(t, h.db.Where("message_id = ?", "m-1").First(&send).Error)
	assert.Equal(t, models.SendStatusClicked, send.Status)

	resp = h.raw(t, http.MethodGet, "/track/click/m-1/"+token+"?url=javascript%3Aalert(1)", nil, "")
	resp.Body.Close()
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestEventStreamRequiresUpgrade(t *testing.T) {
	h := newHarness(t)
	resp := h.raw(t, http.MethodGet, "/api/v1/events/ws", nil, h.token)
	resp.Body.Close()
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	status, body := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "ok", body["checks"].(map[string]interface{})["database"])
}
