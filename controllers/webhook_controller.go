package controller

import (
	"encoding/base64"
	"errors"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/shinejohn/CRM-CC-LC-sub004/models"
	"github.com/shinejohn/CRM-CC-LC-sub004/services"
	"github.com/shinejohn/CRM-CC-LC-sub004/utils"
)

// 1x1 transparent GIF
var trackingPixel, _ = base64.StdEncoding.DecodeString("R0lGODlhAQABAIAAAAAAAP///yH5BAEAAAAALAAAAAABAAEAAAIBRAA7")

// WebhookController receives channel feedback and turns it into customer
// signals
type WebhookController struct {
	Signals        *services.SignalService
	Pipeline       *services.PipelineService
	TrackingSecret string
	Logger         *logrus.Logger
}

func NewWebhookController(signals *services.SignalService, pipeline *services.PipelineService, trackingSecret string, logger *logrus.Logger) *WebhookController {
	return &WebhookController{
		Signals:        signals,
		Pipeline:       pipeline,
		TrackingSecret: trackingSecret,
		Logger:         logger,
	}
}

// HandleEmailEvent processes delivery feedback from the email provider
func (wc *WebhookController) HandleEmailEvent(c *fiber.Ctx) error {
	var input struct {
		EventType string `json:"event_type" validate:"required,oneof=delivered opened clicked replied bounced failed"`
		MessageID string `json:"message_id" validate:"required"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	customer, err := wc.Signals.RecordEmailEvent(c.UserContext(), input.MessageID, input.EventType, unixOrZero(input.Timestamp))
	switch {
	case errors.Is(err, services.ErrSendNotFound), errors.Is(err, services.ErrCustomerNotFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Message not found", nil)
	case errors.Is(err, services.ErrUnknownDeliveryEvent):
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Unknown event type", nil)
	case err != nil:
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to record event", err)
	}

	wc.afterSignal(c, customer)
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"customer_id": customer.ID,
		"stage":       customer.PipelineStage,
	}))
}

// HandleSMSReply records an inbound SMS reply
func (wc *WebhookController) HandleSMSReply(c *fiber.Ctx) error {
	var input struct {
		CustomerID uint   `json:"customer_id" validate:"required_without=Phone"`
		Phone      string `json:"phone" validate:"required_without=CustomerID"`
		Timestamp  int64  `json:"timestamp"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	customerID, err := wc.resolveCustomer(c, input.CustomerID, input.Phone)
	if err != nil {
		return wc.signalError(c, err)
	}

	customer, err := wc.Signals.RecordSMSReply(c.UserContext(), customerID, unixOrZero(input.Timestamp))
	if err != nil {
		return wc.signalError(c, err)
	}

	wc.afterSignal(c, customer)
	return c.JSON(utils.SuccessResponse(fiber.Map{"customer_id": customer.ID, "stage": customer.PipelineStage}))
}

// HandleVoiceEvent records call outcomes; only answered calls are signals
func (wc *WebhookController) HandleVoiceEvent(c *fiber.Ctx) error {
	var input struct {
		CustomerID uint   `json:"customer_id" validate:"required_without=Phone"`
		Phone      string `json:"phone" validate:"required_without=CustomerID"`
		Status     string `json:"status" validate:"required,oneof=answered no-answer busy failed"`
		Timestamp  int64  `json:"timestamp"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	customerID, err := wc.resolveCustomer(c, input.CustomerID, input.Phone)
	if err != nil {
		return wc.signalError(c, err)
	}
	if input.Status != "answered" {
		return c.JSON(utils.SuccessResponse(fiber.Map{"customer_id": customerID, "recorded": false}))
	}

	customer, err := wc.Signals.RecordCallAnswered(c.UserContext(), customerID, unixOrZero(input.Timestamp))
	if err != nil {
		return wc.signalError(c, err)
	}

	wc.afterSignal(c, customer)
	return c.JSON(utils.SuccessResponse(fiber.Map{"customer_id": customer.ID, "recorded": true, "stage": customer.PipelineStage}))
}

// TrackOpen serves the open pixel. Bad tokens still get the pixel.
func (wc *WebhookController) TrackOpen(c *fiber.Ctx) error {
	messageID := c.Params("messageID")
	if utils.ValidTrackingToken(wc.TrackingSecret, messageID, c.Params("token")) {
		wc.trackEvent(c, messageID, services.DeliveryOpened)
	}

	c.Set(fiber.HeaderCacheControl, "no-store, no-cache, must-revalidate")
	c.Set(fiber.HeaderContentType, "image/gif")
	return c.Send(trackingPixel)
}

// TrackClick records the click and redirects to the original link
func (wc *WebhookController) TrackClick(c *fiber.Ctx) error {
	target, err := url.Parse(c.Query("url"))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid redirect URL", nil)
	}

	messageID := c.Params("messageID")
	if utils.ValidTrackingToken(wc.TrackingSecret, messageID, c.Params("token")) {
		wc.trackEvent(c, messageID, services.DeliveryClicked)
	}
	return c.Redirect(target.String(), fiber.StatusFound)
}

func (wc *WebhookController) trackEvent(c *fiber.Ctx, messageID, eventType string) {
	customer, err := wc.Signals.RecordEmailEvent(c.UserContext(), messageID, eventType, time.Time{})
	if err != nil {
		if !errors.Is(err, services.ErrSendNotFound) {
			utils.LogError("tracking_event", err, map[string]interface{}{
				"message_id": messageID,
				"event":      eventType,
			})
		}
		return
	}
	wc.afterSignal(c, customer)
}

// afterSignal re-evaluates threshold rules; the signal is already stored
// so a failure here is only logged
func (wc *WebhookController) afterSignal(c *fiber.Ctx, customer *models.Customer) {
	if _, err := wc.Pipeline.CheckEngagementThreshold(c.UserContext(), customer); err != nil {
		utils.LogError("engagement_threshold", err, map[string]interface{}{"customer_id": customer.ID})
	}
}

func (wc *WebhookController) resolveCustomer(c *fiber.Ctx, customerID uint, phone string) (uint, error) {
	if customerID != 0 {
		return customerID, nil
	}
	customer, err := wc.Signals.FindCustomerByPhone(c.UserContext(), phone)
	if err != nil {
		return 0, err
	}
	return customer.ID, nil
}

func (wc *WebhookController) signalError(c *fiber.Ctx, err error) error {
	if errors.Is(err, services.ErrCustomerNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Customer not found", nil)
	}
	return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to record signal", err)
}

func unixOrZero(ts int64) time.Time {
	if ts <= 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}
