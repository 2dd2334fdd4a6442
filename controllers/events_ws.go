package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"github.com/shinejohn/CRM-CC-LC-sub004/events"
	"github.com/shinejohn/CRM-CC-LC-sub004/middleware"
)

// EventsController streams stage changes of the caller's tenant over a
// websocket
type EventsController struct {
	Bus    *events.Bus
	Logger *logrus.Logger
	Buffer int
}

func NewEventsController(bus *events.Bus, logger *logrus.Logger) *EventsController {
	return &EventsController{Bus: bus, Logger: logger, Buffer: 64}
}

// Upgrade rejects plain HTTP requests and carries the tenant into the
// websocket handler
func (ec *EventsController) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	c.Locals("wsTenantID", middleware.TenantID(c))
	return c.Next()
}

func (ec *EventsController) Stream(conn *websocket.Conn) {
	defer conn.Close()

	tenantID, _ := conn.Locals("wsTenantID").(uint)
	stream, cancel := ec.Bus.Subscribe(ec.Buffer)
	defer cancel()

	// reader notices the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ec.Logger.WithField("tenant_id", tenantID).Debug("Stage event stream opened")

	for {
		select {
		case <-closed:
			return
		case evt, ok := <-stream:
			if !ok {
				return
			}
			if evt.TenantID != tenantID {
				continue
			}
			if err := conn.WriteJSON(evt); err != nil {
				ec.Logger.WithError(err).Debug("Stage event stream closed")
				return
			}
		}
	}
}
