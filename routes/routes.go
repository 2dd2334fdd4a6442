package routes

import (
	controller "github.com/shinejohn/CRM-CC-LC-sub004/controllers"
	"github.com/shinejohn/CRM-CC-LC-sub004/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
)

// Handlers bundles the controllers and settings the router needs
type Handlers struct {
	Customers *controller.CustomerController
	Timelines *controller.TimelineController
	Webhooks  *controller.WebhookController
	Events    *controller.EventsController
	Health    *controller.HealthController

	JWTSecret string
	// Shared secret providers sign webhook bodies with
	WebhookSecret string
	// Requests per minute per IP on webhooks and tracking
	WebhookRateLimit int
	// Limiter storage; nil keeps counters in memory
	RateLimitStorage fiber.Storage
	// Empty allows any origin
	CORSOrigins []string
	Logger      *logrus.Logger
}

const accessLogFormat = "[${time}] ${status} - ${latency} ${method} ${path}\n"

// SetupAPIRoutes registers the operator API behind JWT auth
func SetupAPIRoutes(app *fiber.App, h Handlers) {
	api := app.Group("/api/v1", middleware.Protected(h.JWTSecret), logger.New(logger.Config{
		Format: accessLogFormat,
	}))

	timelines := api.Group("/timelines")
	timelines.Post("/", h.Timelines.CreateTemplate)
	timelines.Get("/", h.Timelines.ListTemplates)
	timelines.Get("/:id", h.Timelines.GetTemplate)

	customers := api.Group("/customers")
	customers.Get("/:id", h.Customers.GetCustomer)
	customers.Post("/:id/transition", h.Customers.Transition)
	customers.Post("/:id/trial", h.Customers.AcceptTrial)
	customers.Get("/:id/history", h.Customers.History)
	customers.Post("/:id/timelines", h.Customers.StartTimeline)
	customers.Get("/:id/timelines", h.Customers.ListTimelines)
	customers.Post("/:id/timelines/execute", h.Customers.ExecuteTimelines)
	customers.Delete("/:id/timelines/:progressID", h.Customers.CancelTimeline)

	api.Get("/events/ws", h.Events.Upgrade, websocket.New(h.Events.Stream))
}

// SetupPublicRoutes registers provider webhooks and tracking links
func SetupPublicRoutes(app *fiber.App, h Handlers) {
	limit := middleware.WebhookRateLimiter(h.WebhookRateLimit, h.RateLimitStorage)

	webhooks := app.Group("/webhooks", limit, middleware.WebhookSignature(h.WebhookSecret))
	webhooks.Post("/email", h.Webhooks.HandleEmailEvent)
	webhooks.Post("/sms", h.Webhooks.HandleSMSReply)
	webhooks.Post("/voice", h.Webhooks.HandleVoiceEvent)

	track := app.Group("/track", limit)
	track.Get("/open/:messageID/:token", h.Webhooks.TrackOpen)
	track.Get("/click/:messageID/:token", h.Webhooks.TrackClick)
}

func SetupRoutes(app *fiber.App, h Handlers) {
	cors := middleware.DefaultCORSConfig()
	cors.AllowedOrigins = h.CORSOrigins
	app.Use(middleware.CORS(cors))

	app.Get("/health", h.Health.Health)

	SetupPublicRoutes(app, h)
	SetupAPIRoutes(app, h)

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "Not Found",
		})
	})

	if h.Logger != nil {
		h.Logger.Info("Routes initialized successfully")
	}
}
