package main

import (
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/shinejohn/CRM-CC-LC-sub004/channels"
	"github.com/shinejohn/CRM-CC-LC-sub004/config"
	controller "github.com/shinejohn/CRM-CC-LC-sub004/controllers"
	"github.com/shinejohn/CRM-CC-LC-sub004/events"
	"github.com/shinejohn/CRM-CC-LC-sub004/middleware"
	"github.com/shinejohn/CRM-CC-LC-sub004/models"
	"github.com/shinejohn/CRM-CC-LC-sub004/routes"
	"github.com/shinejohn/CRM-CC-LC-sub004/services"
	"github.com/shinejohn/CRM-CC-LC-sub004/utils"
	"github.com/shinejohn/CRM-CC-LC-sub004/worker"
)

// application holds every wired component of one process
type application struct {
	cfg    config.Config
	db     *gorm.DB
	redis  *redis.Client
	logger *logrus.Logger

	bus      *events.Bus
	relay    *events.RedisPublisher
	pipeline *services.PipelineService
	orch     *services.Orchestrator
	followup *services.FollowupService
	signals  *services.SignalService

	jobs map[string]worker.Job
}

func newApplication(cfg config.Config, db *gorm.DB, rdb *redis.Client, logger *logrus.Logger) *application {
	clock := utils.SystemClock{}
	a := &application{
		cfg:    cfg,
		db:     db,
		redis:  rdb,
		logger: logger,
		bus:    events.NewBus(logger),
	}

	// with Redis, every instance publishes there and relays back to its
	// own websocket clients
	var publisher events.Publisher = a.bus
	if rdb != nil {
		a.relay = events.NewRedisPublisher(rdb, logger)
		publisher = a.relay
	}

	pipelineCfg := services.DefaultPipelineConfig()
	pipelineCfg.TrialDays = cfg.Pipeline.TrialDays
	pipelineCfg.ThresholdRules[0].MinScore = cfg.Pipeline.EngagementThreshold
	a.pipeline = services.NewPipelineService(db, clock, publisher, logger, pipelineCfg)

	a.signals = services.NewSignalService(db, clock, logger, services.EngagementPoints{
		Open:  cfg.Pipeline.OpenPoints,
		Click: cfg.Pipeline.ClickPoints,
		Reply: cfg.Pipeline.ReplyPoints,
	})

	var smsChannel *channels.SMSChannel
	if cfg.Gateway.SMSURL != "" {
		smsChannel = channels.NewSMSChannel(channels.NewGatewayClient(cfg.Gateway.SMSURL, cfg.Gateway.Token), cfg.Gateway.From, logger)
	}

	followupCfg := services.DefaultFollowupConfig()
	followupCfg.MaxSMSFollowups = cfg.Followup.MaxSMS
	followupCfg.FastEscalationScore = cfg.Followup.FastEscalationScore
	followupCfg.EscalationAssignee = cfg.Followup.EscalationAssignee
	var smsSender services.SMSSender
	if smsChannel != nil {
		smsSender = smsChannel
	}
	a.followup = services.NewFollowupService(db, clock, smsSender, logger, followupCfg)

	dispatcher := channels.NewDispatcher(db, logger)
	dispatcher.Register(models.ChannelEmail, channels.NewEmailChannel(
		channels.NewSMTPDialer(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password),
		a.followup,
		channels.EmailConfig{
			FromEmail:      cfg.SMTP.From,
			FromName:       cfg.SMTP.FromName,
			TrackingURL:    cfg.PublicBaseURL,
			TrackingSecret: cfg.TrackingSecret,
		},
		logger,
	))
	if smsChannel != nil {
		dispatcher.Register(models.ChannelSMS, smsChannel)
	}
	if cfg.Gateway.VoiceURL != "" {
		dispatcher.Register(models.ChannelPhone, channels.NewVoiceChannel(
			channels.NewGatewayClient(cfg.Gateway.VoiceURL, cfg.Gateway.Token), cfg.Gateway.From, logger))
	}

	a.orch = services.NewOrchestrator(db, dispatcher, clock, logger)

	var locker worker.Locker = worker.NewLocalLocker()
	if rdb != nil {
		locker = worker.NewRedisLocker(rdb)
	}
	timelines := worker.NewTimelineWorker(a.orch, a.pipeline, locker, logger)
	timelines.Concurrency = cfg.Workers.Concurrency
	timelines.LockTTL = cfg.Workers.CustomerLockTTL

	a.jobs = map[string]worker.Job{}
	for _, job := range []worker.Job{
		timelines,
		worker.NewDayTickWorker(a.orch, a.pipeline, logger),
		worker.NewFollowupWorker(a.followup, cfg.Followup.ThresholdHours, logger),
		worker.NewEventRelayWorker(a.pipeline, logger),
	} {
		a.jobs[job.Name()] = job
	}
	return a
}

// schedule returns how often a job runs and how long it waits after start
func (a *application) schedule(job string) (every, delay time.Duration) {
	w := a.cfg.Workers
	switch job {
	case "timeline":
		return w.TimelineInterval, w.TimelineInterval / 4
	case "day-tick":
		return w.DayTickInterval, 0
	case "followups":
		return w.FollowupInterval, w.FollowupInterval / 2
	default:
		return w.EventRelayInterval, 0
	}
}

func (a *application) httpApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "crm-lifecycle",
		DisableStartupMessage: true,
	})

	var storage fiber.Storage
	if a.redis != nil {
		storage = middleware.NewRedisStorage(a.redis)
	}

	routes.SetupRoutes(app, routes.Handlers{
		Customers:        controller.NewCustomerController(a.db, a.pipeline, a.orch, a.logger),
		Timelines:        controller.NewTimelineController(a.db, a.logger),
		Webhooks:         controller.NewWebhookController(a.signals, a.pipeline, a.cfg.TrackingSecret, a.logger),
		Events:           controller.NewEventsController(a.bus, a.logger),
		Health:           controller.NewHealthController(a.db, a.redis),
		JWTSecret:        a.cfg.JWTSecret,
		WebhookSecret:    a.cfg.WebhookSecret,
		WebhookRateLimit: a.cfg.RateLimitWebhooks,
		RateLimitStorage: storage,
		CORSOrigins:      a.cfg.CORSOrigins,
		Logger:           a.logger,
	})
	return app
}
