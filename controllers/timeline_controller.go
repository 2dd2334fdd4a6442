package controller

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/shinejohn/CRM-CC-LC-sub004/middleware"
	"github.com/shinejohn/CRM-CC-LC-sub004/models"
	"github.com/shinejohn/CRM-CC-LC-sub004/utils"
)

type TimelineController struct {
	DB     *gorm.DB
	Logger *logrus.Logger
}

func NewTimelineController(db *gorm.DB, logger *logrus.Logger) *TimelineController {
	return &TimelineController{DB: db, Logger: logger}
}

type actionInput struct {
	DayNumber  int                     `json:"day_number" validate:"required,min=1"`
	Channel    string                  `json:"channel" validate:"required,oneof=email sms phone"`
	ActionType string                  `json:"action_type" validate:"required,max=64"`
	CampaignID string                  `json:"campaign_id" validate:"omitempty,max=128"`
	Priority   int                     `json:"priority"`
	DelayHours int                     `json:"delay_hours" validate:"min=0,max=23"`
	Conditions *models.ActionCondition `json:"conditions"`
	Inactive   bool                    `json:"inactive"`
}

type templateInput struct {
	Name          string        `json:"name" validate:"required,max=255"`
	PipelineStage string        `json:"pipeline_stage" validate:"required"`
	DurationDays  int           `json:"duration_days" validate:"required,min=1,max=365"`
	IsDefault     bool          `json:"is_default"`
	Inactive      bool          `json:"inactive"`
	Actions       []actionInput `json:"actions" validate:"required,min=1,dive"`
}

// CreateTemplate stores a new timeline template with its actions
func (tc *TimelineController) CreateTemplate(c *fiber.Ctx) error {
	var input templateInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	stage, err := models.ParseStage(input.PipelineStage)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Unknown pipeline stage", err)
	}
	if stage.Terminal() {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Timelines cannot target a terminal stage", nil)
	}

	template := models.TimelineTemplate{
		TenantID:      middleware.TenantID(c),
		Name:          input.Name,
		Version:       1,
		PipelineStage: stage,
		DurationDays:  input.DurationDays,
		IsActive:      !input.Inactive,
		IsDefault:     input.IsDefault,
	}
	for i, a := range input.Actions {
		if a.DayNumber > input.DurationDays {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed",
				fmt.Errorf("actions[%d].day_number %d is past duration_days %d", i, a.DayNumber, input.DurationDays))
		}
		template.Actions = append(template.Actions, models.TimelineAction{
			DayNumber:  a.DayNumber,
			Channel:    models.Channel(a.Channel),
			ActionType: a.ActionType,
			CampaignID: a.CampaignID,
			Priority:   a.Priority,
			DelayHours: a.DelayHours,
			Conditions: a.Conditions,
			IsActive:   !a.Inactive,
		})
	}

	if err := tc.DB.WithContext(c.UserContext()).Create(&template).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create timeline template", err)
	}

	tc.Logger.WithFields(logrus.Fields{
		"template_id": template.ID,
		"stage":       template.PipelineStage,
		"actions":     len(template.Actions),
	}).Info("Timeline template created")

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(template))
}

// ListTemplates returns the tenant's templates plus the shared ones
func (tc *TimelineController) ListTemplates(c *fiber.Ctx) error {
	page, _ := strconv.Atoi(c.Query("page", "1"))
	limit, _ := strconv.Atoi(c.Query("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	query := tc.DB.WithContext(c.UserContext()).Model(&models.TimelineTemplate{}).
		Where("tenant_id IN ?", []uint{middleware.TenantID(c), 0})
	if raw := c.Query("stage"); raw != "" {
		stage, err := models.ParseStage(raw)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Unknown pipeline stage", err)
		}
		query = query.Where("pipeline_stage = ?", stage)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to count timeline templates", err)
	}

	var templates []models.TimelineTemplate
	if err := query.Order("id ASC").Offset((page - 1) * limit).Limit(limit).Find(&templates).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load timeline templates", err)
	}

	return c.JSON(utils.SuccessResponse(utils.PaginatedResponse{
		Data:  templates,
		Total: total,
		Page:  page,
		Limit: limit,
	}))
}

func (tc *TimelineController) GetTemplate(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))

	var template models.TimelineTemplate
	err := tc.DB.WithContext(c.UserContext()).
		Preload("Actions", func(db *gorm.DB) *gorm.DB { return db.Order("day_number ASC, priority DESC, id ASC") }).
		Where("id = ? AND tenant_id IN ?", id, []uint{middleware.TenantID(c), 0}).
		First(&template).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Timeline template not found", nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load timeline template", err)
	}
	return c.JSON(utils.SuccessResponse(template))
}
