package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/shinejohn/CRM-CC-LC-sub004/middleware"
	"github.com/shinejohn/CRM-CC-LC-sub004/models"
	"github.com/shinejohn/CRM-CC-LC-sub004/services"
	"github.com/shinejohn/CRM-CC-LC-sub004/utils"
)

type CustomerController struct {
	DB           *gorm.DB
	Pipeline     *services.PipelineService
	Orchestrator *services.Orchestrator
	Logger       *logrus.Logger
}

func NewCustomerController(db *gorm.DB, pipeline *services.PipelineService, orch *services.Orchestrator, logger *logrus.Logger) *CustomerController {
	return &CustomerController{
		DB:           db,
		Pipeline:     pipeline,
		Orchestrator: orch,
		Logger:       logger,
	}
}

// loadCustomer resolves :id within the caller's tenant. On failure the
// error response has already been written.
func (cc *CustomerController) loadCustomer(c *fiber.Ctx) (*models.Customer, error) {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return nil, utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid customer ID", nil)
	}

	var customer models.Customer
	if err := cc.DB.WithContext(c.UserContext()).
		Where("id = ? AND tenant_id = ?", id, middleware.TenantID(c)).
		First(&customer).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorResponse(c, fiber.StatusNotFound, "Customer not found", nil)
		}
		return nil, utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load customer", err)
	}
	return &customer, nil
}

func (cc *CustomerController) GetCustomer(c *fiber.Ctx) error {
	customer, err := cc.loadCustomer(c)
	if customer == nil {
		return err
	}
	return c.JSON(utils.SuccessResponse(customer))
}

// Transition moves a customer to another stage by operator decision
func (cc *CustomerController) Transition(c *fiber.Ctx) error {
	customer, err := cc.loadCustomer(c)
	if customer == nil {
		return err
	}

	var input struct {
		Stage   string `json:"stage" validate:"required"`
		Trigger string `json:"trigger" validate:"omitempty,max=64"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	target, err := models.ParseStage(input.Stage)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Unknown pipeline stage", err)
	}
	trigger := input.Trigger
	if trigger == "" {
		trigger = services.TriggerManual
	}

	from := customer.PipelineStage
	moved, err := cc.Pipeline.Transition(c.UserContext(), customer, target, trigger)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to transition customer", err)
	}
	if !moved {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success": false,
			"error":   "Transition not allowed",
			"from":    from,
			"to":      target,
		})
	}

	return c.JSON(utils.SuccessResponse(customer))
}

// AcceptTrial opens the customer's trial window
func (cc *CustomerController) AcceptTrial(c *fiber.Ctx) error {
	customer, err := cc.loadCustomer(c)
	if customer == nil {
		return err
	}

	started, err := cc.Pipeline.HandleTrialAcceptance(c.UserContext(), customer)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to start trial", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"started":  started,
		"customer": customer,
	}))
}

func (cc *CustomerController) History(c *fiber.Ctx) error {
	customer, err := cc.loadCustomer(c)
	if customer == nil {
		return err
	}

	history, err := cc.Pipeline.History(c.UserContext(), customer.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load stage history", err)
	}
	return c.JSON(utils.SuccessResponse(history))
}

// StartTimeline puts the customer on a template of their current stage
func (cc *CustomerController) StartTimeline(c *fiber.Ctx) error {
	customer, err := cc.loadCustomer(c)
	if customer == nil {
		return err
	}

	var input struct {
		TemplateID uint `json:"template_id" validate:"required"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	var template models.TimelineTemplate
	if err := cc.DB.WithContext(c.UserContext()).
		Where("id = ? AND tenant_id IN ?", input.TemplateID, []uint{customer.TenantID, 0}).
		First(&template).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Timeline template not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load timeline template", err)
	}

	progress, err := cc.Orchestrator.StartTimeline(c.UserContext(), customer, &template)
	switch {
	case errors.Is(err, services.ErrTemplateInactive):
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, err.Error(), nil)
	case errors.Is(err, services.ErrStageMismatch), errors.Is(err, services.ErrTimelineAlreadyActive):
		return utils.ErrorResponse(c, fiber.StatusConflict, err.Error(), nil)
	case err != nil:
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to start timeline", err)
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(progress))
}

func (cc *CustomerController) ListTimelines(c *fiber.Ctx) error {
	customer, err := cc.loadCustomer(c)
	if customer == nil {
		return err
	}

	query := cc.DB.WithContext(c.UserContext()).Preload("Actions").Where("customer_id = ?", customer.ID)
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var progresses []models.TimelineProgress
	if err := query.Order("id DESC").Find(&progresses).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load timelines", err)
	}
	return c.JSON(utils.SuccessResponse(progresses))
}

// ExecuteTimelines runs the customer's due actions now instead of waiting
// for the worker
func (cc *CustomerController) ExecuteTimelines(c *fiber.Ctx) error {
	customer, err := cc.loadCustomer(c)
	if customer == nil {
		return err
	}

	results, err := cc.Orchestrator.ExecuteActionsForCustomer(c.UserContext(), customer)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to execute timeline actions", err)
	}

	moved, err := cc.Pipeline.CheckEngagementThreshold(c.UserContext(), customer)
	if err != nil {
		utils.LogError("engagement_threshold", err, map[string]interface{}{"customer_id": customer.ID})
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"results": results,
		"moved":   moved,
		"stage":   customer.PipelineStage,
	}))
}

func (cc *CustomerController) CancelTimeline(c *fiber.Ctx) error {
	customer, err := cc.loadCustomer(c)
	if customer == nil {
		return err
	}

	progressID := utils.ParseUint(c.Params("progressID"))
	reason := c.Query("reason", "cancelled by operator")

	progress, err := cc.Orchestrator.CancelProgress(c.UserContext(), customer.ID, progressID, reason)
	if errors.Is(err, services.ErrProgressNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Active timeline not found", nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to cancel timeline", err)
	}
	return c.JSON(utils.SuccessResponse(progress))
}
