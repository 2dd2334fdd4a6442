package services

import "errors"

var (
	ErrCustomerNotFound      = errors.New("customer not found")
	ErrTemplateNotFound      = errors.New("timeline template not found")
	ErrTemplateInactive      = errors.New("timeline template is inactive")
	ErrStageMismatch         = errors.New("timeline template targets a different pipeline stage")
	ErrTimelineAlreadyActive = errors.New("customer already has an active timeline for this stage")
	ErrProgressNotFound      = errors.New("active timeline progress not found")
	ErrProgressConflict      = errors.New("timeline progress kept changing under concurrent updates")
	ErrSendNotFound          = errors.New("email send not found")
	ErrUnknownDeliveryEvent  = errors.New("unknown delivery event type")
)

// internal CAS outcomes
var (
	errVersionConflict = errors.New("progress version conflict")
	errStageMoved      = errors.New("customer stage changed concurrently")
	errProgressMoved   = errors.New("progress no longer active on this day")
)
