package dto

import (
	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	"go-kestrel/internal/scheduler/models"
)

// scheduleParser accepts standard 5-field cron expressions (minute granularity)
var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// validateCronExpression checks 5-field cron syntax
func validateCronExpression(fl validator.FieldLevel) bool {
	expr := fl.Field().String()
	if expr == "" {
		return true
	}
	_, err := scheduleParser.Parse(expr)
	return err == nil
}

// validateTaskKind checks the task type discriminator
func validateTaskKind(fl validator.FieldLevel) bool {
	switch models.TaskKind(fl.Field().String()) {
	case models.TaskKindManual, models.TaskKindCommon, models.TaskKindWorkflow:
		return true
	}
	return false
}

// validateExecutionStatus checks execution status filter values
func validateExecutionStatus(fl validator.FieldLevel) bool {
	switch models.ExecutionStatus(fl.Field().String()) {
	case models.StatusPending, models.StatusRunning, models.StatusPaused,
		models.StatusSuccess, models.StatusFailed, models.StatusCompleted,
		models.StatusTerminated:
		return true
	}
	return false
}

// RegisterCustomValidators registers scheduler validators with a validator instance
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("cron_expr", validateCronExpression); err != nil {
		return err
	}
	if err := v.RegisterValidation("task_kind", validateTaskKind); err != nil {
		return err
	}
	return v.RegisterValidation("execution_status", validateExecutionStatus)
}
