package controllers

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/packetwarden/formflow-api/internal/pkg/requestmeta"
	"github.com/packetwarden/formflow-api/internal/pkg/runner"
	"github.com/packetwarden/formflow-api/internal/pkg/schema"
)

// RunnerController serves the public form runner surface: schema fetch and
// submission.
type RunnerController struct {
	svc *runner.Service
}

// NewRunnerController creates the runner controller.
func NewRunnerController(svc *runner.Service) *RunnerController {
	return &RunnerController{svc: svc}
}

// HandleGetFormSchema returns the published form for public rendering.
func (rc *RunnerController) HandleGetFormSchema(c *fiber.Ctx) error {
	formID := strings.TrimSpace(c.Params("formId"))
	if _, err := uuid.Parse(formID); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "Invalid form id", "FIELD_VALIDATION_FAILED", fiber.Map{
			"issues": []fiber.Map{{"field_id": "formId", "message": "Must be a UUID"}},
		})
	}

	form, err := rc.svc.GetForm(c.UserContext(), formID)
	if err != nil {
		if errors.Is(err, runner.ErrFormNotFound) {
			return jsonError(c, fiber.StatusNotFound, "Form not found", "FORM_NOT_FOUND", nil)
		}
		log.Errorf("runner: schema fetch failed for form %s: %v", formID, err)
		return jsonError(c, fiber.StatusInternalServerError, "Failed to load form", "RUNNER_INTERNAL_ERROR", nil)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"form": fiber.Map{
			"id":                 form.ID,
			"title":              form.Title,
			"description":        form.Description,
			"published_schema":   json.RawMessage(form.PublishedSchema),
			"success_message":    form.SuccessMessage,
			"redirect_url":       form.RedirectURL,
			"meta_title":         form.MetaTitle,
			"meta_description":   form.MetaDescription,
			"meta_image_url":     form.MetaImageURL,
			"captcha_enabled":    form.CaptchaEnabled,
			"captcha_provider":   form.CaptchaProvider,
			"require_auth":       form.RequireAuth,
			"password_protected": form.PasswordProtected,
		},
	})
}

type submitRequest struct {
	Data      map[string]any `json:"data"`
	StartedAt *string        `json:"started_at"`
}

// HandleSubmitForm runs the public submission pipeline.
func (rc *RunnerController) HandleSubmitForm(c *fiber.Ctx) (err error) {
	// Unexpected panics must not leak internals past the envelope.
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("runner: panic during submit: %v", r)
			err = jsonError(c, fiber.StatusInternalServerError, "Failed to submit form", "RUNNER_INTERNAL_ERROR", nil)
		}
	}()

	formID := strings.TrimSpace(c.Params("formId"))
	if _, perr := uuid.Parse(formID); perr != nil {
		return jsonError(c, fiber.StatusBadRequest, "Invalid form id", "FIELD_VALIDATION_FAILED", fiber.Map{
			"issues": []fiber.Map{{"field_id": "formId", "message": "Must be a UUID"}},
		})
	}

	idempotencyKey := strings.TrimSpace(c.Get("Idempotency-Key"))
	if _, perr := uuid.Parse(idempotencyKey); perr != nil {
		return jsonError(c, fiber.StatusBadRequest, "Missing or invalid Idempotency-Key header", "FIELD_VALIDATION_FAILED", fiber.Map{
			"issues": []fiber.Map{{"field_id": "Idempotency-Key", "message": "Header must be a UUID"}},
		})
	}

	req, perr := parseSubmitBody(c.Body())
	if perr != "" {
		return jsonError(c, fiber.StatusBadRequest, perr, "FIELD_VALIDATION_FAILED", nil)
	}

	var startedAt *time.Time
	if req.StartedAt != nil {
		t, terr := time.Parse(time.RFC3339, *req.StartedAt)
		if terr != nil {
			return jsonError(c, fiber.StatusBadRequest, "started_at must be an ISO-8601 timestamp with offset", "FIELD_VALIDATION_FAILED", nil)
		}
		startedAt = &t
	}

	result, serr := rc.svc.Submit(c.UserContext(), runner.SubmitInput{
		FormID:         formID,
		IdempotencyKey: idempotencyKey,
		Data:           req.Data,
		StartedAt:      startedAt,
		Meta:           requestmeta.FromCtx(c),
	})
	if serr != nil {
		return rc.mapSubmitError(c, serr)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"submission_id":   result.SubmissionID,
		"success_message": result.SuccessMessage,
		"redirect_url":    result.RedirectURL,
	})
}

// parseSubmitBody decodes the strict request shape: {"data": object,
// "started_at"?: string}; unknown fields are rejected.
func parseSubmitBody(body []byte) (*submitRequest, string) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()

	var req submitRequest
	if err := dec.Decode(&req); err != nil {
		return nil, "Request body must be a JSON object with a \"data\" object"
	}
	if dec.More() {
		return nil, "Request body must be a single JSON object"
	}
	if req.Data == nil {
		return nil, "Request body requires a \"data\" object"
	}
	return &req, ""
}

func (rc *RunnerController) mapSubmitError(c *fiber.Ctx, err error) error {
	var contractErr *schema.ContractError
	var validationErr *runner.ValidationError
	var quotaErr *runner.QuotaError
	var conflictErr *runner.ConflictError

	switch {
	case errors.Is(err, runner.ErrRateLimited):
		return jsonError(c, fiber.StatusTooManyRequests, "Too many submissions, please retry later", "RATE_LIMITED", nil)
	case errors.Is(err, runner.ErrRateLimitCheckFailed):
		return jsonError(c, fiber.StatusInternalServerError, "Could not evaluate rate limit", "RATE_LIMIT_CHECK_FAILED", nil)
	case errors.Is(err, runner.ErrFormNotFound):
		return jsonError(c, fiber.StatusNotFound, "Form not found", "FORM_NOT_FOUND", nil)
	case errors.Is(err, runner.ErrForbidden):
		return jsonError(c, fiber.StatusForbidden, "Submission not allowed", "FORBIDDEN", nil)
	case errors.As(err, &contractErr):
		return jsonError(c, fiber.StatusUnprocessableEntity, "Form schema is not supported", "UNSUPPORTED_FORM_SCHEMA", fiber.Map{
			"issues": contractErr.Issues,
		})
	case errors.As(err, &validationErr):
		extra := fiber.Map{}
		if len(validationErr.Issues) > 0 {
			extra["issues"] = validationErr.Issues
		}
		if len(validationErr.UnknownFields) > 0 {
			extra["unknown_fields"] = validationErr.UnknownFields
		}
		return jsonError(c, fiber.StatusUnprocessableEntity, "Field validation failed", "FIELD_VALIDATION_FAILED", extra)
	case errors.As(err, &quotaErr):
		code := "PLAN_LIMIT_EXCEEDED"
		message := "Submission limit reached for this plan"
		if quotaErr.Disabled {
			code = "PLAN_FEATURE_DISABLED"
			message = "Submissions are not enabled on this plan"
		}
		return jsonError(c, fiber.StatusForbidden, message, code, fiber.Map{
			"feature":     quotaErr.Feature,
			"current":     quotaErr.Current,
			"allowed":     quotaErr.Allowed,
			"upgrade_url": quotaErr.UpgradeURL,
		})
	case errors.As(err, &conflictErr):
		return jsonError(c, fiber.StatusConflict, "Form state conflict", "FORM_STATE_CONFLICT", nil)
	default:
		log.Errorf("runner: submit failed: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "Failed to submit form", "RUNNER_INTERNAL_ERROR", nil)
	}
}
