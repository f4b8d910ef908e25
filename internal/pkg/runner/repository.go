package runner

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/packetwarden/formflow-api/app/models"
	"github.com/packetwarden/formflow-api/internal/pkg/requestmeta"
)

// SubmitParams is the argument set of the submit_form function.
type SubmitParams struct {
	FormID         string
	Data           map[string]any
	IdempotencyKey string
	IP             string
	UserAgent      string
	Referer        string
	StartedAt      *time.Time
}

// Repository invokes the database functions the runner consumes. The
// functions own rate limiting, quota accounting and the transactional
// submission insert; the gateway only maps their results.
type Repository interface {
	CheckRequest(ctx context.Context, meta requestmeta.Meta) error
	GetPublishedFormByID(ctx context.Context, formID string) (*models.PublishedForm, error)
	GetFormSubmissionQuota(ctx context.Context, formID string) (*models.SubmissionQuota, error)
	SubmitForm(ctx context.Context, in SubmitParams) (string, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a runner repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

// CheckRequest evaluates the strict rate-limit gate. The function reads the
// forwarded request headers through the request.headers GUC, so both
// statements must share one transaction.
func (r *gormRepository) CheckRequest(ctx context.Context, meta requestmeta.Meta) error {
	headers, err := json.Marshal(meta.ForwardedHeaders())
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT set_config('request.headers', ?, true)", string(headers)).Error; err != nil {
			return err
		}
		if err := tx.Exec("SELECT check_request()").Error; err != nil {
			if isRateLimitSignal(err) {
				return ErrRateLimited
			}
			return err
		}
		return nil
	})
}

func (r *gormRepository) GetPublishedFormByID(ctx context.Context, formID string) (*models.PublishedForm, error) {
	var form models.PublishedForm
	res := r.db.WithContext(ctx).Raw("SELECT * FROM get_published_form_by_id(?::uuid)", formID).Scan(&form)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 || form.ID == "" {
		return nil, gorm.ErrRecordNotFound
	}
	return &form, nil
}

func (r *gormRepository) GetFormSubmissionQuota(ctx context.Context, formID string) (*models.SubmissionQuota, error) {
	var quota models.SubmissionQuota
	res := r.db.WithContext(ctx).Raw("SELECT * FROM get_form_submission_quota(?::uuid)", formID).Scan(&quota)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return &quota, nil
}

func (r *gormRepository) SubmitForm(ctx context.Context, in SubmitParams) (string, error) {
	dataJSON, err := json.Marshal(in.Data)
	if err != nil {
		return "", err
	}

	var submissionID string
	row := r.db.WithContext(ctx).Raw(
		"SELECT submit_form(?::uuid, ?::jsonb, ?::uuid, ?, ?, ?, ?::timestamptz)",
		in.FormID,
		string(dataJSON),
		in.IdempotencyKey,
		nullable(in.IP),
		nullable(in.UserAgent),
		nullable(in.Referer),
		in.StartedAt,
	).Row()
	if err := row.Scan(&submissionID); err != nil {
		return "", err
	}
	return submissionID, nil
}

func nullable(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

// isRateLimitSignal recognizes the machine-readable 429 payload raised by
// check_request (a P0001 exception whose message is a JSON envelope).
func isRateLimitSignal(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	var envelope struct {
		Code int `json:"code"`
	}
	if jsonErr := json.Unmarshal([]byte(pgErr.Message), &envelope); jsonErr == nil && envelope.Code == 429 {
		return true
	}
	return strings.Contains(strings.ToLower(pgErr.Message), "rate limit")
}

// MapSubmitError translates the fixed submit_form error codes.
func MapSubmitError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "P0002":
		return ErrFormNotFound
	case "42501":
		return ErrForbidden
	case "P0003", "P0004", "P0005", "P0006", "P0007", "P0008":
		return &ConflictError{Code: pgErr.Code}
	default:
		return err
	}
}
