package validation

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/benvon/idea-tagger/internal/models"
	"github.com/go-playground/validator/v10"
)

const (
	// MaxTagTextLength bounds a filter's tag name
	MaxTagTextLength = 100
	// MaxSearchTextLength bounds a filter's keyword string
	MaxSearchTextLength = 1000
)

var (
	// Validate is a shared validator instance
	Validate *validator.Validate
)

func init() {
	Validate = validator.New()

	if err := Validate.RegisterValidation("filter_status", validateFilterStatus); err != nil {
		panic(fmt.Sprintf("failed to register filter_status validator: %v", err))
	}
	if err := Validate.RegisterValidation("tag_text", validateTagText); err != nil {
		panic(fmt.Sprintf("failed to register tag_text validator: %v", err))
	}
}

// validateFilterStatus validates that a string is a valid FilterStatus enum value
func validateFilterStatus(fl validator.FieldLevel) bool {
	return models.FilterStatus(fl.Field().String()).Valid()
}

// validateTagText rejects blank names and the #null sentinel, which could never
// be referenced from a keyword string
func validateTagText(fl validator.FieldLevel) bool {
	value := strings.TrimSpace(fl.Field().String())
	return value != "" && !strings.EqualFold(value, models.NullTagName)
}

// FilterInput is the editable part of a tag filter, as sent by the API or read
// from a seed file
type FilterInput struct {
	TagText       string     `json:"tag_text" yaml:"tag_text" validate:"required,max=100,tag_text"`
	SearchText    string     `json:"search_text" yaml:"search_text" validate:"max=1000"`
	StartDate     *time.Time `json:"start_date,omitempty" yaml:"start_date,omitempty"`
	EndDate       *time.Time `json:"end_date,omitempty" yaml:"end_date,omitempty"`
	SettlementIDs []int64    `json:"settlement_ids" yaml:"settlement_ids" validate:"dive,gt=0"`
}

// Normalize sanitizes text fields and drops duplicate settlement ids
func (in *FilterInput) Normalize() {
	in.TagText = SanitizeText(in.TagText)
	in.SearchText = SanitizeText(in.SearchText)

	seen := make(map[int64]struct{}, len(in.SettlementIDs))
	ids := make([]int64, 0, len(in.SettlementIDs))
	for _, id := range in.SettlementIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	in.SettlementIDs = ids
}

// ValidateFilter normalizes and checks a filter definition. Failures are
// ErrValidation errors.
func ValidateFilter(in *FilterInput) error {
	in.Normalize()
	if err := Validate.Struct(in); err != nil {
		return models.NewTaggingError(models.ErrValidation, "validate filter", 0, describe(err))
	}
	if in.StartDate != nil && in.EndDate != nil && in.EndDate.Before(*in.StartDate) {
		return models.NewTaggingError(models.ErrValidation, "validate filter", 0,
			errors.New("end_date must not be before start_date"))
	}
	return nil
}

// ToModel builds a TagFilter from a validated input
func (in *FilterInput) ToModel() *models.TagFilter {
	return &models.TagFilter{
		TagText:       in.TagText,
		SearchText:    in.SearchText,
		StartDate:     in.StartDate,
		EndDate:       in.EndDate,
		SettlementIDs: in.SettlementIDs,
	}
}

// describe turns validator errors into a single readable message
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param()))
		case "tag_text":
			msgs = append(msgs, fmt.Sprintf("%s must be a non-empty tag name other than %q", fe.Field(), models.NullTagName))
		case "gt":
			msgs = append(msgs, fmt.Sprintf("%s must be positive", fe.Field()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// SanitizeText sanitizes text input by trimming whitespace and removing control characters
func SanitizeText(text string) string {
	// Trim whitespace
	text = strings.TrimSpace(text)

	// Remove control characters except newline and tab
	var sanitized strings.Builder
	for _, r := range text {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		sanitized.WriteRune(r)
	}

	return sanitized.String()
}

// ValidateFilterStatus validates a FilterStatus string value
func ValidateFilterStatus(value string) error {
	if _, err := models.ParseFilterStatus(value); err != nil {
		return models.NewTaggingError(models.ErrValidation, "validate status", 0,
			fmt.Errorf("invalid status: %s (must be one of EDITING, QUEUED, PROCESSING, ACTIVE, ERROR)", value))
	}
	return nil
}
