package sdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"impactkit/core"
)

// ApplyOutcome mirrors the /activity response.
type ApplyOutcome struct {
	Stats     core.UserStats      `json:"stats"`
	Record    core.ActivityRecord `json:"record"`
	Duplicate bool                `json:"duplicate"`
	Awarded   []core.Badge        `json:"awarded,omitempty"`
	Revoked   []core.Badge        `json:"revoked,omitempty"`
	LevelUp   bool                `json:"level_up"`
}

// ReplayReport mirrors the replay response.
type ReplayReport struct {
	UserID   core.UserID    `json:"user_id"`
	Events   int            `json:"events"`
	Stored   core.UserStats `json:"stored"`
	Computed core.UserStats `json:"computed"`
	Drift    []core.Drift   `json:"drift"`
}

// HealthStatus describes the /healthz response.
type HealthStatus struct {
	Status string         `json:"status"`
	Checks map[string]any `json:"checks"`
}

// APIError is a non-2xx response. errors.Is matches it against the core sentinel
// errors, so callers can test for core.ErrUserNotFound and friends.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed: status %d: %s: %s", e.Status, e.Code, e.Message)
}

var codeErrors = map[string]error{
	"invalid_payload":   core.ErrInvalidPayload,
	"user_not_found":    core.ErrUserNotFound,
	"user_exists":       core.ErrUserExists,
	"conflict":          core.ErrConcurrencyConflict,
	"store_unavailable": core.ErrStoreUnavailable,
}

func (e *APIError) Is(target error) bool {
	sentinel, ok := codeErrors[e.Code]
	return ok && sentinel == target
}

// decodeJSON decodes the body into target. On an error status the body is decoded
// too when target can hold it (health reports), and an *APIError is returned.
func decodeJSON(resp *http.Response, target any) error {
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		var raw json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&raw); err == nil {
			_ = json.Unmarshal(raw, apiErr)
			if hs, ok := target.(*HealthStatus); ok {
				_ = json.Unmarshal(raw, hs)
			}
		}
		if apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if target == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

// ErrEmptyUserID is returned when user id is empty.
var ErrEmptyUserID = errors.New("user id is required")
