package server

import (
	"time"

	"marketline/internal/domain"
)

// Request payloads

type AssignRequest struct {
	TaskID     string `json:"task_id"`
	ExecutorID string `json:"executor_id"`
	CustomerID string `json:"customer_id,omitempty"`
	Title      string `json:"title,omitempty"`
	Amount     int64  `json:"amount" minimum:"0"`
}

type AssignmentActionRequest struct {
	ReasonID        string `json:"reason_id,omitempty"`
	DurationMinutes int    `json:"duration_minutes,omitempty" minimum:"0"`
	Files           int    `json:"files,omitempty" minimum:"0"`
}

type OpenDisputeRequest struct {
	Reason string `json:"reason,omitempty"`
}

type VersionRequest struct {
	Version int64 `json:"version" minimum:"1"`
}

type DecideRequest struct {
	Version        int64           `json:"version" minimum:"1"`
	Decision       string          `json:"decision" enum:"release_to_executor,refund_to_customer,partial_refund"`
	Comment        string          `json:"comment"`
	Checklist      map[string]bool `json:"checklist"`
	ExecutorAmount int64           `json:"executor_amount,omitempty"`
	CustomerAmount int64           `json:"customer_amount,omitempty"`
}

type DeclareDisruptionRequest struct {
	Kind    string    `json:"kind,omitempty"`
	StartAt time.Time `json:"start_at" format:"date-time"`
	TaskIDs []string  `json:"task_ids,omitempty"`
}

type EndDisruptionRequest struct {
	EndAt time.Time `json:"end_at" format:"date-time"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

// AssignmentView carries the assignment fields without the domain methods, so the
// response schema flattens them.
type AssignmentView domain.Assignment

type AssignmentResponse struct {
	AssignmentView
	Changed bool `json:"changed"`
}

type AssignmentListResponse struct {
	Items []domain.Assignment `json:"items"`
}

type DisputeView domain.Dispute

type DisputeResponse struct {
	DisputeView
	Changed bool `json:"changed"`
}

type DisputeListResponse struct {
	Items []domain.Dispute `json:"items"`
}

type LevelResponse struct {
	ExecutorID string    `json:"executor_id"`
	Type       string    `json:"type"`
	Level      int       `json:"level"`
	At         time.Time `json:"at" format:"date-time"`
}

type CanRespondResponse struct {
	ExecutorID  string             `json:"executor_id"`
	CanRespond  bool               `json:"can_respond"`
	Restriction domain.Restriction `json:"restriction"`
	RatingDelta int                `json:"rating_delta_percent"`
}

type ViolationListResponse struct {
	Items []domain.Violation `json:"items"`
}

type RestrictionListResponse struct {
	Items []domain.Restriction `json:"items"`
}

type DisruptionListResponse struct {
	Items []domain.Disruption `json:"items"`
}

type NotificationListResponse struct {
	Items []domain.Notification `json:"items"`
}

type EventListResponse struct {
	Items []domain.Event `json:"items"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func assignmentResponse(a domain.Assignment, changed bool) AssignmentResponse {
	a.ForceMajeureEventIDs = nonNilSlice(a.ForceMajeureEventIDs)
	return AssignmentResponse{AssignmentView: AssignmentView(a), Changed: changed}
}

func disputeResponse(d domain.Dispute, changed bool) DisputeResponse {
	return DisputeResponse{DisputeView: DisputeView(d), Changed: changed}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
