package models

import (
	"encoding/json"
	"time"
)

// NotificationStatus enumerates the lifecycle of a scheduled send request.
type NotificationStatus string

const (
	NotificationScheduled  NotificationStatus = "SCHEDULED"
	NotificationProcessing NotificationStatus = "PROCESSING"
	NotificationCompleted  NotificationStatus = "COMPLETED"
	NotificationCancelled  NotificationStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed.
func (s NotificationStatus) Terminal() bool {
	return s == NotificationCompleted || s == NotificationCancelled
}

func (s NotificationStatus) Valid() bool {
	switch s {
	case NotificationScheduled, NotificationProcessing, NotificationCompleted, NotificationCancelled:
		return true
	}
	return false
}

// AudienceType selects how recipients are resolved at fan-out time.
type AudienceType string

const (
	AudienceAll     AudienceType = "ALL"
	AudienceSegment AudienceType = "SEGMENT"
	AudienceSingle  AudienceType = "SINGLE"
)

// Notification is a scheduled email persisted in Postgres.
type Notification struct {
	ID               string             `json:"id"`
	Title            string             `json:"title"`
	Subject          string             `json:"subject"`
	BodyText         string             `json:"body_text"`
	BodyHTML         *string            `json:"body_html,omitempty"`
	SendAt           time.Time          `json:"send_at"`
	AudienceType     AudienceType       `json:"audience_type"`
	AudiencePayload  json.RawMessage    `json:"audience_payload,omitempty"`
	Status           NotificationStatus `json:"status"`
	SchedulerJobName *string            `json:"scheduler_job_name,omitempty"`
	CreatedBy        string             `json:"created_by"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// Recipient is a row of the externally owned recipients table.
type Recipient struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Locale    string    `json:"locale"`
	Country   string    `json:"country"`
	Plan      string    `json:"plan"`
	CreatedAt time.Time `json:"created_at"`
}

// SegmentFilter is a single AND-ed predicate of a SEGMENT audience.
type SegmentFilter struct {
	Field string          `json:"field"`
	Op    string          `json:"op"`
	Value json.RawMessage `json:"value"`
}

// ChunkMessage is the queue payload published by the fan-out coordinator.
type ChunkMessage struct {
	NotificationID    string   `json:"notification_id"`
	BatchID           string   `json:"batch_id"`
	RecipientIDs      []string `json:"recipient_ids"`
	CursorRecipientID string   `json:"cursor_recipient_id"`
}
