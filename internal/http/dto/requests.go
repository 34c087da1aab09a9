package dto

import "github.com/participant-hub/identity/internal/models"

type ApplyImportRequest struct {
	ChatID    *int64                  `json:"chat_id"`
	FileName  string                  `json:"file_name"`
	Bulk      string                  `json:"bulk,omitempty"` // merge_matched / create_new / skip
	Decisions []models.AuthorDecision `json:"decisions"`
}

type MergeRequest struct {
	DuplicateIDs []string `json:"duplicate_ids"`
}

type UpdateParticipantRequest = models.ParticipantPatch

type UpsertExternalIDRequest struct {
	System     string `json:"system"`
	ExternalID string `json:"external_id"`
}

type AuthTelegramRequest struct {
	InitData string `json:"init_data"`
	OrgID    string `json:"org_id"`
}
