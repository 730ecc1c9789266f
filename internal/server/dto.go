package server

import (
	"stagegate/internal/config"
	"stagegate/internal/domain"
	"stagegate/internal/engine"
)

type CreateProjectRequest struct {
	ID        *string `json:"id,omitempty" example:"plant-refit"`
	Name      string  `json:"name" example:"Plant refit 2026"`
	StartDate *string `json:"start_date,omitempty" format:"date-time"`
	EndDate   *string `json:"end_date,omitempty" format:"date-time"`
}

type UpdateProjectRequest struct {
	Name      *string `json:"name,omitempty"`
	Status    *string `json:"status,omitempty" enum:"pending,in_progress,completed"`
	StartDate *string `json:"start_date,omitempty" format:"date-time"`
	EndDate   *string `json:"end_date,omitempty" format:"date-time"`
}

type CreateTemplateRequest struct {
	Name   string                 `json:"name" example:"Civil works inspection"`
	Stages []domain.TemplateStage `json:"stages"`
}

type InstantiateRequest struct {
	TemplateID string `json:"template_id"`
}

type CreateStageRequest struct {
	Name        string `json:"name" example:"Foundation"`
	Description string `json:"description,omitempty"`
}

type UpdateStageRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type CreateSubTopicRequest struct {
	Name string `json:"name" example:"Concrete works"`
}

type CreateCheckpointRequest struct {
	Question string `json:"question" example:"Rebar spacing checked?"`
}

// ImagePayload carries one uploaded image; Data travels base64-encoded.
type ImagePayload struct {
	ContentType string `json:"content_type" example:"image/jpeg"`
	Data        []byte `json:"data"`
}

// ResponseRequest is a partial update: omitted fields keep their stored
// values, images append.
type ResponseRequest struct {
	Answer *bool          `json:"answer,omitempty"`
	Remark *string        `json:"remark,omitempty"`
	Images []ImagePayload `json:"images,omitempty"`
}

type DecideRequest struct {
	TargetStatus string `json:"target_status" enum:"DRAFT,COMPLETED"`
}

type DecisionResponse struct {
	Stage   domain.Stage         `json:"stage"`
	Entries []domain.LedgerEntry `json:"entries"`
}

type MembershipRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role" enum:"sdh,executor,reviewer"`
}

type ProjectConfigResponse struct {
	ProjectID string         `json:"project_id"`
	Config    *config.Config `json:"config"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty" enum:",sdh,executor,reviewer"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	UserID string   `json:"user_id"`
	Role   string   `json:"role,omitempty"`
	Source string   `json:"source"`
	Roles  []string `json:"project_roles"`
}

func toImageUploads(in []ImagePayload) []engine.ImageUpload {
	out := make([]engine.ImageUpload, 0, len(in))
	for _, img := range in {
		out = append(out, engine.ImageUpload{ContentType: img.ContentType, Data: img.Data})
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func strPtrValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
