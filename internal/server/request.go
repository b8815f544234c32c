package server

import (
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/xaenox/perfume-chat/internal/chat"
	"github.com/xaenox/perfume-chat/internal/models"
	"github.com/xaenox/perfume-chat/internal/prompt"
)

const (
	maxTextLength     = 2000
	maxFileNameLength = 100
)

var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New()
	requestValidate.RegisterStructValidation(validatePart, PartPayload{})
}

// PostRequest is the body of POST /api/chat
type PostRequest struct {
	ID                     string         `json:"id" validate:"required,uuid"`
	Message                MessagePayload `json:"message"`
	SelectedChatModel      string         `json:"selectedChatModel" validate:"required,oneof=chat-model chat-model-reasoning"`
	SelectedVisibilityType string         `json:"selectedVisibilityType" validate:"required,oneof=public private"`
}

type MessagePayload struct {
	ID    string        `json:"id" validate:"required,uuid"`
	Role  string        `json:"role" validate:"required,eq=user"`
	Parts []PartPayload `json:"parts" validate:"required,min=1,dive"`
}

type PartPayload struct {
	Type      string `json:"type" validate:"required,oneof=text file"`
	Text      string `json:"text,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	Name      string `json:"name,omitempty"`
	URL       string `json:"url,omitempty" validate:"omitempty,url"`
}

// validatePart checks the fields each part type requires
func validatePart(sl validator.StructLevel) {
	part := sl.Current().Interface().(PartPayload)

	switch part.Type {
	case string(models.TextPart):
		if n := utf8.RuneCountInString(part.Text); n < 1 || n > maxTextLength {
			sl.ReportError(part.Text, "text", "Text", "text_length", "")
		}
	case string(models.FilePart):
		if part.MediaType != "image/jpeg" && part.MediaType != "image/png" {
			sl.ReportError(part.MediaType, "mediaType", "MediaType", "media_type", "")
		}
		if part.Name == "" || utf8.RuneCountInString(part.Name) > maxFileNameLength {
			sl.ReportError(part.Name, "name", "Name", "file_name", "")
		}
		if part.URL == "" {
			sl.ReportError(part.URL, "url", "URL", "required", "")
		}
	}
}

// Validate reports the first schema violation
func (r *PostRequest) Validate() error {
	return requestValidate.Struct(r)
}

func (r *PostRequest) toSendRequest(hints prompt.RequestHints) chat.SendRequest {
	parts := make([]models.Part, 0, len(r.Message.Parts))
	var attachments []models.Attachment
	for _, p := range r.Message.Parts {
		part := models.Part{Type: models.PartType(p.Type)}
		if part.Type == models.TextPart {
			part.Text = p.Text
		} else {
			part.MediaType = p.MediaType
			part.Name = p.Name
			part.URL = p.URL
			attachments = append(attachments, models.Attachment{Name: p.Name, URL: p.URL, ContentType: p.MediaType})
		}
		parts = append(parts, part)
	}

	return chat.SendRequest{
		ChatID: r.ID,
		Message: &models.Message{
			ID:          r.Message.ID,
			Role:        models.RoleUser,
			Parts:       parts,
			Attachments: attachments,
		},
		ChatModel:  r.SelectedChatModel,
		Visibility: models.Visibility(r.SelectedVisibilityType),
		Hints:      hints,
	}
}

// validationCause renders validator errors as a short client-facing cause
func validationCause(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return "Invalid request body."
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, strings.TrimPrefix(fe.Namespace(), "PostRequest."))
	}
	return "Invalid fields: " + strings.Join(fields, ", ") + "."
}
