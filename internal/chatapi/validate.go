package chatapi

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	MaxMessageBytes = 4096 // 4KB max content size
	MaxTextChars    = 2000 // max character count
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names in errors.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type sendMessageRequest struct {
	Content     string     `json:"content" validate:"required"`
	MessageType string     `json:"message_type" validate:"omitempty,oneof=text image file audio video"`
	ReplyTo     *uuid.UUID `json:"reply_to"`
}

// ValidateContent checks that message content meets size and encoding
// requirements.
func ValidateContent(text string) error {
	if len(strings.TrimSpace(text)) == 0 {
		return fmt.Errorf("message content is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	return nil
}

func (r *sendMessageRequest) validate() error {
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s failed %q validation", fe.Field(), fe.Tag())
		}
		return err
	}
	return ValidateContent(r.Content)
}
