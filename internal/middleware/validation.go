package middleware

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/tradeskill/marketplace-chat/internal/model"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags on v. Failures wrap model.ErrInvalidRequest.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", model.ErrInvalidRequest, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", model.ErrInvalidRequest, strings.Join(fields, ", "))
}

// ValidateID checks a chat or message id.
func ValidateID(kind, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: invalid %s id", model.ErrInvalidRequest, kind)
	}
	return nil
}
