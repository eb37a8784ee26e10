package core

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// validateDraft reports the first failed constraint in a readable form.
func validateDraft(d Draft) error {
	if err := validate.Struct(d); err != nil {
		errs, ok := err.(validator.ValidationErrors)
		if !ok || len(errs) == 0 {
			return err
		}
		fields := make([]string, 0, len(errs))
		for _, fe := range errs {
			fields = append(fields, fmt.Sprintf("%s(%s)", strings.ToLower(fe.Field()), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", ErrInvalidDraft, strings.Join(fields, ", "))
	}
	if strings.TrimSpace(d.Body) == "" && d.Attachment == nil {
		return fmt.Errorf("%w: body(blank)", ErrInvalidDraft)
	}
	return nil
}
