package provider

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/agreenet/providerd/internal/pkg/perrors"
)

// ProviderDetails is the JSON document behind a provider's detailsLink.
type ProviderDetails struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description,omitempty"`
	Homepage    string `json:"homepage,omitempty" validate:"omitempty,url"`
}

var detailsValidator = validator.New()

// ParseProviderDetails decodes and validates a provider detail blob.
func ParseProviderDetails(content []byte) (*ProviderDetails, error) {
	var d ProviderDetails
	if err := json.Unmarshal(content, &d); err != nil {
		return nil, perrors.ErrBadRequest.WithMessage(fmt.Sprintf("Invalid provider details JSON: %v", err))
	}
	if err := detailsValidator.Struct(&d); err != nil {
		return nil, perrors.ErrBadRequest.WithMessage(fmt.Sprintf("Invalid provider details: %v", err))
	}
	return &d, nil
}
