package auth

import (
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// TokenRequest is the body of a token exchange on the relay.
type TokenRequest struct {
	UserID    string `json:"user_id" validate:"required,max=64,excludesall=:|"`
	AccessKey string `json:"access_key" validate:"required,min=12,max=128"`
}

func ValidateTokenRequest(req TokenRequest) error {
	return validate.Struct(req)
}
