package models

import "errors"

var (
	errEmptyPhone   = errors.New("missing number")
	errPhoneFormat  = errors.New("phone number must be in E.164 format with +")
	errPhoneInvalid = errors.New("invalid phone number")
)
