package apperrors

import (
	"errors"
)

var (
	ErrUserAlreadyExists = errors.New("user already exists")
	ErrUserNotFound      = errors.New("user not found")
	ErrUserInactive      = errors.New("user is deactivated")

	ErrPasswordMismatch = errors.New("password does not match")

	ErrAccessTokenInvalid = errors.New("access token is invalid")

	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	ErrRefreshTokenIsUsed   = errors.New("refresh token is used")
	ErrRefreshTokenExpired  = errors.New("refresh token is expired")
	ErrRefreshTokenRevoked  = errors.New("refresh token is revoked")

	ErrForgeryCheckFailed = errors.New("anti-forgery token check failed")

	ErrAPIKeyNotFound = errors.New("api key not found")
	ErrAPIKeyInvalid  = errors.New("api key is invalid")
	ErrAPIKeyExpired  = errors.New("api key is expired")
	ErrAPIKeyRevoked  = errors.New("api key is revoked")
)
