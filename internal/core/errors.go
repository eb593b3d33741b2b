package core

import "errors"

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrMessageNotFound  = errors.New("message not found")
	ErrDuplicateSession = errors.New("session already exists")
	ErrDuplicateMessage = errors.New("message already exists")
	ErrInvalidInput     = errors.New("invalid input")
)
