// Package services contains the application-level orchestration between HTTP
// handlers and the persistence layer: conversation lifecycle, profile intake,
// and usage reporting. This file centralizes the service-level sentinel
// errors so handlers can map predictable failures to HTTP results
// consistently.
package services

import "errors"

var (
	// ErrConversationNotFound indicates the conversation does not exist or is
	// not owned by the requesting user.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrMessageNotFound indicates the referenced message does not exist in
	// the conversation.
	ErrMessageNotFound = errors.New("message not found")

	// ErrEmptyIntake indicates a profile intake submission with no answers.
	ErrEmptyIntake = errors.New("intake answers are empty")

	// ErrEmptyTitle indicates a rename request with no usable title text.
	ErrEmptyTitle = errors.New("title is empty")
)
