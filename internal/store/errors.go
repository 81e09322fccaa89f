package store

import "errors"

// ErrUnknownMessage signals a mutation aimed at a message the store does not
// hold. This is a caller bug, not a runtime condition.
var ErrUnknownMessage = errors.New("message not held by store")
