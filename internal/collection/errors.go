package collection

import "errors"

var (
	ErrCannotModifyID      = errors.New("you cannot change a document's _id")
	ErrCursorClosed        = errors.New("cursor is closed")
	ErrAlreadyLive         = errors.New("cursor is already live")
	ErrCollectionClosed    = errors.New("collection is closed")
	ErrNoModifier          = errors.New("update needs a modifier")
	ErrIndexNotFound       = errors.New("index not found")
	ErrCannotRemoveIDIndex = errors.New("the _id index cannot be removed")
	ErrNoStore             = errors.New("collection needs a backing store")
)
