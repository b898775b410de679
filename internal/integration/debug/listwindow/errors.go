package listwindow

import "errors"

var (
	// ErrSlidingWindow is returned by Open for windows that only hold a
	// scrolling slice of their rows. Row positions in such windows are not
	// stable, so they cannot be mirrored.
	ErrSlidingWindow = errors.New("sliding list windows are not supported")

	// ErrDuplicateRow is returned when two siblings share an id. Such rows
	// cannot be relocated after an update.
	ErrDuplicateRow = errors.New("duplicate row id among siblings")

	// ErrRowNotFound is returned when a row reference no longer matches any
	// row in the window.
	ErrRowNotFound = errors.New("row not found")

	// ErrNotExpandable is returned when asking for the children of a leaf.
	ErrNotExpandable = errors.New("row has no children")

	// ErrValueRejected is returned when the engine refuses a cell edit.
	ErrValueRejected = errors.New("value rejected")

	// ErrClosed is returned by operations on a closed window.
	ErrClosed = errors.New("list window closed")
)
