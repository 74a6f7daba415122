package modelstore

import "errors"

var (
	// ErrObjectNotFound is returned when an object does not exist in the bucket
	ErrObjectNotFound = errors.New("object not found")

	// ErrEmptyBucket is returned when a sync finds no objects to download
	ErrEmptyBucket = errors.New("no objects found in bucket")

	// ErrSyncIncomplete is returned when one or more objects failed to download
	ErrSyncIncomplete = errors.New("model sync incomplete")
)
