package storage

import (
	"errors"
	"fmt"

	interrors "github.com/veupathdb/edasubset/internal/errors"
)

var (
	// ErrNotFound if a study or entity does not exist in the datastore.
	ErrNotFound = interrors.ErrNotFound

	// ErrCollision if a study being imported already exists.
	ErrCollision = errors.New("item already exists")

	ErrCancelled = errors.New("request has been cancelled")
)

func StudyNotFoundError(studyID string) error {
	return fmt.Errorf("study '%s' not found: %w", studyID, ErrNotFound)
}
