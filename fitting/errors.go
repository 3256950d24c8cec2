package fitting

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrIncompatibleSkeletons = errors.New("fewer than two semi-standard bones in common")
	ErrCancelled             = errors.New("cancelled")
	ErrModelsNotLoaded       = errors.New("models not loaded")
)

type MissingRequiredBoneError struct {
	Names []string
}

func (e *MissingRequiredBoneError) Error() string {
	return "missing required bones: " + strings.Join(e.Names, ", ")
}

type UnreadableModelError struct {
	Path string
	Err  error
}

func (e *UnreadableModelError) Error() string {
	return fmt.Sprintf("unreadable model %s: %v", e.Path, e.Err)
}

func (e *UnreadableModelError) Unwrap() error {
	return e.Err
}

type OutputPathInvalidError struct {
	Path string
	Err  error
}

func (e *OutputPathInvalidError) Error() string {
	return fmt.Sprintf("invalid output path %s: %v", e.Path, e.Err)
}

func (e *OutputPathInvalidError) Unwrap() error {
	return e.Err
}

// InternalError reports a broken invariant. It is never repaired silently.
type InternalError struct {
	Detail string
}

func (e *InternalError) Error() string {
	return "internal error: " + e.Detail
}
