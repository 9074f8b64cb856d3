package api

import (
	"errors"

	"forgeloop/internal/dto"
	"forgeloop/internal/store"
)

// translateNotFound converts the store's sentinel not-found error into a
// dto.APIError carrying the resource name; other errors pass through
// unwrapped so the generic handler's 500 path reports them as-is.
func translateNotFound(err error, resource string) error {
	if errors.Is(err, store.ErrNotFound) {
		return dto.NotFound(resource)
	}
	return err
}
