package httpadapter

import (
	"net/http"

	"github.com/doublej/snail-mail-parser/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrSessionNotFound), domain.IsKind(err, domain.ErrFileNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrTransientExternal):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
