package handlers

import (
	"errors"
	"net/http"

	"github.com/akinalp/carecall/pkg"
	"github.com/akinalp/carecall/pkg/i18n"
)

// callError writes err like pkg.Error, but the errors a patient is likely to
// see get a message in the request's Accept-Language.
func callError(w http.ResponseWriter, r *http.Request, err error) {
	var key string
	switch {
	case errors.Is(err, pkg.ErrNotFound):
		key = "api.notFound"
	case errors.Is(err, pkg.ErrForbidden):
		key = "api.forbidden"
	case errors.Is(err, pkg.ErrUnavailable):
		key = "api.fallbackUnavailable"
	default:
		pkg.Error(w, err)
		return
	}
	pkg.ErrorWithMessage(w, pkg.StatusFor(err), localizer(r).T(key))
}

func localizer(r *http.Request) *i18n.Localizer {
	return i18n.NewLocalizer(i18n.DetectLanguage(r.Header.Get("Accept-Language")))
}
