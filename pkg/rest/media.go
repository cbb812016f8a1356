package rest

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strings"

	"github.com/wazo-pbx/xivo-provisioning/pkg/util"
)

// MediaType is the vendor media type every request and response body
// carries.
const MediaType = "application/vnd.proformatique.provd+json"

// mediaTypeMiddleware enforces the content negotiation rules: requests
// with a body must declare the provd media type, and clients asking
// for something else get 406.
func mediaTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !acceptsMediaType(r.Header.Get("Accept")) {
			http.Error(w, "not acceptable", http.StatusNotAcceptable)
			return
		}
		if r.ContentLength != 0 && (r.Method == http.MethodPost || r.Method == http.MethodPut) {
			contentType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
			if err != nil || contentType != MediaType {
				http.Error(w, "unsupported media type", http.StatusUnsupportedMediaType)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func acceptsMediaType(accept string) bool {
	if accept == "" {
		return true
	}
	for _, part := range strings.Split(accept, ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		switch mediaType {
		case MediaType, "*/*", "application/*":
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", MediaType)
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			util.Errorf("encoding response: %v", err)
		}
	}
}

// writeCreated answers 201 with a Location header and the id of the
// created resource.
func writeCreated(w http.ResponseWriter, location, id string) {
	w.Header().Set("Location", location)
	writeJSON(w, http.StatusCreated, map[string]interface{}{"id": id})
}

func readJSON(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeError(w, util.NewInvalidParameterError("body", nil, err.Error()))
		return false
	}
	return true
}

// writeError maps engine errors onto stable status codes. Unknown
// errors become 500 with the message preserved.
func writeError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, util.ErrInvalidID), errors.Is(err, util.ErrNotFound),
		errors.Is(err, util.ErrUnknownParameter), errors.Is(err, util.ErrNotInstalled),
		errors.Is(err, util.ErrNotLoaded):
		status = http.StatusNotFound
	case errors.Is(err, util.ErrUnauthorized):
		// tenant mismatches hide the resource rather than reveal it
		var tenantErr *util.TenantError
		if errors.As(err, &tenantErr) {
			status = http.StatusNotFound
		} else {
			status = http.StatusUnauthorized
		}
	case errors.Is(err, util.ErrNonDeletable):
		status = http.StatusForbidden
	case errors.Is(err, util.ErrInvalidParameter), errors.Is(err, util.ErrRawConfigInvalid),
		errors.Is(err, util.ErrAlreadyExists), errors.Is(err, util.ErrBusy):
		status = http.StatusBadRequest
	default:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]interface{}{"error": err.Error()})
}
