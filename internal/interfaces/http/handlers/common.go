package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/turtacn/casewatch/internal/interfaces/http/middleware"
	"github.com/turtacn/casewatch/pkg/errors"
)

// maxBodyBytes bounds request bodies that reach decodeJSON.
const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	middleware.WriteJSON(w, status, v)
}

func writeAppError(w http.ResponseWriter, err error) {
	middleware.WriteError(w, err)
}

// decodeJSON reads one JSON document into dst and rejects unknown fields.
func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return errors.New(errors.ErrCodeBadRequest, "request body is empty")
		}
		return errors.New(errors.ErrCodeBadRequest, "malformed request body").WithDetail(err.Error())
	}
	return nil
}

// parsePagination reads limit and offset. Out-of-range values fall back to
// the defaults.
func parsePagination(r *http.Request) (limit, offset int) {
	limit = 20
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 200 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}

func tenantID(r *http.Request) string {
	return middleware.TenantFromContext(r.Context())
}

func actorID(r *http.Request) string {
	return middleware.ActorFromContext(r.Context())
}
