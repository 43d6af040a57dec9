package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ivankudzin/attachvault/internal/pkg/validate"
	httperrors "github.com/ivankudzin/attachvault/internal/transport/http/errors"
)

const maxJSONBody = 1 << 20

func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

// decodeValid decodes a JSON body and checks its validate tags.
func decodeValid(w http.ResponseWriter, r *http.Request, target any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := decodeJSON(r, target); err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid json body")
		return false
	}
	if msg, ok := validate.Struct(target); !ok {
		writeBadRequest(w, "VALIDATION_ERROR", msg)
		return false
	}
	return true
}

func pathInt64(r *http.Request, name string) (int64, bool) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func writeBadRequest(w http.ResponseWriter, code, message string) {
	httperrors.WriteError(w, http.StatusBadRequest, code, message)
}

func writeNotFound(w http.ResponseWriter, code, message string) {
	httperrors.WriteError(w, http.StatusNotFound, code, message)
}

func writeInternal(w http.ResponseWriter, code, message string) {
	httperrors.WriteError(w, http.StatusInternalServerError, code, message)
}
