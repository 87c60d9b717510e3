package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/hackgods/hospital-appointments/internal/appointment"
)

var validate = validator.New()

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// decodeBody reads a JSON body into dst and validates it. An empty body is
// accepted when allowEmpty is set.
func decodeBody(r *http.Request, dst any, allowEmpty bool) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err != nil && !(allowEmpty && errors.Is(err, io.EOF)) {
		return fmt.Errorf("%w: could not parse JSON body", appointment.ErrValidation)
	}

	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", appointment.ErrValidation, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", appointment.ErrValidation, err)
	}
	return nil
}

func statusForKind(k appointment.Kind) int {
	switch k {
	case appointment.KindValidation, appointment.KindUnknownStatus:
		return http.StatusBadRequest
	case appointment.KindForbidden:
		return http.StatusForbidden
	case appointment.KindNotFound:
		return http.StatusNotFound
	case appointment.KindSlotConflict, appointment.KindInvalidTransition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError maps an engine error to its HTTP status. Internal errors
// are logged and their details withheld from the client.
func writeServiceError(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	kind := appointment.KindOf(err)
	status := statusForKind(kind)

	if status == http.StatusInternalServerError {
		log.Error("request failed",
			zap.String("request_id", GetRequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, status, string(appointment.KindInternal), "internal server error")
		return
	}

	writeError(w, status, string(kind), err.Error())
}
