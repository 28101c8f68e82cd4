// Package api exposes the tenant-facing admin surface: JSON methods
// dispatched by name from the URL path, with bearer-token auth.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vframe/recognition/internal/store"
)

const (
	// MessageCompleted wraps face-service responses with content.
	MessageCompleted = "Request completed successfully"
	// MessageOK wraps plate-service responses with content.
	MessageOK = "Ok"

	errUnknownMethod = "Unknown API method"
)

// apiError carries the HTTP status and the human message returned to
// the caller.
type apiError struct {
	status int
	msg    string
}

func (e *apiError) Error() string { return e.msg }

func clientError(format string, args ...interface{}) error {
	return &apiError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

func unauthorized() error {
	return &apiError{status: http.StatusUnauthorized, msg: "Unauthorized"}
}

func notFound(msg string) error {
	return &apiError{status: http.StatusNotFound, msg: msg}
}

func serverError() error {
	return &apiError{status: http.StatusInternalServerError, msg: "Internal server error"}
}

// Payload is a decoded request body with the validation helpers every
// method uses.
type Payload map[string]interface{}

// Require enforces the scalar member contract shared by all methods.
func (p Payload) Require(member string) error {
	v, ok := p[member]
	if !ok {
		return clientError("Required member `%s` not found.", member)
	}
	switch x := v.(type) {
	case nil:
		return clientError("Member `%s` must not be null.", member)
	case []interface{}:
		return clientError("Member `%s` must not be an array.", member)
	case map[string]interface{}:
		return clientError("Member `%s` must not be an object.", member)
	case string:
		if x == "" {
			return clientError("Member `%s` must not be empty.", member)
		}
	}
	return nil
}

// RequireArray enforces the non-empty array member contract.
func (p Payload) RequireArray(member string) error {
	v, ok := p[member]
	if !ok {
		return clientError("Required array member `%s` not found.", member)
	}
	switch x := v.(type) {
	case nil:
		return clientError("Member `%s` must not be null.", member)
	case map[string]interface{}:
		return clientError("Member `%s` must not be an object.", member)
	case []interface{}:
		if len(x) == 0 {
			return clientError("Array member `%s` must not be empty.", member)
		}
		return nil
	}
	return clientError("Member `%s` must be an array.", member)
}

// String converts the member to a string, numbers included; stream
// identifiers arrive both ways.
func (p Payload) String(member string) string {
	switch v := p[member].(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

func (p Payload) Has(member string) bool {
	v, ok := p[member]
	return ok && v != nil
}

func (p Payload) Int(member string) (int64, bool) {
	switch v := p[member].(type) {
	case float64:
		return int64(v), true
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

func (p Payload) Float(member string, def float64) float64 {
	switch v := p[member].(type) {
	case float64:
		return v
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func (p Payload) Bool(member string, def bool) bool {
	switch v := p[member].(type) {
	case bool:
		return v
	case string:
		return v == "t" || v == "true" || v == "1"
	}
	return def
}

// Int32Slice converts an array member to descriptor ids, erroring on
// non-numeric entries.
func (p Payload) Int32Slice(member string) ([]int32, error) {
	arr, ok := p[member].([]interface{})
	if !ok {
		return nil, nil
	}
	out := make([]int32, 0, len(arr))
	for _, v := range arr {
		f, ok := v.(float64)
		if !ok {
			return nil, clientError("Member `%s` must contain integers.", member)
		}
		out = append(out, int32(f))
	}
	return out, nil
}

// Object re-marshals an object member for storage as jsonb.
func (p Payload) Object(member string) json.RawMessage {
	v, ok := p[member].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

// dateFormat is the wire format of timestamps in requests and
// responses.
const dateFormat = "2006-01-02 15:04:05"

func parseDate(s string) (time.Time, bool) {
	for _, layout := range []string{dateFormat, time.RFC3339, "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// bearerToken extracts the token from the Authorization header;
// empty when the header is absent or not a bearer scheme.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "Internal server error"
	if ae, ok := err.(*apiError); ok {
		status = ae.status
		msg = ae.msg
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    strconv.Itoa(status),
		"message": msg,
	})
}

// writeData wraps non-empty data as {code, message, data}; empty data
// is a 204.
func writeData(w http.ResponseWriter, message string, data interface{}) {
	if data == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    strconv.Itoa(http.StatusOK),
		"message": message,
		"data":    data,
	})
}

// newRouter builds the method-dispatch router shared by both services.
func newRouter(service string, st *store.Store, handle http.HandlerFunc) *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		database := "connected"
		if st != nil {
			ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
			defer cancel()
			if err := st.Ping(ctx); err != nil {
				database = "error"
			}
		}

		json.NewEncoder(w).Encode(map[string]string{
			"status":   "healthy",
			"service":  service,
			"database": database,
		})
	}).Methods("GET")
	r.HandleFunc("/{method}", handle).Methods("POST", "OPTIONS")
	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// decodePayload tolerates an empty body; malformed JSON is a client
// error.
func decodePayload(r *http.Request) (Payload, error) {
	p := Payload{}
	if r.Body == nil {
		return p, nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, clientError("Body is not a valid JSON object.")
	}
	return p, nil
}
