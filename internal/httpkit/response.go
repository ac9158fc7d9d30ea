// Package httpkit holds small HTTP helpers shared by the API handlers.
package httpkit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"storyclip/internal/pkg/errors"
)

// DecodeJSON decodes a single JSON object, rejecting unknown fields.
func DecodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.WrapWithCode(err, errors.CodeValidation, "httpkit.decode", "invalid json body").
			WithField("detail", err.Error())
	}
	return nil
}

func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// QueryInt reads a positive integer query parameter, falling back to def
// when it is absent or malformed.
func QueryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// QueryList splits a comma separated query parameter.
func QueryList(r *http.Request, key string) []string {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil
	}
	return normalizeList(strings.Split(raw, ","))
}
