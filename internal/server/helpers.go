package server

import (
	"encoding/json"
	"mime"
	"net/http"
	"strconv"
	"strings"
)

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// validationError is the error envelope the upstream clients parse: a 400
// with the message under an empty field key.
func validationError(w http.ResponseWriter, msg string) {
	writeJSONStatus(w, http.StatusBadRequest, map[string]any{
		"ValidationErrors": map[string][]string{
			"": {msg},
		},
		"Object": "error",
	})
}

func tooMany(w http.ResponseWriter, retryAfterSeconds int) {
	if retryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	http.Error(w, "too many requests", http.StatusTooManyRequests)
}

// params holds a request body with all keys lowercased. Clients send the
// same fields as JSON or urlencoded form, with inconsistent casing between
// client generations, so lookups go through one case-insensitive map.
type params map[string]any

func parseParams(r *http.Request) (params, error) {
	p := params{}
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		var raw map[string]any
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			return nil, err
		}
		for k, v := range raw {
			p[strings.ToLower(k)] = v
		}
		return p, nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	for k, vs := range r.PostForm {
		if len(vs) > 0 {
			p[strings.ToLower(k)] = vs[0]
		}
	}
	return p, nil
}

func (p params) str(key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

func (p params) intVal(key string) int {
	switch v := p[key].(type) {
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

func (p params) boolVal(key string) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	}
	return false
}

func (p params) sub(key string) params {
	if m, ok := p[key].(map[string]any); ok {
		out := params{}
		for k, v := range m {
			out[strings.ToLower(k)] = v
		}
		return out
	}
	return nil
}

func (p params) list(key string) []params {
	raw, ok := p[key].([]any)
	if !ok {
		return nil
	}
	var out []params
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			sub := params{}
			for k, v := range m {
				sub[strings.ToLower(k)] = v
			}
			out = append(out, sub)
		}
	}
	return out
}

// require reports the first named key with a blank value, for uniform
// "<field> cannot be blank" validation errors.
func (p params) require(keys ...string) (string, bool) {
	for _, k := range keys {
		if p.str(k) == "" {
			return k, false
		}
	}
	return "", true
}
