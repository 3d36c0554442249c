package api

import (
	"fmt"
	"net/http"

	jsoncodec "github.com/drblury/eventrelay/internal/runtime/jsoncodec"
)

const problemContentType = "application/problem+json"

// ProblemDetails is an RFC 9457 error body.
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// RequestID correlates the response with the server log line.
	RequestID string `json:"request_id,omitempty"`
}

func newProblem(r *http.Request, status int, detail string) ProblemDetails {
	p := ProblemDetails{
		Type:   "about:blank",
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	}
	if r != nil {
		p.Instance = r.URL.Path
		p.RequestID = RequestIDFromContext(r.Context())
	}
	return p
}

func writeProblem(w http.ResponseWriter, problem ProblemDetails) {
	payload, err := jsoncodec.Marshal(problem)
	if err != nil {
		fallback := fmt.Sprintf("{\"type\":\"about:blank\",\"title\":%q,\"status\":500}", http.StatusText(http.StatusInternalServerError))
		w.Header().Set("Content-Type", problemContentType)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(fallback))
		return
	}

	w.Header().Set("Content-Type", problemContentType)
	w.WriteHeader(problem.Status)
	_, _ = w.Write(payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	payload, err := jsoncodec.Marshal(v)
	if err != nil {
		writeProblem(w, newProblem(nil, http.StatusInternalServerError, "could not encode response"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

// Message is the body of informational responses.
type Message struct {
	Message string `json:"message"`
}
