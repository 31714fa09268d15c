package pipeline

import (
	"encoding/json"
	"net/http"

	"github.com/certainly-param/vac-protocol/pkg/vacerr"
)

// Problem is an RFC 7807 Problem Details body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// WriteError renders a vacerr.Error as an RFC 7807 problem+json response.
func WriteError(w http.ResponseWriter, workflowID string, err *vacerr.Error) {
	status := err.Kind.Status()
	problem := Problem{
		Type:     "https://vac-protocol.dev/errors/" + string(err.Kind),
		Title:    string(err.Kind),
		Status:   status,
		Detail:   err.Reason,
		Instance: workflowID,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}
