package handlers

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"reflect"
	"time"

	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/dberror"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/result"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON decodes an optional request body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// toJSONSafe converts materialized values to JSON-serializable types.
// NaN and Inf become null, timestamps keep their zone offset.
func toJSONSafe(v any) any {
	if v == nil {
		return nil
	}

	switch val := v.(type) {
	case float32:
		if math.IsNaN(float64(val)) || math.IsInf(float64(val), 0) {
			return nil
		}
		return val
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil
		}
		return val
	case time.Time:
		return val.Format(time.RFC3339)
	case []byte:
		return string(val)
	case fmt.Stringer:
		return val.String()
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Ptr {
			if rv.IsNil() {
				return nil
			}
			return toJSONSafe(rv.Elem().Interface())
		}
		return v
	}
}

// TableResponse is a materialized result. Outcome is "ok" or "empty"; failures are
// reported through ErrorResponse instead.
type TableResponse struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"row_count"`
	Outcome   string   `json:"outcome"`
	ElapsedMs int64    `json:"elapsed_ms"`
	Warnings  []string `json:"warnings,omitempty"`
}

func newTableResponse(t *result.Table, elapsed time.Duration) TableResponse {
	resp := TableResponse{
		Columns:   t.Columns,
		Rows:      make([][]any, len(t.Rows)),
		RowCount:  len(t.Rows),
		Outcome:   dberror.OutcomeOf(len(t.Rows), nil).String(),
		ElapsedMs: elapsed.Milliseconds(),
	}
	if resp.Columns == nil {
		resp.Columns = []string{}
	}
	for i, row := range t.Rows {
		safe := make([]any, len(row))
		for j, v := range row {
			safe[j] = toJSONSafe(v)
		}
		resp.Rows[i] = safe
	}
	return resp
}
