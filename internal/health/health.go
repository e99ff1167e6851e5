package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// Check pings one dependency.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

type Status struct {
	OK       bool            `json:"ok"`
	Message  string          `json:"message,omitempty"`
	Checks   map[string]bool `json:"checks,omitempty"`
	Failures []string        `json:"failures,omitempty"`
}

// HTTPHandler returns an HTTP handler that reports the health status of the
// service. Any failing check turns the response into a 503.
func HTTPHandler(checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok"}

		if len(checks) > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()

			st.Checks = make(map[string]bool, len(checks))
			for _, c := range checks {
				err := c.Ping(ctx)
				st.Checks[c.Name] = err == nil
				if err != nil {
					st.Failures = append(st.Failures, c.Name)
				}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if len(st.Failures) > 0 {
			sort.Strings(st.Failures)
			st.OK = false
			st.Message = "dependency check failed"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
