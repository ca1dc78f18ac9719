package runtime

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ReadyCheck is a named dependency check for /readyz.
type ReadyCheck struct {
	Name  string
	Check func(context.Context) error
}

// NewBaseMuxWithReady serves /healthz for process liveness and /readyz, which
// runs every dependency check and reports one status line per dependency, so
// an operator can tell a broken broker from a broken database at a glance.
func NewBaseMuxWithReady(checks ...ReadyCheck) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		var report strings.Builder
		ready := true
		for _, check := range checks {
			if check.Check == nil {
				continue
			}
			name := check.Name
			if name == "" {
				name = "dependency"
			}
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			err := check.Check(ctx)
			cancel()
			if err != nil {
				ready = false
				fmt.Fprintf(&report, "%s: %v\n", name, err)
				continue
			}
			fmt.Fprintf(&report, "%s: ok\n", name)
		}

		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		if report.Len() == 0 {
			_, _ = w.Write([]byte("ok"))
			return
		}
		_, _ = w.Write([]byte(report.String()))
	})
	return mux
}
