package gateway

import (
	"net/http"

	"github.com/edgegate/edgegate/internal/health"
	"github.com/edgegate/edgegate/internal/observability"
)

// NewAdminHandler builds the admin-side mux: Prometheus metrics plus
// the liveness and readiness endpoints. It is served on its own
// listener so operational traffic never competes with the data path.
func NewAdminHandler(metrics *observability.Metrics, checker *health.Checker) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health/live", checker.LivenessHandler())
	mux.HandleFunc("/health/ready", checker.ReadinessHandler())

	return mux
}
