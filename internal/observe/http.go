package observe

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the HTTP handler serving the metrics in prometheus
// exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
