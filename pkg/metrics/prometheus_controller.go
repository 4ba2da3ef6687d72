package metrics

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPath = "/debug/prometheus"
	HealthPath  = "/health"
)

// PrometheusController mounts the scrape endpoint and a health check for
// the dispatcher daemon.
type PrometheusController struct {
	path     string
	gatherer prometheus.Gatherer
	log      *logrus.Entry
}

// NewPrometheusController serves gatherer on path. A nil gatherer means the
// default registry, where promauto collectors land.
func NewPrometheusController(path string, gatherer prometheus.Gatherer, log *logrus.Entry) *PrometheusController {
	if path == "" {
		path = DefaultPath
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &PrometheusController{path: path, gatherer: gatherer, log: log}
}

func (c *PrometheusController) Key() string {
	return c.path
}

func (c *PrometheusController) Register(r *mux.Router) {
	opts := promhttp.HandlerOpts{}
	if c.log != nil {
		opts.ErrorLog = c.log
	}
	r.Handle(c.path, promhttp.HandlerFor(c.gatherer, opts)).Methods(http.MethodGet)
	r.HandleFunc(HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
}
