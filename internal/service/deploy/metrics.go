package deploy

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var deploymentsTotal = mustCounterVec(prometheus.CounterOpts{
	Namespace: "stackd",
	Name:      "deployments_total",
	Help:      "Finished deployments by terminal status.",
}, []string{"status"})

func mustCounterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(opts, labels)
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	return c
}
