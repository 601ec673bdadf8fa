package fetch

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/trafficsim/viewer/internal/fetch"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}
