package telemetry

import (
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/gorm"
)

// NewDBTracingPlugin returns a GORM plugin that records a span per journal
// query. Query variables are stripped from the recorded statements so job
// inputs never leak into traces.
func NewDBTracingPlugin() gorm.Plugin {
	return otelgorm.NewPlugin(
		otelgorm.WithDBName("sqlite"),
		otelgorm.WithoutQueryVariables(),
	)
}
