package anonymize

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	anonotel "github.com/dativo-io/anonimiza/internal/otel"
)

var (
	tracer = anonotel.Tracer("github.com/dativo-io/anonimiza/internal/anonymize")
	meter  = otel.Meter("github.com/dativo-io/anonimiza/internal/anonymize")
)

var (
	documentsTotal   metric.Int64Counter
	detectionsTotal  metric.Int64Counter
	reviewFlagsTotal metric.Int64Counter
)

func init() {
	var err error
	documentsTotal, err = meter.Int64Counter("anonymize.documents.total",
		metric.WithDescription("Documents anonymized"))
	if err != nil {
		documentsTotal, _ = meter.Int64Counter("anonymize.documents.total.fallback")
	}
	detectionsTotal, err = meter.Int64Counter("anonymize.detections.total",
		metric.WithDescription("Detections replaced, by category"))
	if err != nil {
		detectionsTotal, _ = meter.Int64Counter("anonymize.detections.total.fallback")
	}
	reviewFlagsTotal, err = meter.Int64Counter("anonymize.review.flags",
		metric.WithDescription("Detections flagged for human review"))
	if err != nil {
		reviewFlagsTotal, _ = meter.Int64Counter("anonymize.review.flags.fallback")
	}
}
