package glossary

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	anonotel "github.com/dativo-io/anonimiza/internal/otel"
)

var (
	tracer = anonotel.Tracer("github.com/dativo-io/anonimiza/internal/glossary")
	meter  = otel.Meter("github.com/dativo-io/anonimiza/internal/glossary")
)

var (
	aliasesMinted  metric.Int64Counter
	aliasConflicts metric.Int64Counter
)

func init() {
	var err error
	aliasesMinted, err = meter.Int64Counter("glossary.aliases.minted",
		metric.WithDescription("Aliases minted for new values"))
	if err != nil {
		aliasesMinted, _ = meter.Int64Counter("glossary.aliases.minted.fallback")
	}
	aliasConflicts, err = meter.Int64Counter("glossary.alias.conflicts",
		metric.WithDescription("Alias updates rejected because the alias is taken"))
	if err != nil {
		aliasConflicts, _ = meter.Int64Counter("glossary.alias.conflicts.fallback")
	}
}
