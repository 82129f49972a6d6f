package registryd

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/did-vc-registry/go-didvcr/registryd")

var (
	MutationsCounter         metric.Int64Counter
	JournalAppendsCounter    metric.Int64Counter
	FirehoseSubscribersCount metric.Int64UpDownCounter
	MirrorCursorGauge        metric.Int64Gauge
)

var (
	OutcomeOK    = attribute.String("outcome", "ok")
	OutcomeError = attribute.String("outcome", "error")
)

func opAttr(op string) attribute.KeyValue {
	return attribute.String("op", op)
}

func metricOpts(op string, outcome attribute.KeyValue) []metric.AddOption {
	return []metric.AddOption{metric.WithAttributes(opAttr(op), outcome)}
}

func init() {
	var err error
	MutationsCounter, err = meter.Int64Counter("didvcr_mutations",
		metric.WithDescription("State-transition attempts by operation and outcome"),
	)
	if err != nil {
		panic(err)
	}
	JournalAppendsCounter, err = meter.Int64Counter("didvcr_journal_appends",
		metric.WithDescription("Audit envelopes appended to the journal"),
	)
	if err != nil {
		panic(err)
	}
	FirehoseSubscribersCount, err = meter.Int64UpDownCounter("didvcr_firehose_subscribers",
		metric.WithDescription("Currently connected event stream subscribers"),
	)
	if err != nil {
		panic(err)
	}
	MirrorCursorGauge, err = meter.Int64Gauge("didvcr_mirror_cursor",
		metric.WithDescription("The most recently committed upstream seq value"),
	)
	if err != nil {
		panic(err)
	}
}
