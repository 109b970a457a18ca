package analytics

import "go.uber.org/fx"

var Module = fx.Module("analytics",
	fx.Provide(NewAggregator),
	fx.Provide(func(a *Aggregator) Computer { return a }),
)
