package observability

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus/push"
)

// PushJob is the Pushgateway job name of the batch binary.
const PushJob = "comuni_etl"

// Push sends the current metric values to a Pushgateway. The batch binary
// exits after one run, so scraping would miss it.
func (m *Metrics) Push(ctx context.Context, gatewayURL, instance string) error {
	p := push.New(gatewayURL, PushJob)
	for _, c := range m.collectors() {
		p = p.Collector(c)
	}
	if instance != "" {
		p = p.Grouping("instance", instance)
	}
	if err := p.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", gatewayURL, err)
	}
	return nil
}
