package broker

import (
	"context"

	"go.opentelemetry.io/otel"
)

// headersCarrier adapts a broker.Delivery/Publish header map to
// propagation.TextMapCarrier so trace context travels over AMQP headers,
// using the plain map[string]any this package carries instead of
// amqp.Table directly.
type headersCarrier struct {
	headers map[string]any
}

func (c *headersCarrier) Get(key string) string {
	if v, ok := c.headers[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func (c *headersCarrier) Set(key, value string) {
	c.headers[key] = value
}

func (c *headersCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for k := range c.headers {
		keys = append(keys, k)
	}
	return keys
}

// InjectTraceContext packs ctx's trace into a fresh header map suitable for
// Channel.Publish, so a span started by a downstream consumer continues the
// same trace as the publisher.
func InjectTraceContext(ctx context.Context) map[string]any {
	headers := map[string]any{}
	otel.GetTextMapPropagator().Inject(ctx, &headersCarrier{headers: headers})
	return headers
}

// ExtractTraceContext recovers the trace context a publisher injected into
// a delivery's headers.
func ExtractTraceContext(ctx context.Context, headers map[string]any) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, &headersCarrier{headers: headers})
}
