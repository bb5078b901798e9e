package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestOutputSpecUnmarshalBackendList(t *testing.T) {
	var spec OutputSpec
	require.NoError(t, yaml.Unmarshal([]byte(`["sms", "email"]`), &spec))
	assert.Equal(t, []string{"sms", "email"}, spec.Backends)
	assert.Empty(t, spec.Generator)
}

func TestOutputSpecUnmarshalGeneratorPath(t *testing.T) {
	var spec OutputSpec
	require.NoError(t, yaml.Unmarshal([]byte(`myapp.outputs.fanout`), &spec))
	assert.Equal(t, "myapp.outputs.fanout", spec.Generator)
	assert.Empty(t, spec.Backends)
}

func TestOutputSpecUnmarshalRejectsMapping(t *testing.T) {
	var spec OutputSpec
	err := yaml.Unmarshal([]byte(`backend: sms`), &spec)
	assert.Error(t, err)
}

func TestConfigParsesEventsBlock(t *testing.T) {
	doc := []byte(`
queue:
  backend: amqp
  host: rabbit
  port: "5672"
cleanup_timeout: 2s
events:
  order.created:
    event_pipeline: ["identity"]
    generators: ["single_message"]
    output: ["null"]
    available_outputs: ["null"]
`)
	var cfg Config
	require.NoError(t, yaml.Unmarshal(doc, &cfg))

	assert.Equal(t, "rabbit", cfg.Queue.Host)
	require.Contains(t, cfg.Events, "order.created")
	ec := cfg.Events["order.created"]
	assert.Equal(t, []string{"identity"}, ec.EventPipeline)
	assert.Equal(t, []string{"null"}, ec.Output.Backends)
	assert.Equal(t, []string{"null"}, ec.AvailableOutputs)
}

func TestApplyEnvOverridesWinsOverFileValue(t *testing.T) {
	t.Setenv("AIOMESSAGING_QUEUE_HOST", "override-host")
	os.Unsetenv("AIOMESSAGING_QUEUE_PORT")

	q := &QueueConfig{Host: "file-host", Port: "5672"}
	applyEnvOverrides(q)

	assert.Equal(t, "override-host", q.Host)
	assert.Equal(t, "5672", q.Port, "unset env var leaves the file value alone")
}
