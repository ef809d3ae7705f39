package commands

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/jobgate/evalpulse/errors"
	"github.com/jobgate/evalpulse/evaluation"
	"github.com/jobgate/evalpulse/pulse/poll"
)

func sampleSummary() evaluation.Summary {
	return evaluation.Summary{
		SessionInfo: evaluation.SessionInfo{ID: "s-1", TargetID: "42", JobID: "job-42"},
		State:       poll.StateCompleted,
		Attempts:    2,
		Result:      json.RawMessage(`{"score":7,"notes":["clear"]}`),
	}
}

func TestRender_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, render(&buf, outputJSON, sampleSummary(), nil))

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "job-42", got["job_id"])
	assert.Equal(t, "completed", got["state"])
	assert.Equal(t, float64(7), got["result"].(map[string]interface{})["score"])
}

func TestRender_YAMLUsesJSONNames(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, render(&buf, outputYAML, sampleSummary(), nil))

	var got map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "42", got["target_id"])
	assert.Equal(t, 2, got["attempts"])
	result := got["result"].(map[string]interface{})
	assert.Equal(t, []interface{}{"clear"}, result["notes"])
	assert.NotContains(t, buf.String(), "SessionInfo")
}

func TestRender_Text(t *testing.T) {
	var buf bytes.Buffer
	called := false
	require.NoError(t, render(&buf, outputText, sampleSummary(), func(w io.Writer) error {
		called = true
		_, err := io.WriteString(w, "hello")
		return err
	}))
	assert.True(t, called)
	assert.Equal(t, "hello", buf.String())
}

func TestValidateOutput(t *testing.T) {
	for _, f := range []string{outputText, outputJSON, outputYAML} {
		assert.NoError(t, validateOutput(f))
	}
	err := validateOutput("xml")
	assert.True(t, errors.IsInvalidRequestError(err))
	assert.True(t, errors.IsInvalidRequestError(render(io.Discard, "xml", nil, nil)))
}

func TestPrettyJSON(t *testing.T) {
	assert.Equal(t, "{\n    \"a\": 1\n  }", prettyJSON(json.RawMessage(`{"a":1}`)))
	assert.Equal(t, "not json", prettyJSON(json.RawMessage(`not json`)))
}

func TestMarshalSettings(t *testing.T) {
	settings := map[string]interface{}{
		"poll":    map[string]interface{}{"interval_ms": 10000, "max_attempts": 60},
		"backend": map[string]interface{}{"base_url": "https://api.jobgate.test"},
	}

	data, err := marshalSettings(settings, "toml")
	require.NoError(t, err)
	var fromTOML map[string]interface{}
	require.NoError(t, toml.Unmarshal(data, &fromTOML))
	assert.Equal(t, int64(60), fromTOML["poll"].(map[string]interface{})["max_attempts"])

	data, err = marshalSettings(settings, "json")
	require.NoError(t, err)
	assert.Contains(t, string(data), `"base_url": "https://api.jobgate.test"`)

	data, err = marshalSettings(settings, "yaml")
	require.NoError(t, err)
	assert.Contains(t, string(data), "interval_ms: 10000")

	_, err = marshalSettings(settings, "ini")
	assert.True(t, errors.IsInvalidRequestError(err))
}
