package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/jobgate/evalpulse/errors"
)

const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

func validateOutput(format string) error {
	switch format {
	case outputText, outputJSON, outputYAML:
		return nil
	}
	return errors.NewInvalidRequestError("unsupported output %q (supported: text, json, yaml)", format)
}

// render writes v as JSON or YAML, or calls text for the human format.
// YAML goes through JSON first so json tags and raw results render the same way.
func render(w io.Writer, format string, v interface{}, text func(io.Writer) error) error {
	switch format {
	case outputJSON:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal JSON")
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case outputYAML:
		data, err := json.Marshal(v)
		if err != nil {
			return errors.Wrap(err, "failed to marshal JSON")
		}
		var node yaml.Node
		if err := yaml.Unmarshal(data, &node); err != nil {
			return errors.Wrap(err, "failed to convert to YAML")
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(&node); err != nil {
			return errors.Wrap(err, "failed to marshal YAML")
		}
		return enc.Close()
	case outputText:
		return text(w)
	default:
		return validateOutput(format)
	}
}

// prettyJSON indents raw JSON, falling back to the raw text
func prettyJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "  ", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
