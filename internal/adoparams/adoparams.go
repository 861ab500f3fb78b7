// Package adoparams parses the ADO plugin parameter document named by
// ShardConfig.ADO.Params (spec §6): a JSON5/hujson blob, either given
// inline on the flag or as "@path/to/file". hujson lets operators leave
// comments and trailing commas in what is otherwise a JSON document, the
// same convenience the calvinalkan-agent-task example's config loader
// gives its own plugin manifests.
package adoparams

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/tailscale/hujson"
)

// Parse returns the top-level parameter object as a map of raw JSON
// values, one per plugin name, so a plugin only decodes the slice of the
// document it owns.
func Parse(raw string) (map[string]json.RawMessage, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]json.RawMessage{}, nil
	}

	if strings.HasPrefix(raw, "@") {
		data, err := os.ReadFile(strings.TrimPrefix(raw, "@"))
		if err != nil {
			return nil, fmt.Errorf("adoparams: %w", err)
		}
		raw = string(data)
	}

	std, err := hujson.Standardize([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("adoparams: invalid document: %w", err)
	}

	var out map[string]json.RawMessage
	if err := json.Unmarshal(std, &out); err != nil {
		return nil, fmt.Errorf("adoparams: %w", err)
	}
	return out, nil
}

// For decodes the named plugin's parameter object into v.
func For(params map[string]json.RawMessage, plugin string, v interface{}) error {
	raw, ok := params[plugin]
	if !ok {
		return nil
	}
	return json.Unmarshal(raw, v)
}
