package location

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/aluiziolira/stockwatch/models"
)

// LoadFlow reads a recorded location-setting flow from disk. The file is
// produced by an out-of-band recorder and consumed read-only here.
func LoadFlow(path string) (*models.RecordedFlow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flow file: %w", err)
	}
	var flow models.RecordedFlow
	if err := json.Unmarshal(raw, &flow); err != nil {
		return nil, fmt.Errorf("decode flow file %s: %w", path, err)
	}
	if len(flow.Steps) == 0 {
		return nil, fmt.Errorf("flow file %s contains no steps", path)
	}
	for i, step := range flow.Steps {
		switch step.Action {
		case "click", "send_keys":
		default:
			return nil, fmt.Errorf("flow file %s: step %d has unknown action %q", path, i+1, step.Action)
		}
		switch step.By {
		case "id", "css", "xpath":
		default:
			return nil, fmt.Errorf("flow file %s: step %d has unknown selector kind %q", path, i+1, step.By)
		}
	}
	return &flow, nil
}
