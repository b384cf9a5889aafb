package lifecycle

import (
	"encoding/json"

	"github.com/wisbric/indexadvisor/internal/core"
)

func mustJSON(p core.MutationPayload) json.RawMessage {
	b, err := json.Marshal(p)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}
