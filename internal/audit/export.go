package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"time"
)

// WriteCSV renders entries with a header row.
func WriteCSV(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"at", "actor", "action", "entity", "entity_id", "meta"}); err != nil {
		return nil, err
	}
	for _, e := range entries {
		actor := e.ActorEmail
		if actor == "" && e.ActorID != nil {
			actor = e.ActorID.String()
		}
		meta := ""
		if len(e.Meta) > 0 {
			raw, err := json.Marshal(e.Meta)
			if err != nil {
				return nil, err
			}
			meta = string(raw)
		}
		if err := w.Write([]string{e.At.UTC().Format(time.RFC3339), actor, e.Action, e.Entity, e.EntityID, meta}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
