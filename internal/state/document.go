// SPDX-License-Identifier: MIT

package state

import (
	"encoding/json"
)

// DocumentVersion is the current journal schema version.
const DocumentVersion = 1

// DaemonMeta is the daemon lifecycle block of the journal.
type DaemonMeta struct {
	StartTs     int64 `json:"startTs"`
	HeartbeatTs int64 `json:"heartbeatTs"`
}

// Document is the on-disk journal format:
//
//	{
//	  "version": 1,
//	  "updatedAt": 1756000000000,
//	  "daemon": { "startTs": ..., "heartbeatTs": ... },
//	  "devices": { "<id>": { "displayOn": true, ... } }
//	}
//
// Top-level keys this version does not know about survive a
// read-modify-write cycle so that a newer daemon's additions are not
// destroyed by an older one.
type Document struct {
	Version   int                       `json:"version"`
	UpdatedAt int64                     `json:"updatedAt"`
	Daemon    DaemonMeta                `json:"daemon"`
	Devices   map[string]map[string]any `json:"devices"`

	extra map[string]json.RawMessage
}

// knownDocumentKeys are the top-level keys owned by this schema version.
var knownDocumentKeys = map[string]bool{
	"version":   true,
	"updatedAt": true,
	"daemon":    true,
	"devices":   true,
}

// MarshalJSON emits the known fields plus any preserved unknown keys.
func (d *Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 4+len(d.extra))
	out["version"] = d.Version
	out["updatedAt"] = d.UpdatedAt
	out["daemon"] = d.Daemon
	if d.Devices == nil {
		out["devices"] = map[string]map[string]any{}
	} else {
		out["devices"] = d.Devices
	}
	for k, v := range d.extra {
		if !knownDocumentKeys[k] {
			out[k] = v
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the known fields and stashes unknown top-level
// keys verbatim. Unknown keys inside device objects need no special
// handling since devices decode into plain maps.
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if v, ok := raw["version"]; ok {
		if err := json.Unmarshal(v, &d.Version); err != nil {
			return err
		}
	}
	if v, ok := raw["updatedAt"]; ok {
		if err := json.Unmarshal(v, &d.UpdatedAt); err != nil {
			return err
		}
	}
	if v, ok := raw["daemon"]; ok {
		if err := json.Unmarshal(v, &d.Daemon); err != nil {
			return err
		}
	}
	if v, ok := raw["devices"]; ok {
		if err := json.Unmarshal(v, &d.Devices); err != nil {
			return err
		}
	}
	if d.Devices == nil {
		d.Devices = make(map[string]map[string]any)
	}

	d.extra = make(map[string]json.RawMessage)
	for k, v := range raw {
		if !knownDocumentKeys[k] {
			d.extra[k] = v
		}
	}
	return nil
}
