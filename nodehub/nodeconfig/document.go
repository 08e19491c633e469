// Package nodeconfig maintains the per-instance node config file. The file is
// owned by the node daemon, so documents are handled as opaque JSON objects and
// only the handful of fields the orchestrator manages are ever rewritten.
package nodeconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

const (
	// FileName is the config file kept in every node data directory.
	FileName = "config.json"

	DefaultCapability      = "client"
	DefaultMaxStorageBytes = int64(10_737_418_240)
)

// Field names written by the orchestrator.
const (
	FieldCapabilities    = "capabilities"
	FieldListenPort      = "listen_port"
	FieldWSPort          = "ws_port"
	FieldSocketPath      = "socket_path"
	FieldMaxStorageBytes = "max_storage_bytes"
	FieldBootPeers       = "boot_peers"
)

// ErrInvalidDocument is returned when a config file is not a JSON object.
var ErrInvalidDocument = errors.New("nodeconfig: invalid config document")

// Document is a config file's top-level object. Values are kept as the raw
// bytes they were read with so fields the orchestrator does not understand are
// written back unchanged.
type Document map[string]json.RawMessage

// ParseDocument decodes data as a JSON object.
func ParseDocument(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

// Set replaces the value of key with the JSON encoding of v.
func (d Document) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	d[key] = raw
	return nil
}

// Strings decodes key as a string list. Missing keys yield nil.
func (d Document) Strings(key string) ([]string, error) {
	raw, ok := d[key]
	if !ok {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return out, nil
}

// Int decodes key as an integer.
func (d Document) Int(key string) (int64, bool) {
	raw, ok := d[key]
	if !ok {
		return 0, false
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	return n, true
}

// Encode renders the document with sorted keys, one field per line. Field
// values are emitted exactly as stored.
func (d Document) Encode() ([]byte, error) {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteString("{")
	for i, k := range keys {
		raw := d[k]
		if len(bytes.TrimSpace(raw)) == 0 {
			raw = json.RawMessage("null")
		} else if !json.Valid(raw) {
			return nil, fmt.Errorf("%w: field %q is not valid JSON", ErrInvalidDocument, k)
		}
		name, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			buf.WriteString(",")
		}
		buf.WriteString("\n  ")
		buf.Write(name)
		buf.WriteString(": ")
		buf.Write(raw)
	}
	if len(keys) > 0 {
		buf.WriteString("\n")
	}
	buf.WriteString("}\n")
	return buf.Bytes(), nil
}
