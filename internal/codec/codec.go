// Package codec implements the bidirectional, pure translation between
// in-memory graph state and the persisted .redstring document. No I/O.
package codec

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"sort"
	"time"

	"github.com/alecthomas/errors"
)

// FormatVersion is written into every document produced by Encode.
const FormatVersion = 1

// UniverseIdentity is the universe block of the document.
type UniverseIdentity struct {
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Metadata is the derived statistics block of the document.
type Metadata struct {
	NodeCount     int        `json:"nodeCount"`
	GraphCount    int        `json:"graphCount"`
	EdgeCount     int        `json:"edgeCount"`
	LastOpenedAt  *time.Time `json:"lastOpenedAt,omitempty"`
	LastSavedAt   *time.Time `json:"lastSavedAt,omitempty"`
}

// State is the in-memory representation the Engine and Manager operate on.
// It mirrors the document's declared shape but keeps prototypeSpace,
// spatialGraphs and edges as opaque, order-preserving JSON values — this
// package never interprets the graph contents themselves, only its own
// bookkeeping (identity, stats, unknown-field preservation).
type State struct {
	Universe      UniverseIdentity
	PrototypeSpace json.RawMessage
	SpatialGraphs  []json.RawMessage
	Edges          []json.RawMessage
	OpenGraphIDs   []string
	ActiveGraphID  string
	Metadata       Metadata

	// Extra preserves any top-level document fields this version of the
	// codec doesn't know about, so an older or newer document round-trips
	// losslessly: unknown fields are preserved verbatim on re-encode.
	Extra map[string]json.RawMessage
}

// document is the wire shape, field order fixed to match §6 exactly so
// Marshal's struct-field order (which encoding/json preserves) is
// canonical on its own, without needing a key-sorting post-pass for known
// fields.
type document struct {
	FormatVersion int                `json:"formatVersion"`
	Universe      UniverseIdentity   `json:"universe"`
	PrototypeSpace json.RawMessage   `json:"prototypeSpace"`
	SpatialGraphs  []json.RawMessage `json:"spatialGraphs"`
	Edges          []json.RawMessage `json:"edges"`
	OpenGraphIDs   []string          `json:"openGraphIds"`
	ActiveGraphID  string            `json:"activeGraphId"`
	Metadata       Metadata          `json:"metadata"`
}

var knownTopLevelFields = map[string]bool{
	"formatVersion": true, "universe": true, "prototypeSpace": true,
	"spatialGraphs": true, "edges": true, "openGraphIds": true,
	"activeGraphId": true, "metadata": true,
}

// Encode serializes State into the canonical .redstring byte form. Equal
// State values produce byte-identical output: known fields are encoded in
// fixed struct order, and any Extra fields are appended in sorted key
// order.
func Encode(state State) ([]byte, error) {
	state.Metadata.NodeCount, state.Metadata.GraphCount, state.Metadata.EdgeCount = deriveCounts(state)

	doc := document{
		FormatVersion:  FormatVersion,
		Universe:       state.Universe,
		PrototypeSpace: canonicalRaw(state.PrototypeSpace),
		SpatialGraphs:  canonicalRawSlice(state.SpatialGraphs),
		Edges:          canonicalRawSlice(state.Edges),
		OpenGraphIDs:   state.OpenGraphIDs,
		ActiveGraphID:  state.ActiveGraphID,
		Metadata:       state.Metadata,
	}

	knownBytes, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "marshal document")
	}
	if len(state.Extra) == 0 {
		return knownBytes, nil
	}
	return mergeExtra(knownBytes, state.Extra)
}

// canonicalRaw returns an empty JSON object when raw is nil, so a never-set
// prototypeSpace encodes the same way every time.
func canonicalRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

func canonicalRawSlice(raws []json.RawMessage) []json.RawMessage {
	if raws == nil {
		return []json.RawMessage{}
	}
	return raws
}

// mergeExtra splices sorted extra keys into the already-marshaled known
// document, keeping the whole operation allocation-light and avoiding a
// generic map[string]any round-trip that would lose numeric precision.
func mergeExtra(knownBytes []byte, extra map[string]json.RawMessage) ([]byte, error) {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		if knownTopLevelFields[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return knownBytes, nil
	}

	var buf bytes.Buffer
	buf.Write(knownBytes[:len(knownBytes)-1]) // drop trailing '}'
	for _, k := range keys {
		buf.WriteByte(',')
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, errors.Wrap(err, "marshal extra key")
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		buf.Write(extra[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Warning describes a tolerated anomaly encountered while decoding an
// older or malformed document.
type Warning struct {
	Field   string
	Message string
}

// Decode parses document bytes into State, tolerating older documents by
// preserving every field this version of the codec doesn't recognize.
func Decode(data []byte) (State, []Warning, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return State{}, nil, errors.Wrap(err, "unmarshal document")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return State{}, nil, errors.Wrap(err, "unmarshal document for extras")
	}

	var warnings []Warning
	if doc.FormatVersion == 0 {
		warnings = append(warnings, Warning{Field: "formatVersion", Message: "missing formatVersion, treating as version 1"})
		doc.FormatVersion = 1
	}
	if doc.FormatVersion > FormatVersion {
		warnings = append(warnings, Warning{Field: "formatVersion", Message: "document is newer than this codec understands"})
	}

	extra := make(map[string]json.RawMessage)
	for k, v := range raw {
		if !knownTopLevelFields[k] {
			extra[k] = v
		}
	}

	state := State{
		Universe:       doc.Universe,
		PrototypeSpace: doc.PrototypeSpace,
		SpatialGraphs:  doc.SpatialGraphs,
		Edges:          doc.Edges,
		OpenGraphIDs:   doc.OpenGraphIDs,
		ActiveGraphID:  doc.ActiveGraphID,
		Metadata:       doc.Metadata,
		Extra:          extra,
	}
	state.Metadata.NodeCount, state.Metadata.GraphCount, state.Metadata.EdgeCount = deriveCounts(state)
	return state, warnings, nil
}

// PeekStats derives nodeCount/graphCount/edgeCount from raw document bytes
// without a full Decode.
func PeekStats(data []byte) (Metadata, error) {
	var shallow struct {
		PrototypeSpace json.RawMessage   `json:"prototypeSpace"`
		SpatialGraphs  []json.RawMessage `json:"spatialGraphs"`
		Edges          []json.RawMessage `json:"edges"`
		Metadata       Metadata          `json:"metadata"`
	}
	if err := json.Unmarshal(data, &shallow); err != nil {
		return Metadata{}, errors.Wrap(err, "peek stats")
	}
	nodeCount, graphCount, edgeCount := deriveCounts(State{
		PrototypeSpace: shallow.PrototypeSpace,
		SpatialGraphs:  shallow.SpatialGraphs,
		Edges:          shallow.Edges,
	})
	metadata := shallow.Metadata
	metadata.NodeCount, metadata.GraphCount, metadata.EdgeCount = nodeCount, graphCount, edgeCount
	return metadata, nil
}

func deriveCounts(state State) (nodeCount, graphCount, edgeCount int) {
	nodeCount = countObjectEntries(state.PrototypeSpace)
	graphCount = len(state.SpatialGraphs)
	edgeCount = len(state.Edges)
	return
}

// countObjectEntries counts the top-level keys of a JSON object without
// decoding its values, used for prototypeSpace's node count.
func countObjectEntries(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return 0
	}
	return len(m)
}

// Fingerprint returns a stable hash of the canonical encoding, used to
// elide no-op commits. Callers should pass the bytes returned by Encode.
func Fingerprint(encoded []byte) [32]byte {
	return sha256.Sum256(encoded)
}
