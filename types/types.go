package types

// ---- Component state (retained) ----

// ComponentState is published retained under sdcard/<id>/state.
type ComponentState struct {
	Card      string `json:"card"`  // CardState string
	Mount     string `json:"mount"` // MountState string
	MountPath string `json:"mount_path,omitempty"`
	Error     string `json:"error,omitempty"`
	TS        int64  `json:"ts_ms"`
}

// ---- Telemetry payloads (retained, under sdcard/<id>/value/<name>) ----

// SpaceReading carries a space figure. Valid=false is the "unavailable"
// sentinel published while the card is not mounted.
type SpaceReading struct {
	Bytes uint64  `json:"bytes"`
	Value float64 `json:"value"` // Bytes expressed in Unit
	Unit  string  `json:"unit"`
	Valid bool    `json:"valid"`
	TS    int64   `json:"ts_ms"`
}

type TextReading struct {
	Value string `json:"value"`
	Valid bool   `json:"valid"`
	TS    int64  `json:"ts_ms"`
}

// BinaryReading is an on/off sensor. It is always valid.
type BinaryReading struct {
	Value bool  `json:"value"`
	TS    int64 `json:"ts_ms"`
}

type FileSizeReading struct {
	Path  string  `json:"path"`
	Bytes uint64  `json:"bytes"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
	Valid bool    `json:"valid"`
	TS    int64   `json:"ts_ms"`
}

// ---- Control requests (payloads on sdcard/<id>/control/<verb>) ----

// PathRequest addresses one file or directory.
type PathRequest struct {
	Path string `json:"path"`
}

// ListRequest lists Path; Depth 0 is direct entries only.
type ListRequest struct {
	Path    string `json:"path"`
	Depth   int    `json:"depth,omitempty"`
	Pattern string `json:"pattern,omitempty"`
}

// StreamChunk is one stream step. Next is the offset to request next;
// EOF is set once the file is exhausted.
type StreamChunk struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	Next   int64  `json:"next"`
	Data   []byte `json:"data"`
	EOF    bool   `json:"eof"`
}

// ---- Replies ----

// Reply is the envelope for every control reply. Error is an errcode
// string and Msg the full error text.
type Reply struct {
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	Msg    string `json:"msg,omitempty"`
}
