package engine

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ContentType discriminates the shape of an Envelope's body.
//
// RAW_TEXT bodies are strings, OBJECT bodies are JSON-serializable values,
// BINARY bodies are byte slices, and CONVERSATION_STATE bodies are
// string-keyed maps. Accessors enforce this invariant; strict accessors
// refuse to guess across a mismatch.
type ContentType string

const (
	ContentTypeRawText            ContentType = "raw_text"
	ContentTypeObject             ContentType = "object"
	ContentTypeBinary             ContentType = "binary"
	ContentTypeConversationState  ContentType = "conversation_state"
)

// Envelope is the immutable, typed message passed between nodes on the
// token bus and stored as a node's last output in Execution State.
//
// All mutation is copy-on-write: With* methods return a new Envelope, never
// touching the receiver. The zero value is not meaningful; construct via
// NewEnvelopeFactory / NewStrictEnvelopeFactory.
type Envelope struct {
	ID                   string
	TraceID              string
	ProducedBy           string
	ContentType          ContentType
	SchemaID             string
	SerializationFormat  string
	Body                 any
	Meta                 map[string]any
}

// WithMeta returns a copy of the envelope with the given keys merged into
// meta (existing keys are overwritten, others are left untouched).
func (e Envelope) WithMeta(kv map[string]any) Envelope {
	merged := make(map[string]any, len(e.Meta)+len(kv))
	for k, v := range e.Meta {
		merged[k] = v
	}
	for k, v := range kv {
		merged[k] = v
	}
	e.Meta = merged
	return e
}

// WithIteration tags the envelope with the loop iteration that produced it.
func (e Envelope) WithIteration(iteration int) Envelope {
	return e.WithMeta(map[string]any{"iteration": iteration})
}

// WithBranch tags the envelope with a fan-out branch identifier.
func (e Envelope) WithBranch(branchID string) Envelope {
	return e.WithMeta(map[string]any{"branch_id": branchID})
}

// Error returns meta["error"] if present, else "".
func (e Envelope) Error() string {
	if v, ok := e.Meta["error"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// BodyPath reads one field out of an OBJECT envelope's body by gjson path
// (e.g. "user.address.city") without unmarshaling the whole body into a Go
// value first.
func (e Envelope) BodyPath(path string) (gjson.Result, error) {
	raw, err := json.Marshal(e.Body)
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.GetBytes(raw, path), nil
}

// WithBodyPath returns a copy of an OBJECT envelope with one field of its
// body patched by sjson path, leaving the rest of the body untouched.
func (e Envelope) WithBodyPath(path string, value any) (Envelope, error) {
	raw, err := json.Marshal(e.Body)
	if err != nil {
		return Envelope{}, err
	}
	patched, err := sjson.SetBytes(raw, path, value)
	if err != nil {
		return Envelope{}, err
	}
	var body any
	if err := json.Unmarshal(patched, &body); err != nil {
		return Envelope{}, err
	}
	e.Body = body
	return e, nil
}

// HasError reports whether the envelope represents an error, i.e.
// meta.error is present and non-empty.
func (e Envelope) HasError() bool {
	return e.Error() != ""
}

// AsText extracts the text body, converting non-string RAW_TEXT bodies to
// their JSON encoding (jsonStringify).
// Returns a ConversionError if content_type is not RAW_TEXT.
func (e Envelope) AsText() (string, error) {
	if e.ContentType != ContentTypeRawText {
		return "", &ConversionError{From: e.ContentType, To: "text"}
	}
	if e.Body == nil {
		return "", nil
	}
	if s, ok := e.Body.(string); ok {
		return s, nil
	}
	return jsonStringify(e.Body), nil
}

// AsJSON extracts the OBJECT body. Returns a ConversionError on mismatch.
func (e Envelope) AsJSON() (any, error) {
	if e.ContentType != ContentTypeObject {
		return nil, &ConversionError{From: e.ContentType, To: "json"}
	}
	return e.Body, nil
}

// AsBytes extracts the BINARY body. Returns a ConversionError if the
// content_type disagrees or the body is not a byte slice.
func (e Envelope) AsBytes() ([]byte, error) {
	if e.ContentType != ContentTypeBinary {
		return nil, &ConversionError{From: e.ContentType, To: "bytes"}
	}
	b, ok := e.Body.([]byte)
	if !ok {
		return nil, &ConversionError{From: e.ContentType, To: "bytes"}
	}
	return b, nil
}

// AsConversation extracts the CONVERSATION_STATE body.
func (e Envelope) AsConversation() (map[string]any, error) {
	if e.ContentType != ContentTypeConversationState {
		return nil, &ConversionError{From: e.ContentType, To: "conversation"}
	}
	m, ok := e.Body.(map[string]any)
	if !ok {
		return nil, &ConversionError{From: e.ContentType, To: "conversation"}
	}
	return m, nil
}

// ToText is the strict form of AsText: it never stringifies a non-string
// body, it raises instead.
func (e Envelope) ToText() (string, error) {
	if e.ContentType != ContentTypeRawText {
		return "", &ConversionError{From: e.ContentType, To: "text"}
	}
	s, ok := e.Body.(string)
	if !ok {
		return "", &ConversionError{From: e.ContentType, To: "text"}
	}
	return s, nil
}

// ToJSON is the strict form of AsJSON: it verifies the body marshals to
// JSON before returning it.
func (e Envelope) ToJSON() (any, error) {
	if e.ContentType != ContentTypeObject {
		return nil, &ConversionError{From: e.ContentType, To: "json"}
	}
	if e.Body != nil {
		if _, err := json.Marshal(e.Body); err != nil {
			return nil, &ConversionError{From: e.ContentType, To: "json"}
		}
	}
	return e.Body, nil
}

// ToBytes is the strict form of AsBytes.
func (e Envelope) ToBytes() ([]byte, error) {
	return e.AsBytes()
}

func jsonStringify(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// --- Factories -------------------------------------------------------------

// EnvelopeFactory is the lenient envelope factory: it auto-stamps timestamps
// and never validates body shape against content_type at construction time.
type EnvelopeFactory struct{}

// NewEnvelopeFactory returns the lenient factory.
func NewEnvelopeFactory() EnvelopeFactory { return EnvelopeFactory{} }

// EnvelopeOption customizes a freshly constructed envelope.
type EnvelopeOption func(*Envelope)

// WithProducedBy sets produced_by (equivalent to the Python factories'
// node_id keyword; this package offers only the WithProducedBy name).
func WithProducedBy(nodeID string) EnvelopeOption {
	return func(e *Envelope) { e.ProducedBy = nodeID }
}

// WithTraceID sets trace_id.
func WithTraceID(traceID string) EnvelopeOption {
	return func(e *Envelope) { e.TraceID = traceID }
}

// WithSchemaID sets schema_id.
func WithSchemaID(schemaID string) EnvelopeOption {
	return func(e *Envelope) { e.SchemaID = schemaID }
}

// WithExtraMeta merges additional meta at construction time.
func WithExtraMeta(kv map[string]any) EnvelopeOption {
	return func(e *Envelope) {
		for k, v := range kv {
			e.Meta[k] = v
		}
	}
}

func newBaseEnvelope(ct ContentType, body any, opts []EnvelopeOption) Envelope {
	e := Envelope{
		ID:          uuid.NewString(),
		ProducedBy:  "system",
		ContentType: ct,
		Body:        body,
		Meta:        map[string]any{"timestamp": float64(time.Now().UnixNano()) / 1e9},
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// Text creates a RAW_TEXT envelope.
func (EnvelopeFactory) Text(content string, opts ...EnvelopeOption) Envelope {
	return newBaseEnvelope(ContentTypeRawText, content, opts)
}

// JSON creates an OBJECT envelope.
func (EnvelopeFactory) JSON(data any, opts ...EnvelopeOption) Envelope {
	return newBaseEnvelope(ContentTypeObject, data, opts)
}

// Binary creates a BINARY envelope with the given serialization format tag
// (defaults to "raw").
func (EnvelopeFactory) Binary(data []byte, format string, opts ...EnvelopeOption) Envelope {
	if format == "" {
		format = "raw"
	}
	e := newBaseEnvelope(ContentTypeBinary, data, opts)
	e.SerializationFormat = format
	return e
}

// Conversation creates a CONVERSATION_STATE envelope.
func (EnvelopeFactory) Conversation(state map[string]any, opts ...EnvelopeOption) Envelope {
	return newBaseEnvelope(ContentTypeConversationState, state, opts)
}

// Error creates a RAW_TEXT error envelope carrying meta.error/error_type/is_error.
func (EnvelopeFactory) Error(message, errorType string, opts ...EnvelopeOption) Envelope {
	if errorType == "" {
		errorType = "ExecutionError"
	}
	e := newBaseEnvelope(ContentTypeRawText, message, opts)
	e.Meta["error"] = message
	e.Meta["error_type"] = errorType
	e.Meta["is_error"] = true
	return e
}

// Create is the generic lenient constructor for an arbitrary content_type.
func (EnvelopeFactory) Create(ct ContentType, body any, opts ...EnvelopeOption) Envelope {
	return newBaseEnvelope(ct, body, opts)
}

// StrictEnvelopeFactory validates body shape eagerly and never guesses;
// selected by DIPEO_STRICT_ENVELOPE=1 (see StrictEnvelopesEnabled).
type StrictEnvelopeFactory struct{}

// NewStrictEnvelopeFactory returns the strict factory.
func NewStrictEnvelopeFactory() StrictEnvelopeFactory { return StrictEnvelopeFactory{} }

// Text creates a RAW_TEXT envelope; content must be a string (the type
// system already enforces this in Go, so the only strict addition over the
// lenient factory is that Text never stringifies non-strings implicitly,
// which is moot here — kept for API symmetry with Python).
func (StrictEnvelopeFactory) Text(content string, opts ...EnvelopeOption) Envelope {
	return newBaseEnvelope(ContentTypeRawText, content, opts)
}

// JSON creates an OBJECT envelope after verifying value is JSON-serializable.
func (StrictEnvelopeFactory) JSON(value any, opts ...EnvelopeOption) (Envelope, error) {
	if value != nil {
		if _, err := json.Marshal(value); err != nil {
			return Envelope{}, ErrStrictEnvelope
		}
	}
	return newBaseEnvelope(ContentTypeObject, value, opts), nil
}

// Binary creates a BINARY envelope; data must be non-nil bytes.
func (StrictEnvelopeFactory) Binary(data []byte, format string, opts ...EnvelopeOption) (Envelope, error) {
	if data == nil {
		return Envelope{}, ErrStrictEnvelope
	}
	if format == "" {
		format = "raw"
	}
	e := newBaseEnvelope(ContentTypeBinary, data, opts)
	e.SerializationFormat = format
	return e, nil
}

// Conversation creates a CONVERSATION_STATE envelope; state must be non-nil.
func (StrictEnvelopeFactory) Conversation(state map[string]any, opts ...EnvelopeOption) (Envelope, error) {
	if state == nil {
		return Envelope{}, ErrStrictEnvelope
	}
	return newBaseEnvelope(ContentTypeConversationState, state, opts), nil
}

// Error creates a strict RAW_TEXT error envelope.
func (StrictEnvelopeFactory) Error(message, errorType string, opts ...EnvelopeOption) Envelope {
	if errorType == "" {
		errorType = "ExecutionError"
	}
	e := newBaseEnvelope(ContentTypeRawText, message, opts)
	e.Meta["error"] = message
	e.Meta["error_type"] = errorType
	e.Meta["is_error"] = true
	return e
}

// StrictEnvelopesEnabled reports whether DIPEO_STRICT_ENVELOPE=1 is set,
// mirroring get_envelope_factory()'s selection logic. Callers that need to
// switch between the lenient and strict factory at runtime should branch on
// this rather than hardcoding one factory.
func StrictEnvelopesEnabled(getenv func(string) string) bool {
	return getenv("DIPEO_STRICT_ENVELOPE") == "1"
}

// --- Serialization protocol -------------------------------------------------

// SerializeProtocol emits the wire/storage shape of an envelope, always
// including the envelope_format discriminator so DeserializeProtocol can
// refuse legacy/foreign shapes.
func SerializeProtocol(e Envelope) map[string]any {
	return map[string]any{
		"envelope_format":      true,
		"id":                   e.ID,
		"trace_id":             e.TraceID,
		"produced_by":          e.ProducedBy,
		"content_type":         string(e.ContentType),
		"schema_id":            e.SchemaID,
		"serialization_format": e.SerializationFormat,
		"body":                 e.Body,
		"meta":                 e.Meta,
	}
}

// DeserializeProtocol reconstructs an Envelope from SerializeProtocol's
// shape. It returns ErrEnvelopeFormat if the envelope_format discriminator
// is absent, matching the Python original's refusal of legacy shapes.
func DeserializeProtocol(data map[string]any) (Envelope, error) {
	if v, ok := data["envelope_format"]; !ok || v != true {
		return Envelope{}, ErrEnvelopeFormat
	}

	ct := ContentTypeRawText
	if s, ok := data["content_type"].(string); ok && s != "" {
		switch ContentType(s) {
		case ContentTypeRawText, ContentTypeObject, ContentTypeBinary, ContentTypeConversationState:
			ct = ContentType(s)
		default:
			ct = ContentTypeRawText
		}
	}

	e := Envelope{
		ID:          stringOr(data["id"], uuid.NewString()),
		TraceID:     stringOr(data["trace_id"], ""),
		ProducedBy:  stringOr(data["produced_by"], "system"),
		ContentType: ct,
		SchemaID:    stringOr(data["schema_id"], ""),
		SerializationFormat: stringOr(data["serialization_format"], ""),
		Body:        data["body"],
		Meta:        map[string]any{},
	}
	if m, ok := data["meta"].(map[string]any); ok {
		e.Meta = m
	}
	return e, nil
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return def
}
