package pipeline

import "encoding/json"

// UploadDescriptor is the in-queue representation of one upload. Known
// fields are typed; everything else is carried opaquely in Extra and
// forwarded to the parser untouched.
type UploadDescriptor struct {
	UploadID    int64
	UploadPK    int64
	StoragePath string
	// RedisKey names a short-lived inline blob in the KV store; the
	// Dispatcher relocates it to the object store and clears this field
	// before any Processor sees the descriptor.
	RedisKey   string
	ReportCode string
	Flags      []string
	// Token is an upload credential; stripped before enqueueing Processors.
	Token string
	// SessionID is pre-allocated by the Dispatcher in parallel mode; -1
	// means "allocate at merge time". Use SetSessionID so zero survives
	// serialisation.
	SessionID  int
	hasSession bool

	Extra map[string]any
}

// SetSessionID records a pre-allocated session id (0 is a valid id).
func (d *UploadDescriptor) SetSessionID(id int) {
	d.SessionID = id
	d.hasSession = true
}

// HasSessionID reports whether a session id was pre-allocated.
func (d *UploadDescriptor) HasSessionID() bool {
	return d.hasSession
}

// Field names on the wire.
const (
	fieldUploadID    = "upload_id"
	fieldUploadPK    = "upload_pk"
	fieldStoragePath = "url"
	fieldRedisKey    = "redis_key"
	fieldReportCode  = "report_code"
	fieldFlags       = "flags"
	fieldToken       = "token"
	fieldSessionID   = "session_id"
)

// MarshalJSON flattens known fields and extras into one JSON object.
func (d UploadDescriptor) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(d.Extra)+8)
	for k, v := range d.Extra {
		m[k] = v
	}
	if d.UploadID != 0 {
		m[fieldUploadID] = d.UploadID
	}
	if d.UploadPK != 0 {
		m[fieldUploadPK] = d.UploadPK
	}
	if d.StoragePath != "" {
		m[fieldStoragePath] = d.StoragePath
	}
	if d.RedisKey != "" {
		m[fieldRedisKey] = d.RedisKey
	}
	if d.ReportCode != "" {
		m[fieldReportCode] = d.ReportCode
	}
	if len(d.Flags) > 0 {
		m[fieldFlags] = d.Flags
	}
	if d.Token != "" {
		m[fieldToken] = d.Token
	}
	if d.hasSession {
		m[fieldSessionID] = d.SessionID
	}
	return json.Marshal(m)
}

// UnmarshalJSON folds known keys into typed fields, the rest into Extra.
func (d *UploadDescriptor) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	d.SessionID = -1
	d.Extra = make(map[string]any)
	for k, v := range m {
		switch k {
		case fieldUploadID:
			d.UploadID = asInt64(v)
		case fieldUploadPK:
			d.UploadPK = asInt64(v)
		case fieldStoragePath:
			d.StoragePath, _ = v.(string)
		case fieldRedisKey:
			d.RedisKey, _ = v.(string)
		case fieldReportCode:
			d.ReportCode, _ = v.(string)
		case fieldToken:
			d.Token, _ = v.(string)
		case fieldSessionID:
			d.SessionID = int(asInt64(v))
			d.hasSession = true
		case fieldFlags:
			if list, ok := v.([]any); ok {
				d.Flags = make([]string, 0, len(list))
				for _, f := range list {
					if s, ok := f.(string); ok {
						d.Flags = append(d.Flags, s)
					}
				}
			}
		default:
			d.Extra[k] = v
		}
	}
	return nil
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}
