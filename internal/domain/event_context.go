package domain

import (
	"encoding/json"
	"sort"
)

// Well-known context keys. Filtering and masking only key off these.
const (
	CtxIP         = "ip"
	CtxUserAgent  = "user_agent"
	CtxSeverity   = "severity"
	CtxTags       = "tags"
	CtxFilename   = "filename"
	CtxComment    = "comment"
	CtxDeviceID   = "device_id"
	CtxDeviceName = "device_name"
)

var WellKnownContextKeys = []string{
	CtxIP, CtxUserAgent, CtxSeverity, CtxTags, CtxFilename, CtxComment, CtxDeviceID, CtxDeviceName,
}

// PIIContextKeys are redacted on read unless the caller may see PII.
var PIIContextKeys = []string{CtxIP, CtxUserAgent, CtxFilename}

const RedactedMarker = "[redacted]"

// EventContext is the structured event payload. It serializes as one flat JSON object.
type EventContext struct {
	IP         string
	UserAgent  string
	Severity   string
	Tags       []string
	Filename   string
	Comment    string
	DeviceID   string
	DeviceName string
	Extra      map[string]any
}

// Map returns the flattened form. Empty well-known fields are omitted, so an explicit
// "" or [] for them is stored and hashed as absent. Extra keys are kept verbatim.
func (c EventContext) Map() map[string]any {
	m := make(map[string]any, len(c.Extra)+8)
	for k, v := range c.Extra {
		m[k] = v
	}
	set := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	set(CtxIP, c.IP)
	set(CtxUserAgent, c.UserAgent)
	set(CtxSeverity, c.Severity)
	set(CtxFilename, c.Filename)
	set(CtxComment, c.Comment)
	set(CtxDeviceID, c.DeviceID)
	set(CtxDeviceName, c.DeviceName)
	if len(c.Tags) > 0 {
		tags := make([]any, len(c.Tags))
		for i, t := range c.Tags {
			tags[i] = t
		}
		m[CtxTags] = tags
	}
	return m
}

// ContextFromMap splits a flat map into well-known fields and the extension bucket.
// Well-known keys holding an unexpected type are kept in Extra untouched.
func ContextFromMap(m map[string]any) EventContext {
	var c EventContext
	for k, v := range m {
		if !c.setKnown(k, v) {
			if c.Extra == nil {
				c.Extra = map[string]any{}
			}
			c.Extra[k] = v
		}
	}
	return c
}

func (c *EventContext) setKnown(key string, v any) bool {
	if key == CtxTags {
		switch tags := v.(type) {
		case []string:
			c.Tags = append([]string(nil), tags...)
			return true
		case []any:
			out := make([]string, 0, len(tags))
			for _, t := range tags {
				s, ok := t.(string)
				if !ok {
					return false
				}
				out = append(out, s)
			}
			c.Tags = out
			return true
		}
		return false
	}
	s, ok := v.(string)
	if !ok {
		return false
	}
	switch key {
	case CtxIP:
		c.IP = s
	case CtxUserAgent:
		c.UserAgent = s
	case CtxSeverity:
		c.Severity = s
	case CtxFilename:
		c.Filename = s
	case CtxComment:
		c.Comment = s
	case CtxDeviceID:
		c.DeviceID = s
	case CtxDeviceName:
		c.DeviceName = s
	default:
		return false
	}
	return true
}

func (c EventContext) Get(key string) (any, bool) {
	v, ok := c.Map()[key]
	return v, ok
}

// Drop removes a field, well-known or extra.
func (c *EventContext) Drop(key string) {
	switch key {
	case CtxIP:
		c.IP = ""
	case CtxUserAgent:
		c.UserAgent = ""
	case CtxSeverity:
		c.Severity = ""
	case CtxTags:
		c.Tags = nil
	case CtxFilename:
		c.Filename = ""
	case CtxComment:
		c.Comment = ""
	case CtxDeviceID:
		c.DeviceID = ""
	case CtxDeviceName:
		c.DeviceName = ""
	}
	delete(c.Extra, key)
}

// Mask replaces a present field with value. Absent fields stay absent.
func (c *EventContext) Mask(key string, value string) {
	if _, ok := c.Get(key); !ok {
		return
	}
	if key == CtxTags {
		c.Tags = []string{value}
		return
	}
	if !c.setKnown(key, value) {
		c.Extra[key] = value
	}
}

func (c EventContext) Clone() EventContext {
	out := c
	out.Tags = append([]string(nil), c.Tags...)
	if c.Extra != nil {
		out.Extra = make(map[string]any, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

func (c EventContext) HasAllTags(tags []string) bool {
	set := make(map[string]bool, len(c.Tags))
	for _, t := range c.Tags {
		set[t] = true
	}
	for _, t := range tags {
		if !set[t] {
			return false
		}
	}
	return true
}

// Keys returns the present keys in sorted order.
func (c EventContext) Keys() []string {
	m := c.Map()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c EventContext) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Map())
}

func (c *EventContext) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*c = ContextFromMap(m)
	return nil
}
