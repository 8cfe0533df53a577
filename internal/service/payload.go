package service

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// object is a decoded JSON object whose members stay raw.
type object map[string]json.RawMessage

// listWrapperKeys are the members a platform list may be wrapped in.
var listWrapperKeys = []string{"data", "results", "items", "records"}

// decodeObject decodes raw into an object, reporting false for any other JSON kind.
func decodeObject(raw json.RawMessage) (object, bool) {
	if jsonKind(raw) != '{' {
		return nil, false
	}
	var obj object
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// listPayload returns raw when it is a JSON array, or the array wrapped in one of the
// common envelope members.
func listPayload(raw json.RawMessage) (json.RawMessage, bool) {
	switch jsonKind(raw) {
	case '[':
		return raw, true
	case '{':
		obj, ok := decodeObject(raw)
		if !ok {
			return nil, false
		}
		for _, k := range listWrapperKeys {
			if v, ok := obj[k]; ok && jsonKind(v) == '[' {
				return v, true
			}
		}
	}
	return nil, false
}

// decodeList splits a list payload into its elements.
func decodeList(raw json.RawMessage) ([]json.RawMessage, bool) {
	list, ok := listPayload(raw)
	if !ok {
		return nil, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(list, &items); err != nil {
		return nil, false
	}
	return items, true
}

// jsonKind returns the first significant byte of raw, or 0 for empty input.
func jsonKind(raw json.RawMessage) byte {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return 0
	}
	return trimmed[0]
}

// present reports whether raw holds a value other than null.
func present(raw json.RawMessage) bool {
	k := jsonKind(raw)
	return k != 0 && k != 'n'
}

// text renders a scalar member as a string. Numbers keep their literal form.
func (o object) text(key string) string {
	raw, ok := o[key]
	if !ok {
		return ""
	}
	switch jsonKind(raw) {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return strings.TrimSpace(s)
		}
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return string(bytes.TrimSpace(raw))
	}
	return ""
}

// firstText returns the first non-empty scalar among keys.
func (o object) firstText(keys ...string) string {
	for _, k := range keys {
		if v := o.text(k); v != "" {
			return v
		}
	}
	return ""
}

// firstRaw returns the first present member among keys.
func (o object) firstRaw(keys ...string) json.RawMessage {
	for _, k := range keys {
		if v, ok := o[k]; ok && present(v) {
			return v
		}
	}
	return nil
}

// truthy reports whether a member is true, a non-zero number, or a non-empty string or array.
func (o object) truthy(key string) bool {
	raw, ok := o[key]
	if !ok {
		return false
	}
	switch jsonKind(raw) {
	case 't':
		return true
	case '[':
		var items []json.RawMessage
		return json.Unmarshal(raw, &items) == nil && len(items) > 0
	case '"':
		s := o.text(key)
		return s != "" && s != "0" && !strings.EqualFold(s, "false")
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		n, err := strconv.ParseFloat(string(bytes.TrimSpace(raw)), 64)
		return err == nil && n != 0
	}
	return false
}

// idText renders an id member (numeric or string) for use in a URL path.
func idText(raw json.RawMessage) string {
	switch jsonKind(raw) {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return string(bytes.TrimSpace(raw))
	}
	return ""
}
