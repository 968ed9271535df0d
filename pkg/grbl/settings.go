// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package grbl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Setting is one "$N=value" controller setting.
type Setting struct {
	Key   string // the literal "$N" token
	Value string
}

// Number returns the numeric part of the setting key.
func (s Setting) Number() (int, error) {
	return strconv.Atoi(strings.TrimPrefix(s.Key, "$"))
}

// Settings is an ordered collection of controller settings, sorted
// numerically by setting number. Order is part of the contract: consumers
// render the map as-is, and "$100" must come before "$120" even when the
// firmware emits them in arrival order.
type Settings []Setting

// Get looks up a setting by its "$N" key.
func (s Settings) Get(key string) (string, bool) {
	for _, st := range s {
		if st.Key == key {
			return st.Value, true
		}
	}
	return "", false
}

// sortNumeric orders the settings by setting number. Keys that fail to parse
// sort after all numeric keys, lexically.
func (s Settings) sortNumeric() {
	sort.SliceStable(s, func(i, j int) bool {
		ni, erri := s[i].Number()
		nj, errj := s[j].Number()
		if erri == nil && errj == nil {
			return ni < nj
		}
		if erri == nil {
			return true
		}
		if errj == nil {
			return false
		}
		return s[i].Key < s[j].Key
	})
}

// MarshalJSON renders the settings as a JSON object whose keys appear in
// numeric order, matching what clients display verbatim.
func (s Settings) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, st := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(st.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(st.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads the object form back, preserving the key order of the
// JSON text.
func (s *Settings) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("settings: expected a JSON object, got %v", tok)
	}
	out := Settings{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("settings: non-string key %v", keyTok)
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("settings: value for %s: %w", key, err)
		}
		out = append(out, Setting{Key: key, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*s = out
	return nil
}

// parseSettingLine parses a "$N=value" dump line.
func parseSettingLine(line string) (Setting, error) {
	if !strings.HasPrefix(line, "$") {
		return Setting{}, fmt.Errorf("not a setting line: %q", line)
	}
	eq := strings.IndexByte(line, '=')
	if eq < 0 {
		return Setting{}, fmt.Errorf("setting line missing '=': %q", line)
	}
	key := strings.TrimSpace(line[:eq])
	if _, err := strconv.Atoi(strings.TrimPrefix(key, "$")); err != nil {
		return Setting{}, fmt.Errorf("setting key %q is not numeric", key)
	}
	return Setting{Key: key, Value: strings.TrimSpace(line[eq+1:])}, nil
}

// accelerationSetting maps an axis letter to its grblHAL acceleration
// setting number ($120 for X ... $125 for C).
func accelerationSetting(axis string) (string, error) {
	idx, err := AxisIndex(axis)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("$%d", 120+idx), nil
}
