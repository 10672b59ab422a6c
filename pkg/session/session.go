// Package session defines the navigation state handed to a thank-you view by
// the previous step of the submission flow.
package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var (
	// ErrMissingSettings is returned when the navigation state has no settings.
	ErrMissingSettings = errors.New("navigation state has no settings")
	// ErrMissingConsent is returned when the navigation state has no
	// locationConsent flag.
	ErrMissingConsent = errors.New("navigation state has no locationConsent")
)

// Record is a backend submission entity. Numbers are kept as json.Number so
// identifiers and other fields are written back unchanged.
type Record map[string]any

// ID returns the record identifier as a path segment. Missing or empty
// identifiers ("", 0, false, null) become "0".
func (r Record) ID() string {
	v, ok := r["id"]
	if !ok || v == nil {
		return "0"
	}
	switch id := v.(type) {
	case string:
		if id == "" {
			return "0"
		}
		return id
	case json.Number:
		f, err := id.Float64()
		if err != nil {
			return id.String()
		}
		if f == 0 {
			return "0"
		}
		if strings.ContainsAny(id.String(), ".eE") {
			// Shortest form, so 5.0 and 5e0 both become 5.
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
		return id.String()
	case float64:
		if id == 0 {
			return "0"
		}
	case bool:
		if !id {
			return "0"
		}
	}
	return fmt.Sprint(v)
}

// Settings are the display settings of the view.
type Settings struct {
	Title    string `json:"title"`
	ColorOne string `json:"color_one"`
	Footer   string `json:"footer"`
}

// State is the inbound navigation state as sent by the browser.
type State struct {
	Data *struct {
		Data []Record `json:"data"`
	} `json:"data"`
	Settings        *Settings `json:"settings"`
	LocationConsent *bool     `json:"locationConsent"`
}

// Context is the validated, read-only session context of a view.
type Context struct {
	// Record is the submission to update, or nil if the previous step did
	// not produce one.
	Record          Record
	Settings        Settings
	LocationConsent bool
}

// Validate checks required fields and returns the corresponding Context.
func (s *State) Validate() (*Context, error) {
	if s.Settings == nil {
		return nil, ErrMissingSettings
	}
	if s.LocationConsent == nil {
		return nil, ErrMissingConsent
	}
	c := &Context{
		Settings:        *s.Settings,
		LocationConsent: *s.LocationConsent,
	}
	if s.Data != nil && len(s.Data.Data) > 0 && s.Data.Data[0] != nil {
		c.Record = s.Data.Data[0]
	}
	return c, nil
}

// Decode reads a navigation state from r and validates it.
func Decode(r io.Reader) (*Context, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var s State
	if err := dec.Decode(&s); err != nil {
		return nil, err
	}
	return s.Validate()
}

// Parse is like Decode for an in-memory document.
func Parse(b []byte) (*Context, error) {
	return Decode(bytes.NewReader(b))
}
