// Package pagination provides opaque page cursors for newest-first listings.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

const cursorPrefix = "o|"

// Page is a window into a listing.
type Page struct {
	Limit  int
	Offset int
}

// Encode returns an opaque cursor for the listing position offset.
func Encode(offset int) string {
	return base64.URLEncoding.EncodeToString([]byte(cursorPrefix + strconv.Itoa(offset)))
}

// Decode parses an opaque cursor. Empty input is the first page.
func Decode(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor")
	}
	rest, ok := strings.CutPrefix(string(raw), cursorPrefix)
	if !ok {
		return 0, fmt.Errorf("invalid cursor")
	}
	offset, err := strconv.Atoi(rest)
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("invalid cursor")
	}
	return offset, nil
}

// Parse reads the limit and cursor query values. A missing or non-positive
// limit becomes def; anything above max is clamped.
func Parse(limit, cursor string, def, max int) (Page, error) {
	p := Page{Limit: def}
	if limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return Page{}, fmt.Errorf("invalid limit")
		}
		if n > 0 {
			p.Limit = n
		}
	}
	if p.Limit > max {
		p.Limit = max
	}
	offset, err := Decode(cursor)
	if err != nil {
		return Page{}, err
	}
	p.Offset = offset
	return p, nil
}

// Next returns the cursor following p when got items filled the page, or ""
// when the listing is exhausted.
func Next(p Page, got int) string {
	if got < p.Limit {
		return ""
	}
	return Encode(p.Offset + got)
}
