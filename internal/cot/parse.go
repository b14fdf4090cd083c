package cot

import (
	"fmt"
	"strings"
	"time"
)

// ExtractUIDAndTime parses the uid and time attributes out of a CoT
// event's <event ...> opening tag, for callers that only have raw XML
// bytes (e.g. a value read back from a queue entry).
func ExtractUIDAndTime(xml []byte) (uid string, eventTime time.Time, err error) {
	s := string(xml)
	uid, err = extractAttr(s, "uid")
	if err != nil {
		return "", time.Time{}, err
	}
	tStr, err := extractAttr(s, "time")
	if err != nil {
		return "", time.Time{}, err
	}
	eventTime, err = time.Parse(isoLayout, tStr)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("cot: parse time attribute %q: %w", tStr, err)
	}
	return uid, eventTime, nil
}

// extractAttr finds the first `name="value"` occurrence anywhere in s. A small
// hand-rolled scanner rather than a full XML parser: the wire format is
// fixed and single-line, so a generic decoder buys nothing but overhead.
func extractAttr(s, name string) (string, error) {
	needle := name + `="`
	idx := strings.Index(s, needle)
	if idx < 0 {
		return "", fmt.Errorf("cot: attribute %q not found", name)
	}
	start := idx + len(needle)
	end := strings.IndexByte(s[start:], '"')
	if end < 0 {
		return "", fmt.Errorf("cot: attribute %q unterminated", name)
	}
	return s[start : start+end], nil
}
