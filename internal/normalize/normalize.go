// Package normalize rewrites the timestamp of raw JSON log records into the
// canonical ISO-8601 form carried on the queue.
package normalize

import (
	"errors"
	"fmt"
	"time"

	"github.com/valyala/fastjson"

	"logshipper/internal/data"
)

// TimeField is the record field that is rewritten.
const TimeField = "time"

var parserPool fastjson.ParserPool

var (
	errMissingTime = errors.New("missing time field")
	errNotObject   = errors.New("record is not a JSON object")
)

// ParseError reports a record that cannot be normalized.
type ParseError struct {
	Value string // offending time value, empty when the record itself is malformed
	Err   error
}

func (e *ParseError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("parse record: time %q: %v", e.Value, e.Err)
	}
	return fmt.Sprintf("parse record: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Normalize parses line as a JSON object, converts its time field from
// data.SourceTimeLayout to data.CanonicalTimeLayout and returns the re-encoded
// record. Every other field passes through untouched.
//
// A record that repeats the time key is read the way JSON decoders read it:
// the last occurrence wins, and the output carries that single key only.
func Normalize(line []byte) (data.QueueMessage, error) {
	p := parserPool.Get()
	defer parserPool.Put(p)

	v, err := p.ParseBytes(line)
	if err != nil {
		return nil, &ParseError{Err: err}
	}
	obj, err := v.Object()
	if err != nil {
		return nil, &ParseError{Err: errNotObject}
	}

	var (
		tv    *fastjson.Value
		count int
	)
	obj.Visit(func(key []byte, val *fastjson.Value) {
		if string(key) == TimeField {
			tv = val
			count++
		}
	})
	if tv == nil {
		return nil, &ParseError{Err: errMissingTime}
	}
	raw, err := tv.StringBytes()
	if err != nil {
		return nil, &ParseError{Value: tv.String(), Err: err}
	}

	ts, err := ParseSourceTime(string(raw))
	if err != nil {
		return nil, &ParseError{Value: string(raw), Err: err}
	}

	// Del drops the first match, leaving the last occurrence in place for Set.
	for ; count > 1; count-- {
		obj.Del(TimeField)
	}

	var a fastjson.Arena
	obj.Set(TimeField, a.NewString(ts.Format(data.CanonicalTimeLayout)))
	return v.MarshalTo(nil), nil
}

// ParseSourceTime parses a "day/Mon/Year:HH:MM:SS ±HHMM" timestamp.
func ParseSourceTime(s string) (time.Time, error) {
	return time.Parse(data.SourceTimeLayout, s)
}
