// Package discovery applies received low-level discovery values to the
// state of their discovery rules.
package discovery

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

var (
	ErrInvalidValue = errors.New("invalid discovery rule value")
	ErrNoDataArray  = errors.New(`cannot find the "data" array in the received JSON object`)
)

// Row is one discovered entity: LLD macro names mapped to their values.
type Row map[string]string

// ParseRows extracts discovery rows from an LLD value. The value is either
// a JSON array of objects or an object carrying such an array under
// "data". Array elements that are not objects are skipped.
func ParseRows(value string) ([]Row, error) {
	if !gjson.Valid(value) {
		return nil, fmt.Errorf("%w: cannot parse as a valid JSON object", ErrInvalidValue)
	}

	doc := gjson.Parse(value)

	var arr gjson.Result
	switch {
	case doc.IsArray():
		arr = doc
	case doc.IsObject():
		arr = doc.Get("data")
		if !arr.IsArray() {
			return nil, ErrNoDataArray
		}
	default:
		return nil, fmt.Errorf("%w: value should be a JSON object or array", ErrInvalidValue)
	}

	rows := make([]Row, 0, len(arr.Array()))
	arr.ForEach(func(_, elem gjson.Result) bool {
		if !elem.IsObject() {
			return true
		}
		row := make(Row)
		elem.ForEach(func(k, v gjson.Result) bool {
			row[k.String()] = v.String()
			return true
		})
		rows = append(rows, row)
		return true
	})
	return rows, nil
}
