// Package codec implements the mixed row/columnar append-log encoding
// tracks use for tracks/<name>/data.msgpack: a concatenation of
// self-describing MessagePack entries, each either a single-sample "row"
// or an N-sample "columnar batch".
//
// Row vs. columnar is disambiguated with a reserved __cols sentinel key
// rather than structural sniffing: a row whose fields all happen to be
// equal-length lists would otherwise be indistinguishable from a columnar
// batch.
package codec

import (
	"bytes"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"dreamlake/internal/dlerrors"
)

// colsSentinelKey marks an entry as columnar. Its value is unused; only
// its presence matters.
const colsSentinelKey = "__cols"

// EncodeRow appends one row entry (a single sample's fields) to w.
func EncodeRow(w io.Writer, fields map[string]any) error {
	enc := msgpack.NewEncoder(w)
	return encodeRow(enc, fields)
}

func encodeRow(enc *msgpack.Encoder, fields map[string]any) error {
	clean := make(map[string]any, len(fields))
	for k, v := range fields {
		if k == colsSentinelKey {
			continue
		}
		clean[k] = v
	}
	if err := enc.Encode(clean); err != nil {
		return dlerrors.Wrap(dlerrors.CodeSerialization, "codec", "EncodeRow", "msgpack encode failed", err)
	}
	return nil
}

// EncodeBatch appends one columnar entry representing rows (all of equal
// intended sample-count; missing fields become null in the corresponding
// column) to w. Encoding N=1 rows still requires a columnar entry when the
// caller explicitly asked for batch semantics; TrackEngine decides whether
// to call EncodeRow or EncodeBatch based on emitted row count.
func EncodeBatch(w io.Writer, rows []map[string]any) error {
	if len(rows) == 0 {
		return nil
	}

	keys := make(map[string]struct{})
	for _, row := range rows {
		for k := range row {
			if k == colsSentinelKey {
				continue
			}
			keys[k] = struct{}{}
		}
	}

	columnar := make(map[string]any, len(keys)+1)
	for k := range keys {
		col := make([]any, len(rows))
		for i, row := range rows {
			if v, ok := row[k]; ok {
				col[i] = v
			} else {
				col[i] = nil
			}
		}
		columnar[k] = col
	}
	columnar[colsSentinelKey] = true

	enc := msgpack.NewEncoder(w)
	if err := enc.Encode(columnar); err != nil {
		return dlerrors.Wrap(dlerrors.CodeSerialization, "codec", "EncodeBatch", "msgpack encode failed", err)
	}
	return nil
}

// DecodeAll reads every entry in r, expanding columnar batches into their
// constituent rows, and returns the samples in write order.
func DecodeAll(r io.Reader) ([]map[string]any, error) {
	dec := msgpack.NewDecoder(r)
	var out []map[string]any

	for {
		var entry map[string]any
		err := dec.Decode(&entry)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, dlerrors.Wrap(dlerrors.CodeSerialization, "codec", "DecodeAll", "msgpack decode failed", err)
		}

		if isColumnar(entry) {
			out = append(out, expandColumns(entry)...)
		} else {
			out = append(out, entry)
		}
	}
	return out, nil
}

func isColumnar(entry map[string]any) bool {
	_, tagged := entry[colsSentinelKey]
	return tagged
}

func expandColumns(entry map[string]any) []map[string]any {
	n := 0
	for k, v := range entry {
		if k == colsSentinelKey {
			continue
		}
		if col, ok := v.([]any); ok {
			n = len(col)
			break
		}
	}

	rows := make([]map[string]any, n)
	for i := 0; i < n; i++ {
		rows[i] = make(map[string]any)
	}
	for k, v := range entry {
		if k == colsSentinelKey {
			continue
		}
		col, ok := v.([]any)
		if !ok {
			continue
		}
		for i := 0; i < n && i < len(col); i++ {
			if col[i] != nil {
				rows[i][k] = col[i]
			}
		}
	}
	return rows
}

// AppendEntry is a convenience used by callers that already hold a byte
// buffer rather than a stream writer.
func AppendEntry(buf *bytes.Buffer, rows []map[string]any) error {
	if len(rows) == 1 {
		return EncodeRow(buf, rows[0])
	}
	return EncodeBatch(buf, rows)
}
