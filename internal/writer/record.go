package writer

import "strings"

// Record is one unit of persisted output: a text line or an opaque byte
// block. The zero Record is an empty block.
type Record struct {
	text  string
	block []byte
	line  bool
}

// Line returns a text record. A trailing newline is added on disk when
// text does not already end with one.
func Line(text string) Record {
	return Record{text: text, line: true}
}

// Block returns a raw byte record written exactly as given. The caller
// must not modify b afterwards.
func Block(b []byte) Record {
	return Record{block: b}
}

func (r Record) appendTo(buf []byte) []byte {
	if !r.line {
		return append(buf, r.block...)
	}
	buf = append(buf, r.text...)
	if !strings.HasSuffix(r.text, "\n") {
		buf = append(buf, '\n')
	}
	return buf
}
