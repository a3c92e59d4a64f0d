// Package csvdialect implements the ingest CSV dialect of spec.md §6: a
// parser and encoder parameterized by field terminator, field enclosure,
// field escape, and line terminator characters.
package csvdialect

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// NoEnclosure is the "\0" sentinel meaning fields are not enclosed.
const NoEnclosure = 0

// maxLineBytes is the 16 MiB line-length ceiling named in spec.md §6.
const maxLineBytes = 16 << 20

// Dialect is the quadruple of characters describing one CSV variant, per
// the GLOSSARY entry in spec.md.
type Dialect struct {
	FieldsTerminatedBy byte
	FieldsEnclosedBy   byte // NoEnclosure for "none"
	FieldsEscapedBy    byte
	LinesTerminatedBy  byte
}

// Default is `(\t, \0, \\, \n)`, spec.md §6's stated default dialect.
var Default = Dialect{
	FieldsTerminatedBy: '\t',
	FieldsEnclosedBy:   NoEnclosure,
	FieldsEscapedBy:    '\\',
	LinesTerminatedBy:  '\n',
}

// EncodeRow serializes fields into one line under d, escaping any
// occurrence of the field terminator, enclosure, escape character, or line
// terminator within a field's bytes.
func (d Dialect) EncodeRow(fields []string) []byte {
	var buf bytes.Buffer
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(d.FieldsTerminatedBy)
		}
		enclosed := d.FieldsEnclosedBy != NoEnclosure
		if enclosed {
			buf.WriteByte(d.FieldsEnclosedBy)
		}
		for j := 0; j < len(f); j++ {
			c := f[j]
			if c == d.FieldsEscapedBy || c == d.FieldsTerminatedBy || c == d.LinesTerminatedBy ||
				(enclosed && c == d.FieldsEnclosedBy) {
				buf.WriteByte(d.FieldsEscapedBy)
			}
			buf.WriteByte(c)
		}
		if enclosed {
			buf.WriteByte(d.FieldsEnclosedBy)
		}
	}
	buf.WriteByte(d.LinesTerminatedBy)
	return buf.Bytes()
}

// RowParser parses one line at a time under a fixed Dialect.
type RowParser struct {
	d Dialect
}

// NewRowParser builds a RowParser for d.
func NewRowParser(d Dialect) *RowParser {
	return &RowParser{d: d}
}

// Parse splits one line (without its trailing line terminator) into
// fields, honoring escape mode and enclosure characters at field start,
// per spec.md §6.
func (p *RowParser) Parse(line []byte) ([]string, error) {
	var fields []string
	var cur bytes.Buffer

	i := 0
	n := len(line)
	for i < n {
		enclosed := p.d.FieldsEnclosedBy != NoEnclosure && i < n && line[i] == p.d.FieldsEnclosedBy
		if enclosed {
			i++
		}
		for i < n {
			c := line[i]
			if c == p.d.FieldsEscapedBy && i+1 < n {
				cur.WriteByte(line[i+1])
				i += 2
				continue
			}
			if enclosed && c == p.d.FieldsEnclosedBy {
				i++
				break
			}
			if !enclosed && c == p.d.FieldsTerminatedBy {
				break
			}
			cur.WriteByte(c)
			i++
		}
		fields = append(fields, cur.String())
		cur.Reset()

		if i < n && line[i] == p.d.FieldsTerminatedBy {
			i++
			if i == n {
				// Trailing terminator implies one more, empty, field.
				fields = append(fields, "")
			}
			continue
		}
		break
	}
	return fields, nil
}

// Parser reads an io.Reader line by line, splitting on LinesTerminatedBy
// and handing each line to a RowParser.
type Parser struct {
	d    Dialect
	scan *bufio.Scanner
	rowP *RowParser
}

// NewParser builds a Parser over r under dialect d.
func NewParser(r io.Reader, d Dialect) *Parser {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	scanner.Split(splitOn(d.LinesTerminatedBy))
	return &Parser{d: d, scan: scanner, rowP: NewRowParser(d)}
}

// Next returns the next row's fields, or io.EOF when exhausted.
func (p *Parser) Next() ([]string, error) {
	if !p.scan.Scan() {
		if err := p.scan.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return p.rowP.Parse(p.scan.Bytes())
}

func splitOn(sep byte) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (advance int, token []byte, err error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		if i := bytes.IndexByte(data, sep); i >= 0 {
			return i + 1, data[:i], nil
		}
		if atEOF {
			if len(data) > maxLineBytes {
				return 0, nil, fmt.Errorf("csvdialect: line exceeds %d bytes", maxLineBytes)
			}
			return len(data), data, nil
		}
		if len(data) > maxLineBytes {
			return 0, nil, fmt.Errorf("csvdialect: line exceeds %d bytes", maxLineBytes)
		}
		return 0, nil, nil
	}
}
