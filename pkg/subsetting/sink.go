package subsetting

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// Sink receives a tabular report: one header, then the rows in output order.
type Sink interface {
	WriteHeader(columns []string) error
	WriteRow(row []string) error

	// Close flushes buffered output. It does not close the underlying writer.
	Close() error
}

// JSONSink writes the report as a JSON array with one object per row keyed by column label.
// Keys keep the column order.
type JSONSink struct {
	w       *bufio.Writer
	columns [][]byte
	started bool
	rows    int
}

func NewJSONSink(w io.Writer) *JSONSink {
	return &JSONSink{w: bufio.NewWriter(w)}
}

func (s *JSONSink) WriteHeader(columns []string) error {
	s.columns = make([][]byte, len(columns))
	for i, c := range columns {
		key, err := json.Marshal(c)
		if err != nil {
			return err
		}
		s.columns[i] = key
	}
	s.started = true
	return s.w.WriteByte('[')
}

func (s *JSONSink) WriteRow(row []string) error {
	if s.rows > 0 {
		if err := s.w.WriteByte(','); err != nil {
			return err
		}
	}
	s.rows++

	if err := s.w.WriteByte('{'); err != nil {
		return err
	}
	for i, value := range row {
		if i > 0 {
			if err := s.w.WriteByte(','); err != nil {
				return err
			}
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return err
		}
		s.w.Write(s.columns[i])
		s.w.WriteByte(':')
		if _, err := s.w.Write(encoded); err != nil {
			return err
		}
	}
	return s.w.WriteByte('}')
}

func (s *JSONSink) Close() error {
	if s.started {
		if err := s.w.WriteByte(']'); err != nil {
			return err
		}
	}
	return s.w.Flush()
}

// TSVSink writes the report as tab separated text with a header line. Tabs and line breaks
// inside values are replaced by spaces.
type TSVSink struct {
	w *bufio.Writer
}

func NewTSVSink(w io.Writer) *TSVSink {
	return &TSVSink{w: bufio.NewWriter(w)}
}

var tsvEscaper = strings.NewReplacer("\t", " ", "\r\n", " ", "\n", " ", "\r", " ")

func (s *TSVSink) WriteHeader(columns []string) error {
	return s.WriteRow(columns)
}

func (s *TSVSink) WriteRow(row []string) error {
	for i, value := range row {
		if i > 0 {
			if err := s.w.WriteByte('\t'); err != nil {
				return err
			}
		}
		if _, err := tsvEscaper.WriteString(s.w, value); err != nil {
			return err
		}
	}
	return s.w.WriteByte('\n')
}

func (s *TSVSink) Close() error {
	return s.w.Flush()
}
