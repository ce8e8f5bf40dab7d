package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gustycube/spyder-atlas/internal/types"
)

// Format represents the output format
type Format string

const (
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
	FormatCSV   Format = "csv"
)

var findingHeader = []string{
	"id", "severity", "status", "target", "type", "name", "source",
	"evidence_location", "discovered_at", "first_seen_at", "fixed_at", "occurrences",
}

// Writer renders findings for export
type Writer struct {
	format    Format
	w         io.Writer
	csvWriter *csv.Writer
	mu        sync.Mutex
	hasHeader bool
	wroteJSON bool
}

// ParseFormat validates an export format name
func ParseFormat(format string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		return FormatJSON, nil
	case "jsonl", "ndjson":
		return FormatJSONL, nil
	case "csv":
		return FormatCSV, nil
	}
	return "", fmt.Errorf("unsupported format %q: %w", format, types.ErrInvalidEnum)
}

// NewWriter creates a new output writer
func NewWriter(format string, w io.Writer) (*Writer, error) {
	f, err := ParseFormat(format)
	if err != nil {
		return nil, err
	}
	writer := &Writer{format: f, w: w}
	if f == FormatCSV {
		writer.csvWriter = csv.NewWriter(w)
	}
	return writer, nil
}

// NewStdoutWriter creates a writer for stdout
func NewStdoutWriter(format string) (*Writer, error) {
	return NewWriter(format, os.Stdout)
}

// ContentType is the MIME type matching the format
func (w *Writer) ContentType() string {
	switch w.format {
	case FormatJSONL:
		return "application/x-ndjson"
	case FormatCSV:
		return "text/csv"
	}
	return "application/json"
}

// WriteFindings writes findings in the configured format. JSON output is a
// single array, so it may be called only once per Writer.
func (w *Writer) WriteFindings(fs []types.Finding) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.format {
	case FormatJSON:
		if w.wroteJSON {
			return fmt.Errorf("json output already written")
		}
		w.wroteJSON = true
		if fs == nil {
			fs = []types.Finding{}
		}
		encoder := json.NewEncoder(w.w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(fs)

	case FormatJSONL:
		encoder := json.NewEncoder(w.w)
		for _, f := range fs {
			if err := encoder.Encode(f); err != nil {
				return err
			}
		}
		return nil

	case FormatCSV:
		return w.writeCSV(fs)
	}
	return fmt.Errorf("unsupported format: %s", w.format)
}

func (w *Writer) writeCSV(fs []types.Finding) error {
	if !w.hasHeader {
		if err := w.csvWriter.Write(findingHeader); err != nil {
			return err
		}
		w.hasHeader = true
	}
	for _, f := range fs {
		fixed := ""
		if f.FixedAt != nil {
			fixed = f.FixedAt.Format(time.RFC3339)
		}
		if err := w.csvWriter.Write([]string{
			strconv.FormatUint(uint64(f.ID), 10),
			string(f.Severity),
			string(f.Status),
			f.Target,
			f.Type,
			f.Name,
			f.Source,
			f.EvidenceLocation,
			f.DiscoveredAt.Format(time.RFC3339),
			f.FirstSeenAt.Format(time.RFC3339),
			fixed,
			strconv.Itoa(f.Occurrences),
		}); err != nil {
			return err
		}
	}
	return w.csvWriter.Error()
}

// Flush flushes any buffered data
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.csvWriter != nil {
		w.csvWriter.Flush()
		return w.csvWriter.Error()
	}
	return nil
}
