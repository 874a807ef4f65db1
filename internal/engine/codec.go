package engine

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/raold/second-brain-sub001/internal/ops"
	"github.com/raold/second-brain-sub001/internal/store"
)

// csvHeader is the column order written by CSV exports. Imports accept any
// order and ignore unknown columns.
var csvHeader = []string{"id", "content", "type", "importance", "metadata", "content_hash", "created_at", "updated_at"}

// maxImportLine bounds a single JSONL line.
const maxImportLine = 4 << 20

// encoder streams records in one format.
type encoder interface {
	Encode(rec store.Record) error
	Close() error
}

func newEncoder(w io.Writer, format ops.Format) (encoder, error) {
	switch format {
	case ops.FormatJSON:
		return &jsonArrayEncoder{w: w}, nil
	case ops.FormatJSONL:
		return &jsonlEncoder{w: w}, nil
	case ops.FormatCSV:
		return &csvEncoder{w: csv.NewWriter(w)}, nil
	case ops.FormatYAML:
		return &yamlEncoder{enc: yaml.NewEncoder(w)}, nil
	}
	return nil, fmt.Errorf("unsupported export format %q", format)
}

// jsonArrayEncoder writes a JSON array one element at a time.
type jsonArrayEncoder struct {
	w     io.Writer
	count int
}

func (e *jsonArrayEncoder) Encode(rec store.Record) error {
	data, err := json.Marshal(exportView(rec))
	if err != nil {
		return fmt.Errorf("marshaling record %s: %w", rec.ID, err)
	}
	sep := ",\n  "
	if e.count == 0 {
		sep = "[\n  "
	}
	e.count++
	if _, err := fmt.Fprintf(e.w, "%s%s", sep, data); err != nil {
		return fmt.Errorf("writing JSON element: %w", err)
	}
	return nil
}

func (e *jsonArrayEncoder) Close() error {
	closing := "\n]\n"
	if e.count == 0 {
		closing = "[]\n"
	}
	_, err := io.WriteString(e.w, closing)
	return err
}

type jsonlEncoder struct {
	w io.Writer
}

func (e *jsonlEncoder) Encode(rec store.Record) error {
	data, err := json.Marshal(exportView(rec))
	if err != nil {
		return fmt.Errorf("marshaling record %s: %w", rec.ID, err)
	}
	if _, err := fmt.Fprintf(e.w, "%s\n", data); err != nil {
		return fmt.Errorf("writing JSONL line: %w", err)
	}
	return nil
}

func (e *jsonlEncoder) Close() error { return nil }

type csvEncoder struct {
	w             *csv.Writer
	headerWritten bool
}

func (e *csvEncoder) Encode(rec store.Record) error {
	if !e.headerWritten {
		if err := e.w.Write(csvHeader); err != nil {
			return fmt.Errorf("writing CSV header: %w", err)
		}
		e.headerWritten = true
	}
	metadata := ""
	if len(rec.Metadata) > 0 {
		raw, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("marshaling metadata of %s: %w", rec.ID, err)
		}
		metadata = string(raw)
	}
	row := []string{
		rec.ID,
		rec.Content,
		rec.Type,
		strconv.FormatFloat(rec.Importance, 'f', -1, 64),
		metadata,
		rec.ContentHash,
		formatExportTime(rec.CreatedAt),
		formatExportTime(rec.UpdatedAt),
	}
	if err := e.w.Write(row); err != nil {
		return fmt.Errorf("writing CSV row: %w", err)
	}
	return nil
}

func (e *csvEncoder) Close() error {
	if !e.headerWritten {
		if err := e.w.Write(csvHeader); err != nil {
			return err
		}
	}
	e.w.Flush()
	return e.w.Error()
}

type yamlEncoder struct {
	enc *yaml.Encoder
}

func (e *yamlEncoder) Encode(rec store.Record) error {
	if err := e.enc.Encode(exportView(rec)); err != nil {
		return fmt.Errorf("writing YAML document: %w", err)
	}
	return nil
}

func (e *yamlEncoder) Close() error { return e.enc.Close() }

// exportedRecord is the serialized shape of an exported record. Derived
// fields are recomputed on import and not exported.
type exportedRecord struct {
	ID          string         `json:"id"                     yaml:"id"`
	Content     string         `json:"content"                yaml:"content"`
	Type        string         `json:"type"                   yaml:"type"`
	Importance  float64        `json:"importance"             yaml:"importance"`
	Metadata    map[string]any `json:"metadata,omitempty"     yaml:"metadata,omitempty"`
	ContentHash string         `json:"content_hash,omitempty" yaml:"content_hash,omitempty"`
	CreatedAt   string         `json:"created_at,omitempty"   yaml:"created_at,omitempty"`
	UpdatedAt   string         `json:"updated_at,omitempty"   yaml:"updated_at,omitempty"`
}

func exportView(rec store.Record) exportedRecord {
	return exportedRecord{
		ID:          rec.ID,
		Content:     rec.Content,
		Type:        rec.Type,
		Importance:  rec.Importance,
		Metadata:    rec.Metadata,
		ContentHash: rec.ContentHash,
		CreatedAt:   formatExportTime(rec.CreatedAt),
		UpdatedAt:   formatExportTime(rec.UpdatedAt),
	}
}

func formatExportTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// ErrEmptyPayload is returned when an import payload holds no records.
var ErrEmptyPayload = errors.New("import payload is empty")

// decodeItems parses an import payload. Positions are assigned in payload
// order.
func decodeItems(r io.Reader, format ops.Format) ([]ops.BatchItem, error) {
	var (
		records []exportedRecord
		err     error
	)
	switch format {
	case ops.FormatJSON:
		records, err = decodeJSON(r)
	case ops.FormatJSONL:
		records, err = decodeJSONL(r)
	case ops.FormatCSV:
		records, err = decodeCSV(r)
	case ops.FormatYAML:
		records, err = decodeYAML(r)
	default:
		err = fmt.Errorf("unsupported import format %q", format)
	}
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrEmptyPayload
	}

	items := make([]ops.BatchItem, len(records))
	for i, rec := range records {
		items[i] = ops.BatchItem{
			ID:         rec.ID,
			Content:    rec.Content,
			Type:       rec.Type,
			Importance: rec.Importance,
			Metadata:   rec.Metadata,
			Position:   i,
		}
	}
	return items, nil
}

// DecodeItems parses an import payload into batch items, for callers that
// need the items up front, such as resuming an interrupted import.
func DecodeItems(r io.Reader, format ops.Format) ([]ops.BatchItem, error) {
	items, err := decodeItems(r, format)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ops.ErrValidation, err)
	}
	return items, nil
}

func decodeJSON(r io.Reader) ([]exportedRecord, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading JSON payload: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	// A single object is accepted as a one-record payload.
	if data[0] == '{' {
		var one exportedRecord
		if err := json.Unmarshal(data, &one); err != nil {
			return nil, fmt.Errorf("parsing JSON object: %w", err)
		}
		return []exportedRecord{one}, nil
	}
	var records []exportedRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing JSON array: %w", err)
	}
	return records, nil
}

func decodeJSONL(r io.Reader) ([]exportedRecord, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxImportLine)

	var records []exportedRecord
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var rec exportedRecord
		if err := json.Unmarshal(text, &rec); err != nil {
			return nil, fmt.Errorf("parsing JSONL line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading JSONL payload: %w", err)
	}
	return records, nil
}

func decodeCSV(r io.Reader) ([]exportedRecord, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := columns["content"]; !ok {
		return nil, errors.New("CSV payload has no content column")
	}

	field := func(row []string, name string) string {
		i, ok := columns[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	var records []exportedRecord
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading CSV line %d: %w", line, err)
		}
		rec := exportedRecord{
			ID:      field(row, "id"),
			Content: field(row, "content"),
			Type:    field(row, "type"),
		}
		if s := strings.TrimSpace(field(row, "importance")); s != "" {
			rec.Importance, err = strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("CSV line %d: invalid importance %q", line, s)
			}
		}
		if s := strings.TrimSpace(field(row, "metadata")); s != "" {
			if err := json.Unmarshal([]byte(s), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("CSV line %d: invalid metadata: %w", line, err)
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// decodeYAML accepts a stream of record documents or a single document
// holding a list of records.
func decodeYAML(r io.Reader) ([]exportedRecord, error) {
	dec := yaml.NewDecoder(r)
	var records []exportedRecord
	for doc := 1; ; doc++ {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parsing YAML document %d: %w", doc, err)
		}
		if len(node.Content) == 0 {
			continue
		}
		if node.Content[0].Kind == yaml.SequenceNode {
			var list []exportedRecord
			if err := node.Decode(&list); err != nil {
				return nil, fmt.Errorf("decoding YAML document %d: %w", doc, err)
			}
			records = append(records, list...)
			continue
		}
		var rec exportedRecord
		if err := node.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decoding YAML document %d: %w", doc, err)
		}
		records = append(records, rec)
	}
	return records, nil
}
