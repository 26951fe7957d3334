package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ExportFormat defines supported export formats.
type ExportFormat string

const (
	// ExportFormatCSV exports entries as comma-separated values.
	ExportFormatCSV ExportFormat = "csv"
	// ExportFormatJSON exports entries as a JSON array.
	ExportFormatJSON ExportFormat = "json"
	// ExportFormatCBOR exports entries as a CBOR array, suitable for offline
	// verification with auditverify.
	ExportFormatCBOR ExportFormat = "cbor"
)

// ParseExportFormat validates a format name.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch f := ExportFormat(s); f {
	case ExportFormatCSV, ExportFormatJSON, ExportFormatCBOR:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported export format: %s", s)
	}
}

// ContentType returns the MIME type for the format.
func (f ExportFormat) ContentType() string {
	switch f {
	case ExportFormatCSV:
		return "text/csv"
	case ExportFormatCBOR:
		return "application/cbor"
	default:
		return "application/json"
	}
}

// ExportOptions configures audit export parameters.
type ExportOptions struct {
	Format ExportFormat // Export format
	From   time.Time    // Start of time range (inclusive)
	To     time.Time    // End of time range (inclusive)
	Limit  int          // Maximum number of entries to export (0 = no limit)

	// AnonymizeIPs truncates ip_address in each payload. Hashes of such an
	// export no longer verify, so it is meant for sharing, not evidence.
	AnonymizeIPs bool
}

// Export reads entries matching opts and encodes them.
func Export(ctx context.Context, repo Repository, opts ExportOptions) ([]byte, error) {
	if _, err := ParseExportFormat(string(opts.Format)); err != nil {
		return nil, err
	}

	entries, err := repo.Range(ctx, opts.From, opts.To, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}

	if opts.AnonymizeIPs {
		for _, e := range entries {
			e.Payload = anonymizePayload(e.Payload)
		}
	}

	return Encode(entries, opts.Format)
}

// Encode serializes entries in the given format.
func Encode(entries []*Entry, format ExportFormat) ([]byte, error) {
	switch format {
	case ExportFormatCSV:
		return exportToCSV(entries)
	case ExportFormatJSON:
		return exportToJSON(entries)
	case ExportFormatCBOR:
		data, err := exportEncMode.Marshal(entries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal CBOR: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
}

// anonymizePayload rewrites the ip_address field of a JSON object payload.
// Payloads that are not JSON objects are returned unchanged.
func anonymizePayload(payload []byte) []byte {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return payload
	}
	ip, ok := fields["ip_address"].(string)
	if !ok || ip == "" {
		return payload
	}
	fields["ip_address"] = AnonymizeIP(ip)
	out, err := json.Marshal(fields)
	if err != nil {
		return payload
	}
	return out
}

// exportToCSV exports entries to CSV format. Record fields are flattened
// when the payload decodes as a Record.
func exportToCSV(entries []*Entry) ([]byte, error) {
	buf := new(bytes.Buffer)
	writer := csv.NewWriter(buf)

	header := []string{
		"Sequence",
		"Timestamp (UTC)",
		"Type",
		"Actor",
		"Subject",
		"Outcome",
		"Request ID",
		"IP Address",
		"User Agent",
		"Previous Hash",
		"Hash",
	}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, e := range entries {
		var rec Record
		_ = json.Unmarshal(e.Payload, &rec)
		row := []string{
			strconv.FormatInt(e.Sequence, 10),
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			rec.Type,
			rec.Actor,
			rec.Subject,
			rec.Outcome,
			rec.RequestID,
			rec.IPAddress,
			rec.UserAgent,
			e.PreviousHash,
			e.Hash,
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}

// exportToJSON exports entries to JSON format.
func exportToJSON(entries []*Entry) ([]byte, error) {
	type exportEntry struct {
		Sequence     int64           `json:"sequence"`
		Timestamp    string          `json:"timestamp"`
		Hash         string          `json:"hash"`
		PreviousHash string          `json:"previous_hash"`
		Nonce        string          `json:"nonce"`
		Payload      json.RawMessage `json:"payload"`
	}

	out := make([]exportEntry, len(entries))
	for i, e := range entries {
		payload := json.RawMessage(e.Payload)
		if !json.Valid(payload) {
			quoted, _ := json.Marshal(string(e.Payload))
			payload = quoted
		}
		out[i] = exportEntry{
			Sequence:     e.Sequence,
			Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
			Hash:         e.Hash,
			PreviousHash: e.PreviousHash,
			Nonce:        e.Nonce,
			Payload:      payload,
		}
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return data, nil
}

// Timestamps keep nanoseconds so decoded entries still verify.
var exportEncMode = func() cbor.EncMode {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	return mustEncMode(opts)
}()

var decMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("invalid CBOR decoding options: %v", err))
	}
	return dm
}()

// DecodeCBOR parses a CBOR export back into entries.
func DecodeCBOR(data []byte) ([]*Entry, error) {
	var entries []*Entry
	if err := decMode.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode CBOR export: %w", err)
	}
	return entries, nil
}
