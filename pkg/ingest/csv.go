// Package ingest turns CSV exports into RawEntry batches for the
// normalizer. This is deliberately dumb plumbing: column values are carried
// as strings and rows with missing cells still become entries, because the
// ingestion contract forbids dropping anything the normalizer could report.
package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pedro-hbl/recon-engine/pkg/records"
)

// columnAliases maps the header names seen across bank, lockbox and billing
// exports onto RawEntry fields.
var columnAliases = map[string]string{
	"id":                "externalId",
	"external_id":       "externalId",
	"trx_id":            "externalId",
	"transaction_id":    "externalId",
	"unique_identifier": "externalId",
	"date":              "occurredAt",
	"occurred_at":       "occurredAt",
	"transaction_time":  "occurredAt",
	"posted_date":       "occurredAt",
	"amount":            "amount",
	"currency":          "currency",
	"original_amount":   "originalAmount",
	"original_currency": "originalCurrency",
	"counterparty":      "counterparty",
	"customer":          "counterparty",
	"payer":             "counterparty",
	"description":       "reference",
	"reference":         "reference",
	"memo":              "reference",
	"check_number":      "reference",
	"invoice":           "reference",
	"batch":             "batchHint",
	"batch_id":          "batchHint",
	"payout_id":         "batchHint",
	"deposit_id":        "batchHint",
}

// LoadFile reads a CSV export from disk. See Load.
func LoadFile(path string, source records.SourceSystem) ([]records.RawEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f, source)
}

// Load parses a headered CSV stream into raw entries tagged with the given
// source system. Unrecognized columns land in the entry payload so nothing
// from the export is lost for audit.
func Load(r io.Reader, source records.SourceSystem) ([]records.RawEntry, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("error reading CSV header: %w", err)
	}

	fields := make([]string, len(header))
	for i, h := range header {
		fields[i] = columnAliases[normalizeHeader(h)]
	}

	var entries []records.RawEntry
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading CSV row: %w", err)
		}
		entries = append(entries, entryFromRow(header, fields, row, source))
	}

	return entries, nil
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.ReplaceAll(h, " ", "_")
}

func entryFromRow(header, fields []string, row []string, source records.SourceSystem) records.RawEntry {
	entry := records.RawEntry{
		Source:  source,
		Payload: make(map[string]string, len(row)),
	}

	for i, cell := range row {
		if i >= len(fields) {
			break
		}
		entry.Payload[normalizeHeader(header[i])] = cell

		switch fields[i] {
		case "externalId":
			entry.ExternalID = cell
		case "occurredAt":
			entry.OccurredAt = cell
		case "amount":
			entry.Amount = cell
		case "currency":
			entry.Currency = cell
		case "originalAmount":
			entry.OriginalAmount = cell
		case "originalCurrency":
			entry.OriginalCurrency = cell
		case "counterparty":
			entry.Counterparty = cell
		case "reference":
			entry.Reference = cell
		case "batchHint":
			entry.BatchHint = cell
		}
	}

	return entry
}
