package records

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Normalizer input defects. Both are per-entry: they are collected into the
// unparsed result, never abort the batch.
var (
	// ErrMalformedAmount indicates an amount whose separators cannot be
	// disambiguated with the supplied locale hints
	ErrMalformedAmount = errors.New("malformed amount")

	// ErrMissingRequiredField indicates an entry whose occurred-at date or
	// amount cannot be determined
	ErrMissingRequiredField = errors.New("missing required field")
)

// LocaleHints disambiguate numeric separators in raw amounts. Zero values
// mean the caller has no hint; an amount that stays ambiguous without one
// fails with ErrMalformedAmount.
type LocaleHints struct {
	DecimalSeparator   rune
	ThousandsSeparator rune
}

// dateLayouts are tried in order when parsing occurred-at values. Bank and
// lockbox exports in the wild use all of these.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
	"02 Jan 2006",
}

// recordNamespace seeds deterministic record IDs so that re-normalizing the
// same input produces byte-identical records.
var recordNamespace = uuid.MustParse("9f2c1ade-6b5f-5a87-9d10-3cf6f4a1c0b7")

// Normalize canonicalizes raw entries from one source system into
// TransactionRecords. It is a pure function: no I/O, no clock, no
// randomness. Entries whose amount or date cannot be determined come back in
// the unparsed slice with the defect attached.
func Normalize(entries []RawEntry, source SourceSystem, hints LocaleHints) ([]TransactionRecord, []UnparsedEntry) {
	recs := make([]TransactionRecord, 0, len(entries))
	var unparsed []UnparsedEntry

	for i, entry := range entries {
		rec, err := normalizeOne(entry, source, hints, i)
		if err != nil {
			unparsed = append(unparsed, UnparsedEntry{Entry: entry, Err: err, Reason: err.Error()})
			continue
		}
		recs = append(recs, rec)
	}

	return recs, unparsed
}

func normalizeOne(entry RawEntry, source SourceSystem, hints LocaleHints, index int) (TransactionRecord, error) {
	if entry.Source != "" {
		source = entry.Source
	}

	if strings.TrimSpace(entry.Amount) == "" {
		return TransactionRecord{}, fmt.Errorf("%w: amount", ErrMissingRequiredField)
	}
	amount, err := ParseAmount(entry.Amount, hints)
	if err != nil {
		return TransactionRecord{}, err
	}

	if strings.TrimSpace(entry.OccurredAt) == "" {
		return TransactionRecord{}, fmt.Errorf("%w: occurred_at", ErrMissingRequiredField)
	}
	occurredAt, err := parseWhen(entry.OccurredAt)
	if err != nil {
		return TransactionRecord{}, fmt.Errorf("%w: occurred_at %q", ErrMissingRequiredField, entry.OccurredAt)
	}

	currency := strings.ToUpper(strings.TrimSpace(entry.Currency))
	if currency == "" {
		currency = "USD"
	}

	rec := TransactionRecord{
		Source:              source,
		ExternalID:          strings.TrimSpace(entry.ExternalID),
		OccurredAt:          occurredAt,
		Amount:              amount,
		Currency:            currency,
		CounterpartyName:    entry.Counterparty,
		NormalizedName:      NormalizeText(entry.Counterparty),
		ReferenceText:       entry.Reference,
		NormalizedReference: NormalizeText(entry.Reference),
		BatchHint:           strings.TrimSpace(entry.BatchHint),
		RawPayload:          entry.Payload,
	}

	if strings.TrimSpace(entry.OriginalAmount) != "" {
		orig, err := ParseAmount(entry.OriginalAmount, hints)
		if err != nil {
			return TransactionRecord{}, err
		}
		rec.OriginalAmount = orig
		rec.OriginalCurrency = strings.ToUpper(strings.TrimSpace(entry.OriginalCurrency))
	}

	rec.ID = recordID(rec, index)
	return rec, nil
}

// recordID derives a stable UUID from the record content and its position in
// the batch. Position keeps two byte-identical source rows distinct while
// keeping re-runs over the same input deterministic.
func recordID(rec TransactionRecord, index int) string {
	seed := fmt.Sprintf("%s|%s|%s|%s|%s|%d",
		rec.Source, rec.ExternalID, rec.Amount.String(),
		rec.OccurredAt.UTC().Format(time.RFC3339), rec.NormalizedReference, index)
	return uuid.NewSHA1(recordNamespace, []byte(seed)).String()
}

// NormalizeText collapses internal whitespace and case-folds free text. No
// semantic dedup happens here; fuzzy comparison is the matcher's job.
func NormalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// ParseAmount parses a raw amount string into an exact decimal. It accepts
// currency symbols, parenthesized negatives and grouped digits. When a
// single separator with three trailing digits could be either grouping or a
// decimal point, the locale hints decide; without a hint the amount is
// rejected as malformed.
func ParseAmount(raw string, hints LocaleHints) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: empty", ErrMalformedAmount)
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	s = strings.TrimPrefix(s, "$")
	s = strings.TrimPrefix(s, "€")
	s = strings.TrimPrefix(s, "£")
	s = strings.ReplaceAll(s, " ", "")
	if strings.HasPrefix(s, "-") {
		negative = !negative
		s = s[1:]
	}
	s = strings.TrimPrefix(s, "+")
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrMalformedAmount, raw)
	}

	canonical, err := canonicalizeSeparators(s, hints)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", err, raw)
	}

	d, err := decimal.NewFromString(canonical)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrMalformedAmount, raw)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// canonicalizeSeparators rewrites a digit string with locale separators into
// the plain "1234.56" form decimal.NewFromString expects.
func canonicalizeSeparators(s string, hints LocaleHints) (string, error) {
	dots := strings.Count(s, ".")
	commas := strings.Count(s, ",")

	switch {
	case dots == 0 && commas == 0:
		return s, nil

	case dots > 0 && commas > 0:
		// Both present: the rightmost separator is the decimal point.
		if strings.LastIndex(s, ".") > strings.LastIndex(s, ",") {
			return strings.ReplaceAll(s, ",", ""), nil
		}
		s = strings.ReplaceAll(s, ".", "")
		return strings.Replace(s, ",", ".", 1), nil

	case dots == 1 && commas == 0:
		return resolveSingle(s, '.', hints)

	case commas == 1 && dots == 0:
		return resolveSingle(s, ',', hints)

	case dots > 1:
		// Multiple dots can only be grouping.
		return strings.ReplaceAll(s, ".", ""), nil

	default: // commas > 1
		return strings.ReplaceAll(s, ",", ""), nil
	}
}

// resolveSingle handles one occurrence of one separator. "1,234" is grouping
// in en-US and a decimal in much of Europe; only a hint can tell.
func resolveSingle(s string, sep rune, hints LocaleHints) (string, error) {
	idx := strings.IndexRune(s, sep)
	trailing := len(s) - idx - 1

	if trailing != 3 {
		// Anything but three trailing digits is unambiguously a decimal point.
		return strings.Replace(s, string(sep), ".", 1), nil
	}

	switch sep {
	case hints.DecimalSeparator:
		return strings.Replace(s, string(sep), ".", 1), nil
	case hints.ThousandsSeparator:
		return strings.ReplaceAll(s, string(sep), ""), nil
	}
	return "", ErrMalformedAmount
}

func parseWhen(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", raw)
}
