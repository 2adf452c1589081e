package bot

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/basco1979/pacientes-bot/internal/domain/record"
)

// SubmissionSeparator splits a one-line "name, type, payment" entry.
const SubmissionSeparator = ","

// SubmissionUsage is shown when a free-text entry cannot be parsed.
const SubmissionUsage = "Formato: Nombre, Tipo, Monto (o sí/no)\nEj: Juan Pérez, Particular, 2000"

var (
	yesTokens = map[string]bool{
		"si": true, "sí": true, "s": true, "yes": true, "y": true,
		"pagó": true, "pago": true, "pagado": true, "ok": true,
	}
	noTokens = map[string]bool{
		"no": true, "n": true, "impago": true, "debe": true,
	}
)

// Submission is a parsed one-line entry. When NeedsAmount is set the user
// answered "yes" without a figure and the amount still has to be collected.
type Submission struct {
	Name        string
	Type        string
	Paid        bool
	Amount      float64
	NeedsAmount bool
}

// NewRecord converts a complete submission into a store request.
func (s Submission) NewRecord() record.NewRecord {
	return record.NewRecord{Name: s.Name, Type: s.Type, Paid: s.Paid, Amount: s.Amount}
}

// ParseSubmission parses "name, type, third". The third part is an amount
// when it is a non-negative number and a yes/no token otherwise.
func ParseSubmission(text string, types Catalogue) (Submission, error) {
	parts := strings.Split(text, SubmissionSeparator)
	if len(parts) != 3 {
		return Submission{}, fmt.Errorf("%w: expected 3 comma-separated parts, got %d", record.ErrFormat, len(parts))
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	name, typ, third := parts[0], parts[1], parts[2]
	if name == "" || typ == "" || third == "" {
		return Submission{}, fmt.Errorf("%w: empty field", record.ErrFormat)
	}
	if st, ok := types.Lookup(typ); ok {
		typ = st.Label
	}

	sub := Submission{Name: name, Type: typ}
	if amount, err := ParseAmount(third); err == nil {
		sub.Amount = amount
		sub.Paid = amount > 0
		return sub, nil
	}

	paid, ok := ParseYesNo(third)
	if !ok {
		return Submission{}, fmt.Errorf("%w: %q is neither an amount nor yes/no", record.ErrFormat, third)
	}
	sub.Paid = paid
	sub.NeedsAmount = paid
	return sub, nil
}

// ParseYesNo maps a localized yes/no token, ignoring case.
func ParseYesNo(s string) (paid bool, ok bool) {
	tok := strings.ToLower(strings.TrimSpace(s))
	tok = strings.TrimRight(tok, ".!")
	switch {
	case yesTokens[tok]:
		return true, true
	case noTokens[tok]:
		return false, true
	}
	return false, false
}

// ParseAmount reads a non-negative money figure. A leading "$" and inner
// spaces are ignored. Dots group thousands and a comma is the decimal mark
// ("1.500,50"), except that a dot not followed by groups of three digits is a
// decimal point ("1500.75"). With both separators present the later one is
// the decimal mark.
func ParseAmount(s string) (float64, error) {
	v := strings.TrimSpace(s)
	v = strings.TrimPrefix(v, "$")
	v = strings.ReplaceAll(v, " ", "")
	if v == "" {
		return 0, fmt.Errorf("%w: empty amount", record.ErrValidation)
	}
	norm, ok := normalizeAmount(v)
	if !ok || !isDigits(strings.Replace(norm, ".", "", 1)) {
		return 0, fmt.Errorf("%w: %q is not a number", record.ErrValidation, s)
	}
	amount, err := strconv.ParseFloat(norm, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", record.ErrValidation, s)
	}
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount < 0 {
		return 0, fmt.Errorf("%w: %q is not a valid amount", record.ErrValidation, s)
	}
	return amount, nil
}

// normalizeAmount rewrites v with "." as the only, optional, decimal mark.
func normalizeAmount(v string) (string, bool) {
	dot, comma := strings.LastIndex(v, "."), strings.LastIndex(v, ",")
	switch {
	case dot >= 0 && comma >= 0:
		group, decimal := ".", ","
		if dot > comma {
			group, decimal = ",", "."
		}
		if strings.Count(v, decimal) != 1 {
			return "", false
		}
		whole, frac, _ := strings.Cut(v, decimal)
		if !isGrouped(whole, group) {
			return "", false
		}
		return strings.ReplaceAll(whole, group, "") + "." + frac, true
	case dot >= 0:
		if isGrouped(v, ".") {
			return strings.ReplaceAll(v, ".", ""), true
		}
		return v, strings.Count(v, ".") == 1
	case comma >= 0:
		if strings.Count(v, ",") > 1 {
			return strings.ReplaceAll(v, ",", ""), isGrouped(v, ",")
		}
		return strings.Replace(v, ",", ".", 1), true
	}
	return v, true
}

// isGrouped reports whether v is a number split into thousands by sep, as in
// "1.500.000".
func isGrouped(v, sep string) bool {
	parts := strings.Split(v, sep)
	if len(parts) < 2 {
		return false
	}
	lead := parts[0]
	if lead == "" || len(lead) > 3 || lead[0] == '0' || !isDigits(lead) {
		return false
	}
	for _, p := range parts[1:] {
		if len(p) != 3 || !isDigits(p) {
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
