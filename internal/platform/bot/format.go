package bot

import (
	"fmt"
	"strings"

	"github.com/basco1979/pacientes-bot/internal/domain/record"
)

const dateLayout = "02/01/2006 15:04"

func money(v float64) string {
	return fmt.Sprintf("$%.0f", v)
}

// formatRecord renders one record as a single line.
func formatRecord(rec *record.Record) string {
	status := "❌ impago"
	if rec.Paid {
		status = "✅ " + money(rec.Amount)
	}
	return fmt.Sprintf("#%d %s | %s | %s | %s", rec.ID, rec.Name, rec.Type, status, rec.Date.Format(dateLayout))
}

func formatRecords(items []*record.Record, empty string) string {
	if len(items) == 0 {
		return empty
	}
	lines := make([]string, len(items))
	for i, rec := range items {
		lines[i] = formatRecord(rec)
	}
	return strings.Join(lines, "\n")
}

func formatSaved(rec *record.Record) string {
	payment := "No pagó"
	if rec.Paid {
		payment = "Pagó " + money(rec.Amount)
	}
	return fmt.Sprintf("✅ Sesión registrada (#%d):\n\n👤 %s\n📂 %s\n💰 %s\n🗓️ %s",
		rec.ID, rec.Name, rec.Type, payment, rec.Date.Format(dateLayout))
}
