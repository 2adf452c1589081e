package bot

import (
	"fmt"
	"strings"
)

// DefaultSessionTypes is the catalogue used when none is configured.
const DefaultSessionTypes = "particular:Particular,obra_social:Obra Social"

// SessionType is one selectable category. Code travels in button data; Label
// is what gets stored on the record.
type SessionType struct {
	Code  string
	Label string
}

// Catalogue is the ordered set of session types offered by the dialogue.
type Catalogue []SessionType

// ParseCatalogue reads "code:Label,code:Label". A bare "code" uses itself as
// label.
func ParseCatalogue(s string) (Catalogue, error) {
	var cat Catalogue
	seen := make(map[string]bool)
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		code, label, found := strings.Cut(item, ":")
		code = strings.TrimSpace(code)
		label = strings.TrimSpace(label)
		if !found || label == "" {
			label = code
		}
		if code == "" || strings.ContainsAny(code, " :") {
			return nil, fmt.Errorf("invalid session type %q", item)
		}
		if seen[strings.ToLower(code)] {
			return nil, fmt.Errorf("duplicate session type %q", code)
		}
		seen[strings.ToLower(code)] = true
		cat = append(cat, SessionType{Code: code, Label: label})
	}
	if len(cat) == 0 {
		return nil, fmt.Errorf("no session types in %q", s)
	}
	return cat, nil
}

// Lookup matches s against codes and labels, ignoring case.
func (c Catalogue) Lookup(s string) (SessionType, bool) {
	s = strings.TrimSpace(s)
	for _, st := range c {
		if strings.EqualFold(st.Code, s) || strings.EqualFold(st.Label, s) {
			return st, true
		}
	}
	return SessionType{}, false
}

func (c Catalogue) choices() [][]Choice {
	rows := make([][]Choice, 0, len(c))
	for _, st := range c {
		rows = append(rows, []Choice{{Label: st.Label, Data: dataType + st.Code}})
	}
	return rows
}
