package campaign

import (
	"sort"
	"strings"

	"github.com/acme/whatsapp-campaign/internal/domain"
)

// pickVariant returns the wording used for the i-th message of a campaign:
// the body first, then each variation in turn.
func pickVariant(tpl *domain.Template, i int) string {
	n := 1 + len(tpl.Variations)
	idx := i % n
	if idx == 0 {
		return tpl.Body
	}
	return tpl.Variations[idx-1]
}

// render fills {{name}}, {{phone}} and {{<field>}} placeholders from the contact.
// Unknown placeholders are left as written.
func render(text string, contact domain.Contact) string {
	pairs := []string{"{{name}}", contact.Name, "{{phone}}", contact.Phone}

	keys := make([]string, 0, len(contact.Fields))
	for k := range contact.Fields {
		if k == "name" || k == "phone" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		pairs = append(pairs, "{{"+k+"}}", contact.Fields[k])
	}
	return strings.NewReplacer(pairs...).Replace(text)
}
