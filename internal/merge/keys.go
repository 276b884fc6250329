package merge

import (
	"strings"

	"github.com/google/uuid"

	"github.com/sells-group/leads-cli/internal/model"
)

// leadNamespace scopes lead IDs derived from identity keys.
var leadNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://leads.sells-group.dev/lead"))

// AddressKey is the fallback identity key every record has.
func AddressKey(a model.Address) string {
	return "addr:" + strings.Join([]string{a.Line, a.Unit, a.City, a.State, a.Zip}, "|")
}

// ParcelKey is the primary identity key; empty when the record has no parcel.
func ParcelKey(state, parcel string) string {
	if parcel == "" {
		return ""
	}
	return "parcel:" + state + ":" + parcel
}

// IdentityKeys returns a record's identity keys, strongest first.
func IdentityKeys(rec model.NormalizedRecord) []string {
	keys := make([]string, 0, 2)
	if k := ParcelKey(rec.Address.State, rec.ParcelID); k != "" {
		keys = append(keys, k)
	}
	return append(keys, AddressKey(rec.Address))
}

// LeadID derives a stable lead ID from an identity key.
func LeadID(key string) string {
	return uuid.NewSHA1(leadNamespace, []byte(key)).String()
}
