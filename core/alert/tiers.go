package alert

import "context"

// Escalation levels map to recipient tiers. Each level adds one tier on
// top of all lower ones.
const (
	LevelPatient = iota
	LevelCaregivers
	LevelProviders
	LevelEmergency
	LevelOperators

	MaxLevel = LevelOperators
)

// TierResolver resolves the recipients reached at a given escalation level.
// The returned set is cumulative: level 1 includes the patient tier, and so
// on up to system operators at level 4.
type TierResolver interface {
	Recipients(ctx context.Context, patientID string, level int) ([]string, error)
}

// Directory is a static TierResolver backed by per-patient contact lists.
type Directory struct {
	Caregivers map[string][]string
	Providers  map[string][]string
	Emergency  map[string][]string
	Operators  []string
}

// Recipients returns the cumulative recipient set for the level.
func (d Directory) Recipients(_ context.Context, patientID string, level int) ([]string, error) {
	out := []string{patientID}
	if level >= LevelCaregivers {
		out = append(out, d.Caregivers[patientID]...)
	}
	if level >= LevelProviders {
		out = append(out, d.Providers[patientID]...)
	}
	if level >= LevelEmergency {
		out = append(out, d.Emergency[patientID]...)
	}
	if level >= LevelOperators {
		out = append(out, d.Operators...)
	}
	return dedupe(out), nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, r := range in {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}
