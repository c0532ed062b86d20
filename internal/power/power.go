package power

import "context"

// Snapshot is the per-asset power record supplied by the attribute store.
// Once copied onto a roster member it is frozen; battle math only ever sees
// these frozen values.
type Snapshot struct {
	Army           int    `json:"army"`
	Religion       int    `json:"religion"`
	Civilization   int    `json:"civilization"`
	Economic       int    `json:"economic"`
	Class          string `json:"class"`
	Specialization string `json:"specialization"`
}

// Total returns the overall power of a snapshot.
func (s Snapshot) Total() int {
	return s.Army + s.Religion + s.Civilization + s.Economic
}

// AttributeStore supplies power scores and classification metadata for owned
// assets. Implementations return an error satisfying errors.Is(err,
// ErrNotFound) of their storage layer when the asset is unknown.
type AttributeStore interface {
	GetPowerSnapshot(ctx context.Context, assetID string) (Snapshot, error)
}

// BonusSet holds battle-scoped additive bonuses per power component. Bonuses
// are recomputed fresh at finalization; they are never written back onto
// squadron aggregates.
type BonusSet struct {
	Army         int `json:"army"`
	Religion     int `json:"religion"`
	Civilization int `json:"civilization"`
	Economic     int `json:"economic"`
}

// Total returns the sum of all bonus components.
func (b BonusSet) Total() int {
	return b.Army + b.Religion + b.Civilization + b.Economic
}

func (b *BonusSet) add(other BonusSet) {
	b.Army += other.Army
	b.Religion += other.Religion
	b.Civilization += other.Civilization
	b.Economic += other.Economic
}

// Rules holds the bonus percentages. All rules are additive percentages of a
// member's own base components.
type Rules struct {
	SpecializationPercent         int
	CivilizationToReligionPercent int
	ClassAffinityPercent          int
}

// affinityClasses maps a combat type to the classes that get the general
// affinity bonus in it.
var affinityClasses = map[string]map[string]bool{
	"military":  {"warrior": true, "knight": true},
	"religious": {"priest": true, "monk": true},
	"social":    {"scholar": true, "merchant": true},
	"economic":  {"merchant": true, "trader": true},
}

// Compute returns the bonus set for a single roster member snapshot given the
// battle's required specialization and combat type. Pure and stateless.
func (r Rules) Compute(m Snapshot, requiredSpecialization, combatType string) BonusSet {
	var b BonusSet

	if requiredSpecialization != "" && m.Specialization == requiredSpecialization {
		switch requiredSpecialization {
		case "army":
			b.Army += percent(m.Army, r.SpecializationPercent)
		case "religion":
			b.Religion += percent(m.Religion, r.SpecializationPercent)
		case "civilization":
			b.Civilization += percent(m.Civilization, r.SpecializationPercent)
		case "economic":
			b.Economic += percent(m.Economic, r.SpecializationPercent)
		}
	}

	// Civilization-trained characters aid religious combat.
	if combatType == "religious" {
		b.Religion += percent(m.Civilization, r.CivilizationToReligionPercent)
	}

	if classes, ok := affinityClasses[combatType]; ok && classes[m.Class] {
		switch combatType {
		case "military":
			b.Army += percent(m.Army, r.ClassAffinityPercent)
		case "religious":
			b.Religion += percent(m.Religion, r.ClassAffinityPercent)
		case "social":
			b.Civilization += percent(m.Civilization, r.ClassAffinityPercent)
		case "economic":
			b.Economic += percent(m.Economic, r.ClassAffinityPercent)
		}
	}

	return b
}

// SquadronBonus sums per-member bonuses for a whole roster.
func (r Rules) SquadronBonus(members []Snapshot, requiredSpecialization, combatType string) BonusSet {
	var total BonusSet
	for _, m := range members {
		total.add(r.Compute(m, requiredSpecialization, combatType))
	}
	return total
}

func percent(base, pct int) int {
	return base * pct / 100
}
