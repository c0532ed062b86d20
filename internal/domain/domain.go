package domain

// Battle statuses.
const (
	BattleOpen       = "open"
	BattleInProgress = "in_progress"
	BattleCompleted  = "completed"
	BattleCancelled  = "cancelled"
	BattleExpired    = "expired"
)

// AdversaryID is the reserved opponent id for battles against the automated
// adversary; such battles have no opponent squadron.
const AdversaryID = "adversary"

type Squadron struct {
	ID                string `json:"id"`
	OwnerID           string `json:"owner_id"`
	Name              string `json:"name"`
	Type              string `json:"type"`
	Capacity          int    `json:"capacity"`
	MemberCount       int    `json:"member_count"`
	ArmyPower         int    `json:"army_power"`
	ReligionPower     int    `json:"religion_power"`
	CivilizationPower int    `json:"civilization_power"`
	EconomicPower     int    `json:"economic_power"`
	TotalPower        int    `json:"total_power"`
	Locked            bool   `json:"locked"`
	CurrentBattleID   *string `json:"current_battle_id,omitempty"`
	CreatedAt         string `json:"created_at" format:"date-time"`
	UpdatedAt         string `json:"updated_at" format:"date-time"`
}

// RosterMember joins an asset to a squadron. The power components are a
// snapshot taken at assignment time; they are never recomputed afterwards so
// the integrity hash stays stable.
type RosterMember struct {
	SquadronID     string `json:"squadron_id"`
	AssetID        string `json:"asset_id"`
	Role           string `json:"role"`
	Class          string `json:"class"`
	Specialization string `json:"specialization"`
	Army           int    `json:"army"`
	Religion       int    `json:"religion"`
	Civilization   int    `json:"civilization"`
	Economic       int    `json:"economic"`
	AddedAt        string `json:"added_at" format:"date-time"`
}

type Battle struct {
	ID                     string  `json:"id"`
	BattleType             string  `json:"battle_type" enum:"solo,group"`
	CombatType             string  `json:"combat_type"`
	Terrain                string  `json:"terrain,omitempty"`
	Wager                  *int    `json:"wager,omitempty"`
	TimeLimitMinutes       *int    `json:"time_limit_minutes,omitempty"`
	RequiredSpecialization string  `json:"required_specialization,omitempty"`
	PartnerCollectionID    string  `json:"partner_collection_id,omitempty"`
	PartnerMinCount        int     `json:"partner_min_count,omitempty"`
	VsAdversary            bool    `json:"vs_adversary"`
	CreatorID              string  `json:"creator_id"`
	OpponentID             *string `json:"opponent_id,omitempty"`
	CreatorSquadronID      string  `json:"creator_squadron_id"`
	OpponentSquadronID     *string `json:"opponent_squadron_id,omitempty"`
	CreatorHash            string  `json:"creator_hash"`
	OpponentHash           *string `json:"opponent_hash,omitempty"`
	Narrative              string  `json:"narrative,omitempty"`
	Status                 string  `json:"status" enum:"open,in_progress,completed,cancelled,expired"`
	WinnerSquadronID       *string `json:"winner_squadron_id,omitempty"`
	DecisionReason         string  `json:"decision_reason,omitempty"`
	OracleDecided          bool    `json:"oracle_decided"`
	CreatedAt              string  `json:"created_at" format:"date-time"`
	StartedAt              *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt            *string `json:"completed_at,omitempty" format:"date-time"`
	ExpiresAt              string  `json:"expires_at" format:"date-time"`
}

// BattleMove is append-only: rows are never updated or deleted once written.
type BattleMove struct {
	ID          int64  `json:"id"`
	BattleID    string `json:"battle_id"`
	Round       int    `json:"round"`
	ActorID     string `json:"actor_id"`
	SquadronID  string `json:"squadron_id,omitempty"`
	Action      string `json:"action"`
	RiskTier    string `json:"risk_tier" enum:"low,medium,high"`
	Success     bool   `json:"success"`
	PowerChange int    `json:"power_change"`
	Narration   string `json:"narration,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// IsTerminal reports whether a battle status can no longer change.
func IsTerminal(status string) bool {
	switch status {
	case BattleCompleted, BattleCancelled, BattleExpired:
		return true
	}
	return false
}
