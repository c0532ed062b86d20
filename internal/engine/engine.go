// Package engine implements the battle coordination operations. Every
// mutating operation runs as one transaction against the store; arbitration
// gateway calls always happen outside transactions so a slow oracle cannot
// hold database locks.
package engine

import (
	"context"
	"database/sql"
	"log"
	"time"

	"skirmish/internal/config"
	"skirmish/internal/domain"
	"skirmish/internal/eligibility"
	"skirmish/internal/events"
	"skirmish/internal/integrity"
	"skirmish/internal/notify"
	"skirmish/internal/oracle"
	"skirmish/internal/power"
	"skirmish/internal/repo"
)

type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Events      events.Writer
	Config      *config.Config
	Verifier    integrity.Verifier
	Attrs       power.AttributeStore
	Eligibility eligibility.Checker
	Oracle      oracle.Gateway
	Notify      notify.Sink

	// Now and Roll are injectable for deterministic tests.
	Now  func() time.Time
	Roll func() float64
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Verifier: integrity.Verifier{DB: db},
		Attrs:    r,
		Notify:   notify.Discard{},
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) rules() power.Rules {
	return power.Rules{
		SpecializationPercent:         e.Config.Bonuses.SpecializationPercent,
		CivilizationToReligionPercent: e.Config.Bonuses.CivilizationToReligionPercent,
		ClassAffinityPercent:          e.Config.Bonuses.ClassAffinityPercent,
	}
}

func (e Engine) fallback() oracle.Fallback {
	return oracle.Fallback{Jitter: e.Config.RiskTiers.Jitter, Roll: e.Roll}
}

func (e Engine) oracleTimeout() time.Duration {
	secs := e.Config.Oracle.TimeoutSeconds
	if secs <= 0 {
		secs = 10
	}
	return time.Duration(secs) * time.Second
}

// resolveMove asks the configured gateway and falls back on any error. The
// second return reports whether the generative gateway produced the outcome.
func (e Engine) resolveMove(ctx context.Context, mc oracle.MoveContext) (oracle.MoveOutcome, bool) {
	if e.Oracle != nil {
		octx, cancel := context.WithTimeout(ctx, e.oracleTimeout())
		defer cancel()
		out, err := e.Oracle.ResolveMove(octx, mc)
		if err == nil {
			return out, true
		}
		log.Printf("oracle: resolve move failed, using fallback: %v", err)
	}
	out, _ := e.fallback().ResolveMove(ctx, mc)
	return out, false
}

func (e Engine) decideWinner(ctx context.Context, dc oracle.DecisionContext) (oracle.Decision, bool) {
	if e.Oracle != nil {
		octx, cancel := context.WithTimeout(ctx, e.oracleTimeout())
		defer cancel()
		d, err := e.Oracle.DecideWinner(octx, dc)
		if err == nil && d.WinnerSquadronID != "" {
			return d, true
		}
		if err != nil {
			log.Printf("oracle: decide winner failed, using fallback: %v", err)
		}
	}
	d, _ := e.fallback().DecideWinner(ctx, dc)
	return d, false
}

func (e Engine) narrateScene(ctx context.Context, sc oracle.SceneContext) string {
	if e.Oracle != nil {
		octx, cancel := context.WithTimeout(ctx, e.oracleTimeout())
		defer cancel()
		text, err := e.Oracle.NarrateScene(octx, sc)
		if err == nil && text != "" {
			return text
		}
		if err != nil {
			log.Printf("oracle: narrate scene failed, using fallback: %v", err)
		}
	}
	text, _ := e.fallback().NarrateScene(ctx, sc)
	return text
}

// notifyAsync fires a notification without blocking the caller. Failures are
// logged only.
func (e Engine) notifyAsync(n notify.Notification) {
	sink := e.Notify
	if sink == nil {
		return
	}
	n.TS = e.ts()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sink.Notify(ctx, n); err != nil {
			log.Printf("notify: %s for battle %s failed: %v", n.Kind, n.BattleID, err)
		}
	}()
}

// memberSnapshots converts roster rows back to their frozen power snapshots.
func memberSnapshots(members []domain.RosterMember) []power.Snapshot {
	res := make([]power.Snapshot, 0, len(members))
	for _, m := range members {
		res = append(res, power.Snapshot{
			Army:           m.Army,
			Religion:       m.Religion,
			Civilization:   m.Civilization,
			Economic:       m.Economic,
			Class:          m.Class,
			Specialization: m.Specialization,
		})
	}
	return res
}

func combatTypeValid(ct string) bool {
	switch ct {
	case "military", "religious", "social", "economic":
		return true
	}
	return false
}
