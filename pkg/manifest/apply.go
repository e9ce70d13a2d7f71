package manifest

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/3leaps/gofielding/pkg/ledger"
)

// ApplyResult counts the rows Apply created. Rows that already existed are
// not counted.
type ApplyResult struct {
	RoundsCreated    int `json:"rounds_created"`
	TeamsCreated     int `json:"teams_created"`
	TargetsCreated   int `json:"targets_created"`
	ArtifactsCreated int `json:"artifacts_created"`
	RoundsSeen       int `json:"rounds_seen"`
}

// Apply seeds the ledger from m. It is idempotent: every row is looked up
// before it is inserted, so applying the same manifest twice creates nothing
// the second time. An artifact whose hash already exists under a different
// target is an error.
func Apply(ctx context.Context, db *sql.DB, m *Manifest) (*ApplyResult, error) {
	if m == nil {
		return nil, fmt.Errorf("apply manifest: nil manifest")
	}
	res := &ApplyResult{}

	roundIDs := make(map[int64]int64, len(m.Rounds))
	for _, r := range m.Rounds {
		existing, err := ledger.GetRoundByNum(ctx, db, r.Num)
		switch {
		case err == nil:
			roundIDs[r.Num] = existing.ID
		case ledger.IsNotFound(err):
			created, err := ledger.CreateRound(ctx, db, r.Num, r.EndsAt)
			if err != nil {
				return res, fmt.Errorf("apply manifest: round %d: %w", r.Num, err)
			}
			roundIDs[r.Num] = created.ID
			res.RoundsCreated++
		default:
			return res, fmt.Errorf("apply manifest: round %d: %w", r.Num, err)
		}
	}

	for _, name := range m.Teams {
		if _, err := ledger.GetTeamByName(ctx, db, name); err == nil {
			continue
		} else if !ledger.IsNotFound(err) {
			return res, fmt.Errorf("apply manifest: team %q: %w", name, err)
		}
		if _, err := ledger.EnsureTeam(ctx, db, name); err != nil {
			return res, fmt.Errorf("apply manifest: team %q: %w", name, err)
		}
		res.TeamsCreated++
	}

	for _, t := range m.Targets {
		if err := applyTarget(ctx, db, t, roundIDs, res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func applyTarget(ctx context.Context, db *sql.DB, t TargetSpec, roundIDs map[int64]int64, res *ApplyResult) error {
	target, created, err := ledger.EnsureTarget(ctx, db, t.Name)
	if err != nil {
		return fmt.Errorf("apply manifest: target %q: %w", t.Name, err)
	}
	if created {
		res.TargetsCreated++
	}

	byName := make(map[string]int64, len(t.Artifacts))
	for _, a := range t.Artifacts {
		sum := strings.ToLower(strings.TrimSpace(a.SHA256))
		existing, err := ledger.GetArtifactBySHA256(ctx, db, sum)
		if err == nil {
			if existing.TargetID != target.ID {
				return fmt.Errorf("apply manifest: artifact %q: sha256 belongs to target %d", a.Name, existing.TargetID)
			}
			byName[a.Name] = existing.ID
			continue
		}
		if !ledger.IsNotFound(err) {
			return fmt.Errorf("apply manifest: artifact %q: %w", a.Name, err)
		}

		p := ledger.ArtifactParams{TargetID: target.ID, Name: a.Name, SHA256: sum, SizeBytes: a.SizeBytes}
		if a.Parent != "" {
			parentID, ok := byName[a.Parent]
			if !ok {
				return fmt.Errorf("apply manifest: artifact %q: unknown parent %q", a.Name, a.Parent)
			}
			p.ParentID = &parentID
		}
		if a.PatchKind != "" {
			kind := a.PatchKind
			p.PatchKind = &kind
		}
		art, err := ledger.CreateArtifact(ctx, db, p)
		if err != nil {
			return fmt.Errorf("apply manifest: artifact %q: %w", a.Name, err)
		}
		byName[a.Name] = art.ID
		res.ArtifactsCreated++
	}

	for _, num := range t.SeenInRounds {
		roundID, ok := roundIDs[num]
		if !ok {
			r, err := ledger.GetRoundByNum(ctx, db, num)
			if err != nil {
				return fmt.Errorf("apply manifest: target %q seen in round %d: %w", t.Name, num, err)
			}
			roundID = r.ID
		}
		added, err := ledger.SeenInRound(ctx, db, target.ID, roundID)
		if err != nil {
			return fmt.Errorf("apply manifest: target %q seen in round %d: %w", t.Name, num, err)
		}
		if added {
			res.RoundsSeen++
		}
	}
	return nil
}
