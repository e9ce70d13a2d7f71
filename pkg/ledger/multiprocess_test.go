package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openSharedLedger migrates a file ledger and returns n independent handles on
// it, each with its own connection, the way separate worker processes see it.
func openSharedLedger(t *testing.T, n int) (context.Context, *sql.DB, []*sql.DB) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	primary, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = primary.Close() })
	require.NoError(t, Migrate(ctx, primary))

	handles := make([]*sql.DB, n)
	for i := range handles {
		db, err := Open(ctx, Config{Path: path})
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		handles[i] = db
	}
	return ctx, primary, handles
}

// race runs fn once per handle, all released at the same instant.
func race(handles []*sql.DB, fn func(i int, db *sql.DB)) {
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
	)
	for i, db := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			fn(i, db)
		}()
	}
	close(start)
	wg.Wait()
}

func TestSharedFileSubmitRace(t *testing.T) {
	const callers = 16
	ctx, primary, handles := openSharedLedger(t, callers)
	tg := mustTarget(t, ctx, primary, "cs-1")
	self := mustTeam(t, ctx, primary, "self")
	mustOpenRound(t, ctx, primary, 1)
	a := mustArtifact(t, ctx, primary, tg.ID, nil, "bin")

	var (
		mu        sync.Mutex
		succeeded int
		conflicts int
		other     []error
	)
	race(handles, func(_ int, db *sql.DB) {
		_, err := Submit(ctx, db, SubmitParams{TargetID: tg.ID, TeamID: self.ID, ArtifactIDs: []int64{a.ID}})
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err == nil:
			succeeded++
		case IsUniqueViolation(err):
			conflicts++
		default:
			other = append(other, err)
		}
	})

	assert.Empty(t, other, "losers must see a uniqueness violation, not a lock error")
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, callers-1, conflicts)

	fieldings, err := ListFieldings(ctx, primary, tg.ID)
	require.NoError(t, err)
	assert.Len(t, fieldings, 1)
}

func TestSharedFileEnqueueRace(t *testing.T) {
	const callers = 16
	ctx, primary, handles := openSharedLedger(t, callers)
	tg := mustTarget(t, ctx, primary, "cs-1")
	a := mustArtifact(t, ctx, primary, tg.ID, nil, "bin")

	var (
		mu      sync.Mutex
		created int
		ids     = make(map[int64]struct{})
		errs    []error
	)
	race(handles, func(_ int, db *sql.DB) {
		job, ok, err := EnqueueJob(ctx, db, JobSpec{
			ArtifactID: a.ID,
			Kind:       KindDriller,
			Payload:    json.RawMessage(`{"test_id": 5}`),
		})
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = append(errs, err)
			return
		}
		if ok {
			created++
		}
		ids[job.ID] = struct{}{}
	})

	assert.Empty(t, errs, "duplicates must report already queued, not fail")
	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)

	jobs, err := ListJobs(ctx, primary, JobFilter{ArtifactID: a.ID, Kind: KindDriller})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestSharedFileClaimAndProcessRace(t *testing.T) {
	const callers = 8
	ctx, primary, handles := openSharedLedger(t, callers)
	tg := mustTarget(t, ctx, primary, "cs-1")
	a := mustArtifact(t, ctx, primary, tg.ID, nil, "bin")
	_, _, err := EnqueueJob(ctx, primary, JobSpec{ArtifactID: a.ID, Kind: KindFuzzer})
	require.NoError(t, err)
	cable, err := CreateCable(ctx, primary, CableParams{TargetID: tg.ID, ArtifactIDs: []int64{a.ID}})
	require.NoError(t, err)

	var (
		mu        sync.Mutex
		claims    int
		processed int
		errs      []error
	)
	race(handles, func(_ int, db *sql.DB) {
		_, claimErr := ClaimJob(ctx, db, KindFuzzer, time.Now())
		ok, processErr := ProcessCable(ctx, db, cable.ID, time.Now())
		mu.Lock()
		defer mu.Unlock()
		switch {
		case claimErr == nil:
			claims++
		case !IsNotFound(claimErr):
			errs = append(errs, claimErr)
		}
		if processErr != nil {
			errs = append(errs, processErr)
		} else if ok {
			processed++
		}
	})

	assert.Empty(t, errs)
	assert.Equal(t, 1, claims, "exactly one claimer starts the job")
	assert.Equal(t, 1, processed, "exactly one caller consumes the cable")
}

func TestSharedFileSpecializeAndClaimRace(t *testing.T) {
	const callers = 8
	ctx, primary, handles := openSharedLedger(t, callers)
	tg := mustTarget(t, ctx, primary, "cs-1")
	a := mustArtifact(t, ctx, primary, tg.ID, nil, "bin")
	base, _, err := EnqueueJob(ctx, primary, JobSpec{ArtifactID: a.ID, Kind: KindDefault})
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		won  int
		errs []error
	)
	race(handles, func(i int, db *sql.DB) {
		var err error
		if i%2 == 0 {
			_, err = ClaimJob(ctx, db, KindDefault, time.Now())
		} else {
			_, err = SpecializeJob(ctx, db, base.ID, KindTester, json.RawMessage(`{"test_id": 7}`))
		}
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err == nil:
			won++
		case IsInvariantViolation(err), IsNotFound(err):
		default:
			errs = append(errs, err)
		}
	})

	assert.Empty(t, errs)
	assert.Equal(t, 1, won, "a default job is either claimed or specialized, not both")

	job, err := GetJob(ctx, primary, base.ID)
	require.NoError(t, err)
	if job.Kind == KindTester {
		assert.Equal(t, JobCreated, job.State())
	} else {
		assert.Equal(t, JobStarted, job.State())
	}
}
