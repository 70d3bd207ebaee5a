package catalog

import (
	"testing"
	"time"

	"launchwatch/internal/models"
)

func candidate(id int64, symbol string, launchedAgo time.Duration, now time.Time) models.Project {
	t0 := now.Add(-launchedAgo)
	return models.Project{
		ID:           id,
		Symbol:       symbol,
		Status:       models.StatusUndergrad,
		PreTokenPair: "0xA000000000000000000000000000000000000000",
		CreatedAt:    t0.Add(-time.Hour),
		LaunchedAt:   &t0,
	}
}

func TestSelectProject_PrefersInWindow(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	candidates := []models.Project{
		candidate(1, "AAA", 30*time.Minute, now),
		candidate(2, "BBB", 200*time.Minute, now),
	}

	got := SelectProject(candidates, now, 100*time.Minute, 0, "")
	if got == nil || got.ID != 1 {
		t.Fatalf("selected %+v, want id=1", got)
	}
}

func TestSelectProject_Deterministic(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	candidates := []models.Project{
		candidate(3, "CCC", 10*time.Minute, now),
		candidate(1, "AAA", 10*time.Minute, now),
		candidate(2, "BBB", 10*time.Minute, now),
	}

	first := SelectProject(candidates, now, 100*time.Minute, 0, "")
	for i := 0; i < 20; i++ {
		shuffled := []models.Project{candidates[i%3], candidates[(i+1)%3], candidates[(i+2)%3]}
		got := SelectProject(shuffled, now, 100*time.Minute, 0, "")
		if got == nil || got.ID != first.ID {
			t.Fatalf("selection changed across orderings: %v vs %v", got, first)
		}
	}
	// Equal anchors tie-break on the lowest id.
	if first.ID != 1 {
		t.Errorf("tie-break picked id=%d, want 1", first.ID)
	}
}

func TestSelectProject_FiltersIneligible(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	graduated := candidate(1, "AAA", 30*time.Minute, now)
	graduated.LpAddress = "0xB000000000000000000000000000000000000000"

	noCurve := candidate(2, "BBB", 30*time.Minute, now)
	noCurve.PreTokenPair = ""

	wrongStatus := candidate(3, "CCC", 30*time.Minute, now)
	wrongStatus.Status = models.StatusInitialized

	if got := SelectProject([]models.Project{graduated, noCurve, wrongStatus}, now, 100*time.Minute, 0, ""); got != nil {
		t.Errorf("selected ineligible candidate %+v", got)
	}
}

func TestSelectProject_FallbackBoundedByAge(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	// Both outside the tax window; only id=1 inside the age bound.
	candidates := []models.Project{
		candidate(1, "AAA", 150*time.Minute, now),
		candidate(2, "BBB", 400*time.Minute, now),
	}

	got := SelectProject(candidates, now, 100*time.Minute, 180*time.Minute, "")
	if got == nil || got.ID != 1 {
		t.Fatalf("selected %+v, want id=1 via age-bounded fallback", got)
	}

	// When the bound empties the set the full fallback set stays usable.
	got = SelectProject(candidates, now, 100*time.Minute, 60*time.Minute, "")
	if got == nil || got.ID != 1 {
		t.Fatalf("selected %+v, want most recent fallback", got)
	}
}

func TestSelectProject_PreferredTickerWins(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	candidates := []models.Project{
		candidate(1, "AAA", 10*time.Minute, now),
		candidate(2, "vader", 50*time.Minute, now),
	}

	got := SelectProject(candidates, now, 100*time.Minute, 0, "VADER")
	if got == nil || got.ID != 2 {
		t.Fatalf("selected %+v, want ticker override id=2", got)
	}
}

func TestResolve_PoolType(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	curve := candidate(1, "AAA", 10*time.Minute, now)
	sel := Resolve(curve)
	if sel.PoolType != models.PoolCurve || sel.PoolAddress != curve.PreTokenPair {
		t.Errorf("curve resolve: %+v", sel)
	}
	if !sel.T0.Equal(curve.AnchorT0()) {
		t.Errorf("t0 = %s, want anchor", sel.T0)
	}

	amm := candidate(2, "BBB", 10*time.Minute, now)
	amm.LpAddress = "0xB000000000000000000000000000000000000000"
	sel = Resolve(amm)
	if sel.PoolType != models.PoolAMMV2 || sel.PoolAddress != amm.LpAddress {
		t.Errorf("amm resolve: %+v", sel)
	}
}

func TestBackoffDelay(t *testing.T) {
	cases := map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		5: 16 * time.Second,
		6: 30 * time.Second,
		9: 30 * time.Second,
	}
	for n, want := range cases {
		if got := backoffDelay(n); got != want {
			t.Errorf("backoffDelay(%d) = %s, want %s", n, got, want)
		}
	}
}
