package catalog

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"launchwatch/internal/models"
)

// SelectProject applies the launch selection policy to a merged candidate
// set. It is deterministic: identical inputs always yield the same pick.
//
//  1. Keep undergrad candidates with a curve pair and no graduated pool.
//  2. Anchor each at T0 = launchedAt ?? lpCreatedAt ?? createdAt; drop
//     candidates with a non-positive anchor.
//  3. Prefer candidates whose tax window [T0, T0+taxWindow] contains now,
//     most recent first. When none is in-window fall back to the full set,
//     bounded by maxAge when configured.
//  4. A candidate matching the preferred ticker wins within the chosen set.
func SelectProject(candidates []models.Project, now time.Time, taxWindow, maxAge time.Duration, preferredTicker string) *models.Project {
	type anchored struct {
		p  models.Project
		t0 time.Time
	}

	var eligible []anchored
	for _, p := range candidates {
		if p.Status != models.StatusUndergrad || p.PreTokenPair == "" || p.LpAddress != "" {
			continue
		}
		t0 := p.AnchorT0()
		if t0.Unix() <= 0 {
			continue
		}
		eligible = append(eligible, anchored{p: p, t0: t0})
	}
	if len(eligible) == 0 {
		return nil
	}

	var inWindow []anchored
	for _, a := range eligible {
		if !now.Before(a.t0) && !now.After(a.t0.Add(taxWindow)) {
			inWindow = append(inWindow, a)
		}
	}

	chosen := inWindow
	if len(chosen) == 0 {
		chosen = eligible
		if maxAge > 0 {
			bounded := chosen[:0]
			cutoff := now.Add(-maxAge)
			for _, a := range chosen {
				if !a.t0.Before(cutoff) {
					bounded = append(bounded, a)
				}
			}
			if len(bounded) > 0 {
				chosen = bounded
			}
		}
	}

	sort.SliceStable(chosen, func(i, j int) bool {
		if !chosen[i].t0.Equal(chosen[j].t0) {
			return chosen[i].t0.After(chosen[j].t0)
		}
		return chosen[i].p.ID < chosen[j].p.ID
	})

	if preferredTicker != "" {
		for _, a := range chosen {
			if strings.EqualFold(a.p.Symbol, preferredTicker) {
				p := a.p
				return &p
			}
		}
	}
	p := chosen[0].p
	return &p
}

// Resolve maps a chosen project to the pool the monitors should watch.
func Resolve(p models.Project) models.SelectedProject {
	sel := models.SelectedProject{
		Project: p,
		T0:      p.AnchorT0(),
	}
	if p.LpAddress != "" {
		sel.PoolAddress = p.LpAddress
		sel.PoolType = models.PoolAMMV2
	} else {
		sel.PoolAddress = p.PreTokenPair
		sel.PoolType = models.PoolCurve
	}
	return sel
}

// DiscoverProject polls the catalog until the selection policy yields a
// candidate. Each iteration fetches the createdAt and launchedAt sorts
// concurrently and merges them by id. Any successful fetch resets the
// consecutive-failure counter; ten consecutive failures are fatal.
func (c *Client) DiscoverProject(ctx context.Context) (*models.SelectedProject, error) {
	failures := 0
	for {
		candidates, err := c.fetchDiscoverCandidates(ctx)
		if err != nil {
			failures++
			if failures >= maxDiscoverFails {
				return nil, fmt.Errorf("discovery: %d consecutive catalog failures: %w", failures, err)
			}
			delay := backoffDelay(failures)
			log.Printf("[catalog] discovery fetch failed (%d consecutive): %v; retrying in %s", failures, err, delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		failures = 0

		if p := SelectProject(candidates, time.Now(), c.taxWindow, c.maxProjectAge, c.preferredTicker); p != nil {
			sel := Resolve(*p)
			log.Printf("[catalog] selected project id=%d symbol=%s pool=%s type=%s t0=%s",
				p.ID, p.Symbol, sel.PoolAddress, sel.PoolType, sel.T0.UTC().Format(time.RFC3339))
			return &sel, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

func (c *Client) fetchDiscoverCandidates(ctx context.Context) ([]models.Project, error) {
	var byCreated, byLaunched []models.Project

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		byCreated, _, err = c.ListBySort(gctx, SortCreatedAt, 1, discoverPageSize)
		return err
	})
	g.Go(func() error {
		var err error
		byLaunched, _, err = c.ListBySort(gctx, SortLaunchedAt, 1, discoverPageSize)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return mergeByID(byCreated, byLaunched), nil
}

// backoffDelay is min(1s * 2^(n-1), 30s) for the nth consecutive failure.
func backoffDelay(failures int) time.Duration {
	d := time.Second << uint(failures-1)
	if d > 30*time.Second || d <= 0 {
		d = 30 * time.Second
	}
	return d
}
