package internal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// SeriesLink is a pending association between a book and a series position,
// produced by enrichment and imports. Links are buffered and applied by a
// single goroutine so concurrent writers can't interleave series rows.
type SeriesLink struct {
	SeriesName string
	Total      int
	Position   int
	BookID     int64
	Status     VolumeStatus
	Source     string
}

// SeriesReport is the integrity picture of one series. Valid means the owned
// count fits the declared total (an undeclared total fits everything);
// Correctable means reconciliation can restore validity by raising the total.
// Healthy is stricter: no missing positions, duplicates or orphans at all.
type SeriesReport struct {
	Series        Series         `json:"series"`
	OwnedCount    int            `json:"ownedCount"`
	VolumeCount   int            `json:"volumeCount"`
	DeclaredTotal int            `json:"declaredTotal"`
	ProposedTotal int            `json:"proposedTotal"`
	Missing       []int          `json:"missing,omitempty"`
	Duplicates    []SeriesVolume `json:"duplicates,omitempty"`
	Orphans       []SeriesVolume `json:"orphans,omitempty"`
	Valid         bool           `json:"valid"`
	Correctable   bool           `json:"correctable"`
	Healthy       bool           `json:"healthy"`
	Score         int            `json:"score"`
}

// Integrity validates and repairs series bookkeeping. All link writes funnel
// through one channel; Run drains it for the life of the process.
type Integrity struct {
	gw      Gateway
	links   chan SeriesLink
	metrics *seriesMetrics
}

func NewIntegrity(gw Gateway, metrics *seriesMetrics) *Integrity {
	return &Integrity{
		gw:      gw,
		links:   make(chan SeriesLink, 256),
		metrics: metrics,
	}
}

// Link queues a series association. Blocks only when the buffer is full,
// which back-pressures bulk imports instead of dropping links.
func (x *Integrity) Link(ctx context.Context, link SeriesLink) error {
	if link.SeriesName == "" {
		return nil
	}
	select {
	case x.links <- link:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run applies queued links until the context ends. Start exactly once.
func (x *Integrity) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case link := <-x.links:
			if err := x.Apply(ctx, link); err != nil {
				Log(ctx).Warn("problem applying series link",
					"series", link.SeriesName, "position", link.Position, "err", err)
			}
		}
	}
}

// Apply writes one link: the series row first, then the volume row, in one
// transaction. Exported for tests and synchronous callers.
func (x *Integrity) Apply(ctx context.Context, link SeriesLink) error {
	return x.gw.Transact(ctx, func(gw Gateway) error {
		series, err := gw.UpsertSeries(ctx, Series{
			Name:         link.SeriesName,
			TotalVolumes: link.Total,
			Source:       link.Source,
		})
		if err != nil {
			return err
		}
		if link.Position <= 0 {
			return nil
		}
		status := link.Status
		if status == "" {
			status = VolumeOwned
		}
		return gw.PutVolume(ctx, SeriesVolume{
			SeriesID: series.ID,
			Position: link.Position,
			BookID:   link.BookID,
			Status:   status,
		})
	})
}

// Validate inspects one series without changing anything.
func (x *Integrity) Validate(ctx context.Context, name string) (*SeriesReport, error) {
	series, err := x.gw.SeriesByName(ctx, name)
	if err != nil {
		return nil, err
	}
	vols, err := x.gw.VolumesBySeries(ctx, series.ID)
	if err != nil {
		return nil, err
	}
	return x.inspect(ctx, *series, vols)
}

func (x *Integrity) inspect(ctx context.Context, series Series, vols []SeriesVolume) (*SeriesReport, error) {
	report := &SeriesReport{
		Series:        series,
		DeclaredTotal: series.TotalVolumes,
	}

	byPosition := map[int][]SeriesVolume{}
	for _, v := range vols {
		byPosition[v.Position] = append(byPosition[v.Position], v)
		if v.Status == VolumeOwned {
			report.OwnedCount++
		}
	}

	// Duplicate positions: keep the volume whose book still exists, falling
	// back to the oldest row; everything else is a duplicate.
	observed := make([]int, 0, len(byPosition))
	for pos, group := range byPosition {
		observed = append(observed, pos)
		if len(group) < 2 {
			continue
		}
		keep := -1
		for i, v := range group {
			if v.BookID == 0 {
				continue
			}
			if _, err := x.gw.BookByID(ctx, v.BookID); err == nil {
				keep = i
				break
			}
		}
		if keep < 0 {
			oldest := 0
			for i, v := range group {
				if v.CreatedAt.Before(group[oldest].CreatedAt) {
					oldest = i
				}
			}
			keep = oldest
		}
		for i, v := range group {
			if i != keep {
				report.Duplicates = append(report.Duplicates, v)
			}
		}
	}
	sort.Ints(observed)

	// Orphans: a volume pointing at a book that no longer exists.
	for _, v := range vols {
		if v.BookID == 0 {
			continue
		}
		if _, err := x.gw.BookByID(ctx, v.BookID); errors.Is(err, errNotFound) {
			report.Orphans = append(report.Orphans, v)
		} else if err != nil {
			return nil, err
		}
	}

	// An owned position past the declared total extends the series: the
	// proposal covers the highest observed position, not just the counts.
	maxObserved := 0
	if len(observed) > 0 {
		maxObserved = observed[len(observed)-1]
	}
	report.VolumeCount = len(observed)
	report.ProposedTotal = max(report.DeclaredTotal, report.OwnedCount, len(observed), maxObserved)
	seen := map[int]bool{}
	for _, pos := range observed {
		seen[pos] = true
	}
	for pos := 1; pos <= report.ProposedTotal; pos++ {
		if !seen[pos] {
			report.Missing = append(report.Missing, pos)
		}
	}

	report.Valid = report.DeclaredTotal <= 0 || report.OwnedCount <= report.DeclaredTotal
	report.Correctable = !report.Valid && report.OwnedCount <= report.ProposedTotal
	report.Score = healthScore(report)
	report.Healthy = len(report.Missing) == 0 && len(report.Duplicates) == 0 && len(report.Orphans) == 0
	if x.metrics != nil {
		x.metrics.observeHealth(series.Name, report.Score)
	}
	return report, nil
}

func healthScore(r *SeriesReport) int {
	score := 100
	score -= 10 * len(r.Missing)
	score -= 5 * len(r.Duplicates)
	score -= 15 * len(r.Orphans)
	return max(score, 0)
}

// Reconcile repairs one series in a single transaction: duplicates and
// orphans are removed, missing positions gain placeholder volumes, and the
// declared total is raised to the proposed total. Returns the post-repair
// report.
func (x *Integrity) Reconcile(ctx context.Context, name string) (*SeriesReport, error) {
	report, err := x.Validate(ctx, name)
	if err != nil {
		return nil, err
	}

	err = x.gw.Transact(ctx, func(gw Gateway) error {
		for _, v := range report.Duplicates {
			if err := gw.RemoveVolume(ctx, v.SeriesID, v.Position, v.BookID); err != nil && !errors.Is(err, errNotFound) {
				return err
			}
		}
		for _, v := range report.Orphans {
			if err := gw.RemoveVolume(ctx, v.SeriesID, v.Position, v.BookID); err != nil && !errors.Is(err, errNotFound) {
				return err
			}
		}
		for _, pos := range report.Missing {
			err := gw.PutVolume(ctx, SeriesVolume{
				SeriesID:  report.Series.ID,
				Position:  pos,
				Status:    VolumeMissing,
				CreatedAt: time.Now().UTC(),
			})
			if err != nil {
				return err
			}
		}
		if report.ProposedTotal > report.DeclaredTotal {
			_, err := gw.UpsertSeries(ctx, Series{
				Name:         report.Series.Name,
				TotalVolumes: report.ProposedTotal,
				Ongoing:      report.Series.Ongoing,
			})
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if x.metrics != nil {
		x.metrics.reconcileInc()
	}
	return x.Validate(ctx, name)
}

// SeriesAudit buckets every known series by validity.
type SeriesAudit struct {
	Valid       []SeriesReport `json:"valid"`
	Correctable []SeriesReport `json:"correctable"`
	Invalid     []SeriesReport `json:"invalid"`
}

// All flattens the buckets, valid first.
func (a *SeriesAudit) All() []SeriesReport {
	out := make([]SeriesReport, 0, len(a.Valid)+len(a.Correctable)+len(a.Invalid))
	out = append(out, a.Valid...)
	out = append(out, a.Correctable...)
	return append(out, a.Invalid...)
}

// AuditAll validates every known series and buckets the reports: valid,
// invalid-but-correctable, and invalid beyond what Reconcile can repair.
func (x *Integrity) AuditAll(ctx context.Context) (*SeriesAudit, error) {
	all, err := x.gw.ListSeries(ctx)
	if err != nil {
		return nil, err
	}
	audit := &SeriesAudit{}
	for _, s := range all {
		report, err := x.Validate(ctx, s.Name)
		if err != nil {
			return nil, err
		}
		switch {
		case report.Valid:
			audit.Valid = append(audit.Valid, *report)
		case report.Correctable:
			audit.Correctable = append(audit.Correctable, *report)
		default:
			audit.Invalid = append(audit.Invalid, *report)
		}
	}
	return audit, nil
}

// HealthScore is the share of valid series, 0 to 100. An empty library
// scores 100.
func (x *Integrity) HealthScore(ctx context.Context) (int, *SeriesAudit, error) {
	audit, err := x.AuditAll(ctx)
	if err != nil {
		return 0, nil, err
	}
	total := len(audit.Valid) + len(audit.Correctable) + len(audit.Invalid)
	if total == 0 {
		return 100, audit, nil
	}
	return 100 * len(audit.Valid) / total, audit, nil
}

// CheckUpdateTotal rejects a declared-total change that would contradict
// what the library already holds.
func (x *Integrity) CheckUpdateTotal(ctx context.Context, name string, newTotal int) error {
	if newTotal < 0 {
		return fmt.Errorf("%w: total must not be negative", errBadRequest)
	}
	series, err := x.gw.SeriesByName(ctx, name)
	if err != nil {
		return err
	}
	vols, err := x.gw.VolumesBySeries(ctx, series.ID)
	if err != nil {
		return err
	}
	owned, maxPos := 0, 0
	for _, v := range vols {
		if v.Status == VolumeOwned {
			owned++
			if v.Position > maxPos {
				maxPos = v.Position
			}
		}
	}
	if newTotal > 0 && newTotal < maxPos {
		return fmt.Errorf("%w: total %d below owned position %d", errBadRequest, newTotal, maxPos)
	}
	if newTotal > 0 && newTotal < owned {
		return fmt.Errorf("%w: total %d below %d owned volumes", errBadRequest, newTotal, owned)
	}
	return nil
}

// CheckMarkOwned vets marking a position as owned. A position beyond a
// completed series' declared total is flagged with a warning, never blocked;
// only a non-positive position is an error.
func (x *Integrity) CheckMarkOwned(ctx context.Context, name string, position int) (string, error) {
	if position <= 0 {
		return "", fmt.Errorf("%w: position must be positive", errBadRequest)
	}
	series, err := x.gw.SeriesByName(ctx, name)
	if err != nil {
		return "", err
	}
	if series.TotalVolumes > 0 && position > series.TotalVolumes && !series.Ongoing {
		return fmt.Sprintf("position %d exceeds declared total %d", position, series.TotalVolumes), nil
	}
	return "", nil
}
