package aggregate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/scarecrow-farm/scarecrow-server/internal/models"
	"github.com/scarecrow-farm/scarecrow-server/internal/storage"
)

// Window is a half-open aggregation time range [Start, End)
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Prior returns the window of equal length immediately before w
func (w Window) Prior() Window {
	d := w.End.Sub(w.Start)
	return Window{Start: w.Start.Add(-d), End: w.Start}
}

// Contains reports whether t falls inside the window
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Today returns the current calendar day in now's location
func Today(now time.Time) Window {
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return Window{Start: start, End: start.Add(24 * time.Hour)}
}

// Yesterday returns the previous calendar day
func Yesterday(now time.Time) Window {
	return Today(now).Prior()
}

// ThisWeek returns the trailing seven days ending at the end of today
func ThisWeek(now time.Time) Window {
	today := Today(now)
	return Window{Start: today.End.Add(-7 * 24 * time.Hour), End: today.End}
}

// TrendKind classifies a percent change against the prior window
type TrendKind string

const (
	TrendFlat TrendKind = "flat"
	TrendUp   TrendKind = "up"
	TrendDown TrendKind = "down"
	// TrendNew is the sentinel for a prior-window count of zero: the
	// change is unbounded and rendering is a display-layer decision.
	TrendNew TrendKind = "new"
)

// Trend is a percent change vs the prior window. Percent is undefined
// when Kind is TrendNew.
type Trend struct {
	Kind    TrendKind `json:"kind"`
	Percent float64   `json:"percent,omitempty"`
}

func trendOf(prior, current int) Trend {
	switch {
	case prior == 0 && current == 0:
		return Trend{Kind: TrendFlat}
	case prior == 0:
		return Trend{Kind: TrendNew}
	}

	pct := float64(current-prior) / float64(prior) * 100
	switch {
	case pct > 0:
		return Trend{Kind: TrendUp, Percent: pct}
	case pct < 0:
		return Trend{Kind: TrendDown, Percent: pct}
	default:
		return Trend{Kind: TrendFlat}
	}
}

// SpeciesCount is a per-species rollup within a window
type SpeciesCount struct {
	Species string `json:"species"`
	Count   int    `json:"count"`
	Trend   Trend  `json:"trend"`
}

// Summary is the dashboard rollup for a device set and window
type Summary struct {
	Window            Window         `json:"window"`
	TotalEvents       int            `json:"totalEvents"`
	AlertCount        int            `json:"alertCount"`
	OfflineEventCount int            `json:"offlineEventCount"`
	Species           []SpeciesCount `json:"species"`
	Trend             Trend          `json:"trend"`
}

type tally struct {
	total   int
	alerts  int
	offline int
	species map[string]int
}

type cacheEntry struct {
	deviceIDs []string
	window    Window
	summary   *Summary
}

// Engine computes window summaries from the event log. Results are a
// pure function of the log: Summarize replays the window oldest-first,
// and the cache holds only summaries that Invalidate drops as soon as
// an append lands inside the window or its prior window.
type Engine struct {
	store storage.Store

	mu    sync.Mutex
	cache map[string]*cacheEntry
	// gen counts invalidations. A summary computed from a replay that
	// started before an invalidation landed must not be cached: the
	// entry key may not have existed when Invalidate ran, so deletion
	// alone cannot catch it.
	gen uint64
}

// NewEngine creates an aggregation engine
func NewEngine(store storage.Store) *Engine {
	return &Engine{
		store: store,
		cache: make(map[string]*cacheEntry),
	}
}

func cacheKey(deviceIDs []string, w Window) string {
	return fmt.Sprintf("%s|%d|%d", strings.Join(deviceIDs, ","), w.Start.UnixNano(), w.End.UnixNano())
}

// Summarize produces the rollup for a device set over a window. An
// empty device set means all devices.
func (e *Engine) Summarize(ctx context.Context, deviceIDs []string, w Window) (*Summary, error) {
	ids := append([]string(nil), deviceIDs...)
	sort.Strings(ids)
	key := cacheKey(ids, w)

	e.mu.Lock()
	if entry, ok := e.cache[key]; ok {
		summary := *entry.summary
		e.mu.Unlock()
		return &summary, nil
	}
	gen := e.gen
	e.mu.Unlock()

	current, err := e.replay(ctx, ids, w)
	if err != nil {
		return nil, err
	}

	prior, err := e.replay(ctx, ids, w.Prior())
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		Window:            w,
		TotalEvents:       current.total,
		AlertCount:        current.alerts,
		OfflineEventCount: current.offline,
		Trend:             trendOf(prior.total, current.total),
	}

	for species, count := range current.species {
		summary.Species = append(summary.Species, SpeciesCount{
			Species: species,
			Count:   count,
			Trend:   trendOf(prior.species[species], count),
		})
	}
	sort.Slice(summary.Species, func(i, j int) bool {
		if summary.Species[i].Count != summary.Species[j].Count {
			return summary.Species[i].Count > summary.Species[j].Count
		}
		return summary.Species[i].Species < summary.Species[j].Species
	})

	e.mu.Lock()
	if e.gen == gen {
		e.cache[key] = &cacheEntry{deviceIDs: ids, window: w, summary: summary}
	}
	e.mu.Unlock()

	cp := *summary
	return &cp, nil
}

// Invalidate drops cached summaries affected by an event appended for
// deviceID at the given timestamp.
func (e *Engine) Invalidate(deviceID string, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.gen++
	for key, entry := range e.cache {
		if !entry.window.Contains(at) && !entry.window.Prior().Contains(at) {
			continue
		}
		if len(entry.deviceIDs) > 0 && !containsID(entry.deviceIDs, deviceID) {
			continue
		}
		delete(e.cache, key)
	}
}

func containsID(ids []string, id string) bool {
	i := sort.SearchStrings(ids, id)
	return i < len(ids) && ids[i] == id
}

// replay tallies one window from the log, oldest-first
func (e *Engine) replay(ctx context.Context, deviceIDs []string, w Window) (*tally, error) {
	start := w.Start
	end := w.End
	events, _, err := e.store.QueryEvents(ctx, storage.EventFilter{
		DeviceIDs: deviceIDs,
		Start:     &start,
		End:       &end,
		Order:     storage.OrderAsc,
	})
	if err != nil {
		return nil, fmt.Errorf("replay window: %w", err)
	}

	t := &tally{species: make(map[string]int)}
	for _, event := range events {
		t.total++
		if event.Severity == models.SeverityAlert {
			t.alerts++
		}
		switch event.Category {
		case models.CategoryConnectivityChange:
			if event.Payload.String(models.PayloadState) == string(models.ConnStateOffline) {
				t.offline++
			}
		case models.CategoryBirdDetection:
			t.species[event.Species()] += event.BirdCount()
		}
	}

	return t, nil
}
