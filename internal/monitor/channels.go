package monitor

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ethomics/rigmonitor/internal/db"
)

// Channel type labels as they appear in the port configuration
// directory. Only labels on this list ever reach the behavior store;
// anything else is logged and skipped.
const (
	ChannelLick      = "lick"
	ChannelProximity = "proximity"
)

// channelTables maps an allowed channel type to its behavior-store
// table. Membership here is the allow-list.
var channelTables = map[string]string{
	ChannelLick:      db.TableLick,
	ChannelProximity: db.TableProximity,
}

// ChannelEvent is one event from any channel type in the generic
// discovery result. InPosition is set only for proximity events.
type ChannelEvent struct {
	Port       int   `json:"port"`
	MsTime     int64 `json:"ms_time"`
	InPosition *bool `json:"in_position,omitempty"`
}

// groupByType partitions port assignments by lowercased channel type,
// keeping the directory's port order within each type. A port may
// legitimately appear under more than one type.
func groupByType(assignments []db.PortAssignment) map[string][]int {
	byType := make(map[string][]int)
	for _, pa := range assignments {
		typ := strings.ToLower(strings.TrimSpace(pa.Type))
		byType[typ] = append(byType[typ], pa.Port)
	}
	return byType
}

// Discover queries every configured, allow-listed channel for events
// at or after thresholdMs and returns them keyed by channel type.
// Channels run concurrently. A channel whose type is off the list,
// whose table is missing, or whose query fails contributes an empty
// slice rather than failing the discovery; only cancellation of the
// caller's context aborts it. Results within a channel are ordered by
// (port, time).
func (a *Aggregator) Discover(
	ctx context.Context, animalID string, session int,
	thresholdMs int64, byType map[string][]int,
) (map[string][]ChannelEvent, error) {
	types := make([]string, 0, len(byType))
	for typ := range byType {
		types = append(types, typ)
	}
	sort.Strings(types)

	var mu sync.Mutex
	found := make(map[string][]ChannelEvent, len(types))

	g, gctx := errgroup.WithContext(ctx)
	for _, typ := range types {
		if _, ok := channelTables[typ]; !ok {
			log.Printf("warning: unknown channel type %q for %s/%d, skipping",
				typ, animalID, session)
			a.metrics.ChannelsSkipped.WithLabelValues(typ, "unlisted").Inc()
			continue
		}
		g.Go(func() error {
			qctx, cancel := context.WithTimeout(gctx, a.queryTimeout)
			defer cancel()
			start := time.Now()
			events, err := a.queryChannel(
				qctx, typ, animalID, session, thresholdMs, byType[typ])
			a.metrics.ChannelDuration.WithLabelValues(typ).
				Observe(time.Since(start).Seconds())
			if err != nil {
				// The group context dying means the request is gone;
				// anything else is a store fault this channel absorbs.
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Printf("warning: %s events for %s/%d: %v",
					typ, animalID, session, err)
				a.metrics.ChannelsSkipped.WithLabelValues(typ, "store_error").Inc()
				events = nil
			}
			mu.Lock()
			found[typ] = events
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return found, nil
}

// queryChannel dispatches one allow-listed channel type to its typed
// store query and normalizes the rows.
func (a *Aggregator) queryChannel(
	ctx context.Context, typ, animalID string, session int,
	thresholdMs int64, ports []int,
) ([]ChannelEvent, error) {
	switch typ {
	case ChannelLick:
		licks, err := a.db.LickEvents(ctx, animalID, session, thresholdMs, ports)
		if err != nil {
			return nil, err
		}
		events := make([]ChannelEvent, 0, len(licks))
		for _, e := range licks {
			events = append(events, ChannelEvent{Port: e.Port, MsTime: e.Time})
		}
		return events, nil
	case ChannelProximity:
		proxes, err := a.db.ProximityEvents(ctx, animalID, session, thresholdMs, ports)
		if err != nil {
			return nil, err
		}
		events := make([]ChannelEvent, 0, len(proxes))
		for _, e := range proxes {
			inPos := e.InPosition
			events = append(events, ChannelEvent{
				Port: e.Port, MsTime: e.Time, InPosition: &inPos,
			})
		}
		return events, nil
	}
	return nil, nil
}
