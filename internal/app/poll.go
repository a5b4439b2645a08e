package app

import (
	"context"

	"streambot/internal/collect"
	"streambot/internal/notify"
	logx "streambot/pkg/logx"
)

// PollResult counts the events one poll produced.
type PollResult struct {
	Online   int
	Updated  int
	Offline  int
	TimedOut int
}

// Poll collects the live state of channelIDs from src and routes the
// differences: new streams go online, known streams are updated and known
// streams missing from the result go offline. Channels that timed out keep
// their previous state.
func (a *App) Poll(ctx context.Context, src collect.Source, channelIDs []string, process collect.Process) PollResult {
	res := a.collector.Collect(ctx, src, channelIDs, process)

	var out PollResult
	out.TimedOut = len(res.Timeouts)
	unknown := map[string]bool{}
	for _, id := range res.Timeouts {
		unknown[id] = true
	}
	polled := map[string]bool{}
	for _, id := range channelIDs {
		polled[id] = true
	}
	seen := map[string]bool{}
	known := map[string]bool{}
	for _, ls := range a.registry.Live(src.Service()) {
		known[ls.ID] = true
	}

	for _, s := range res.Streams {
		seen[s.ID] = true
		typ := EventOnline
		if known[s.ID] {
			typ = EventUpdate
			out.Updated++
		} else {
			out.Online++
		}
		a.route(ctx, &Event{Type: typ, Stream: s})
	}
	for _, ls := range a.registry.Live(src.Service()) {
		if seen[ls.ID] || !polled[ls.ChannelID] || unknown[ls.ChannelID] {
			continue
		}
		out.Offline++
		a.log.Debug("stream went offline", logx.String("stream", ls.ID))
		a.route(ctx, &Event{Type: EventOffline, Stream: &notify.Stream{ID: ls.ID}})
	}
	return out
}
