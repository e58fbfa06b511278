package memledger

import (
	"fmt"
	"sort"

	"fleetpilot.ai/internal/persistence/snapshot"
	"fleetpilot.ai/internal/sim/fleet"
)

// Export captures the ledger state for persistence.
func (l *Ledger) Export(cluster string) snapshot.LedgerV1 {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := snapshot.LedgerV1{
		Header: snapshot.Header{
			Version:   snapshot.Version,
			Cluster:   cluster,
			TakenAtMS: l.now().UnixMilli(),
			TxSeq:     l.txSeq,
		},
		Withdrawn: make(map[string]int64, len(l.withdrawn)),
	}
	for _, s := range l.fleets {
		out.Fleets = append(out.Fleets, *s)
	}
	sort.Slice(out.Fleets, func(i, j int) bool { return out.Fleets[i].ID < out.Fleets[j].ID })
	for _, src := range l.sources {
		out.Sources = append(out.Sources, src)
	}
	sort.Slice(out.Sources, func(i, j int) bool { return out.Sources[i].ID < out.Sources[j].ID })
	for id, at := range l.docks {
		out.Docks = append(out.Docks, snapshot.DockV1{ID: id, Location: at})
	}
	sort.Slice(out.Docks, func(i, j int) bool { return out.Docks[i].ID < out.Docks[j].ID })
	for mint, n := range l.withdrawn {
		out.Withdrawn[mint] = n
	}
	return out
}

// TxSeq is the number of broadcast transactions so far.
func (l *Ledger) TxSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.txSeq
}

// Import replaces the ledger state with snap. Pending faults are dropped.
func (l *Ledger) Import(snap snapshot.LedgerV1) error {
	if snap.Header.Version != snapshot.Version {
		return fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.fleets = make(map[fleet.EntityID]*fleet.Snapshot, len(snap.Fleets))
	for i := range snap.Fleets {
		s := snap.Fleets[i]
		if s.ID == "" {
			return fmt.Errorf("snapshot fleet %d has empty id", i)
		}
		l.fleets[s.ID] = &s
	}
	l.sources = make(map[string]fleet.Source, len(snap.Sources))
	for _, src := range snap.Sources {
		l.sources[src.ID] = src
	}
	l.docks = make(map[string]fleet.Coord, len(snap.Docks))
	l.dockAt = make(map[fleet.Coord]string, len(snap.Docks))
	for _, d := range snap.Docks {
		l.docks[d.ID] = d.Location
		l.dockAt[d.Location] = d.ID
	}
	l.withdrawn = map[string]int64{}
	for mint, n := range snap.Withdrawn {
		l.withdrawn[mint] = n
	}
	l.faults = map[fleet.EntityID][]error{}
	l.txSeq = snap.Header.TxSeq
	return nil
}
