package offgrid

import (
	"math"
	"sync/atomic"
)

type statsCollector struct {
	network   atomic.Uint64
	cache     atomic.Uint64
	offline   atomic.Uint64
	bypass    atomic.Uint64
	refreshes atomic.Uint64

	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(outcome string, respBytes int) {
	switch outcome {
	case "network":
		s.network.Add(1)
	case "cache":
		s.cache.Add(1)
	case "offline":
		s.offline.Add(1)
	case "bypass":
		s.bypass.Add(1)
	}
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

func (s *statsCollector) ObserveRefresh() {
	s.refreshes.Add(1)
}

type statsSnapshot struct {
	Network   uint64
	Cache     uint64
	Offline   uint64
	Bypass    uint64
	Refreshes uint64

	MinRespBytes uint64
	MaxRespBytes uint64
	AvgRespBytes uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		Network:      s.network.Load(),
		Cache:        s.cache.Load(),
		Offline:      s.offline.Load(),
		Bypass:       s.bypass.Load(),
		Refreshes:    s.refreshes.Load(),
		MinRespBytes: s.minRespBytes.Load(),
		MaxRespBytes: s.maxRespBytes.Load(),
	}
	count := out.Network + out.Cache + out.Offline + out.Bypass
	if count == 0 {
		out.MinRespBytes = 0
		return out
	}
	if out.MinRespBytes == math.MaxUint64 {
		out.MinRespBytes = 0
	}
	out.AvgRespBytes = s.totalRespBytes.Load() / count
	return out
}
