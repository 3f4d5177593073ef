// stats.go - 代码缓存统计

package jit

// Stats 代码缓存统计快照
type Stats struct {
	CommittedMethods int64 `json:"committed_methods"`
	FailedCommits    int64 `json:"failed_commits"`
	LiveEntries      int   `json:"live_entries"`
	ProfilingInfos   int   `json:"profiling_infos"`

	CodeBytesUsed uint64 `json:"code_bytes_used"`
	DataBytesUsed uint64 `json:"data_bytes_used"`

	CurrentCapacity uint64 `json:"current_capacity"`
	MaxCapacity     uint64 `json:"max_capacity"`
	SingleView      bool   `json:"single_view"`

	Collections      int64 `json:"collections"`
	CollectedEntries int64 `json:"collected_entries"`
	LastCollectionNs int64 `json:"last_collection_ns"`
}

// Stats 返回统计快照
func (c *CodeCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		CommittedMethods: c.committed.Load(),
		FailedCommits:    c.failedCommits.Load(),
		LiveEntries:      c.reg.size(),
		ProfilingInfos:   len(c.reg.profiling),
		CodeBytesUsed:    uint64(c.region.CodeBytesUsed()),
		DataBytesUsed:    uint64(c.region.DataBytesUsed()),
		CurrentCapacity:  uint64(c.region.CurrentCapacity()),
		MaxCapacity:      uint64(c.region.MaxCapacity()),
		SingleView:       c.region.IsSingleView(),
		Collections:      c.collections.Load(),
		CollectedEntries: c.collectedEntries.Load(),
		LastCollectionNs: c.lastCollectionNs.Load(),
	}
}
