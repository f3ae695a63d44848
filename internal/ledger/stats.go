package ledger

// Stats 聚合了分发记录的状态统计，常用于仪表盘或健康检查。
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Dispatched      int   `json:"dispatched"`
	Executed        int   `json:"executed"`
	Failed          int   `json:"failed"`
	Parked          int   `json:"parked"`
	Orphaned        int   `json:"orphaned"`
	Reorged         int   `json:"reorged"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

func (s *Stats) add(rec *Record) {
	s.Total++
	switch rec.Status {
	case StatusPending:
		s.Pending++
	case StatusDispatched:
		s.Dispatched++
	case StatusExecuted:
		s.Executed++
	case StatusFailed:
		s.Failed++
	case StatusParked:
		s.Parked++
	case StatusOrphaned:
		s.Orphaned++
	}
	if rec.Reorged {
		s.Reorged++
	}
	if s.OldestUpdatedAt == 0 || rec.UpdatedAt < s.OldestUpdatedAt {
		s.OldestUpdatedAt = rec.UpdatedAt
	}
	if rec.UpdatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = rec.UpdatedAt
	}
}
