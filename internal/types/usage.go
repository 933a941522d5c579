package types

type Usage struct {
	Input      int64   `json:"input"`
	Output     int64   `json:"output"`
	Reasoning  int64   `json:"reasoning"`
	CacheRead  int64   `json:"cacheRead"`
	CacheWrite int64   `json:"cacheWrite"`
	Cost       float64 `json:"cost"`
}

func (u Usage) Add(other Usage) Usage {
	return Usage{
		Input:      u.Input + other.Input,
		Output:     u.Output + other.Output,
		Reasoning:  u.Reasoning + other.Reasoning,
		CacheRead:  u.CacheRead + other.CacheRead,
		CacheWrite: u.CacheWrite + other.CacheWrite,
		Cost:       u.Cost + other.Cost,
	}
}

// ContextTokens is the prompt size the latest turn occupied.
func (u Usage) ContextTokens() int64 {
	return u.Input + u.Output + u.Reasoning + u.CacheRead + u.CacheWrite
}

type SessionUsage struct {
	Totals          Usage  `json:"totals"`
	Latest          Usage  `json:"latest"`
	LatestMessageID string `json:"latestMessageID,omitempty"`
	Messages        int    `json:"messages"`
}
