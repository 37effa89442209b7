package execution

import "github.com/shopspring/decimal"

// Stats 聚合了执行状态的统计信息，常用于仪表盘或健康检查。
type Stats struct {
	Total      int             `json:"total"`
	Pending    int             `json:"pending"`
	Processing int             `json:"processing"`
	Completed  int             `json:"completed"`
	Failed     int             `json:"failed"`
	AmountSent decimal.Decimal `json:"amountSent"`
}

func (s *Stats) add(exec *Execution) {
	s.Total++
	switch exec.Status {
	case StatusPending:
		s.Pending++
	case StatusProcessing:
		s.Processing++
	case StatusCompleted:
		s.Completed++
		s.AmountSent = s.AmountSent.Add(exec.Amount)
	case StatusFailed:
		s.Failed++
	}
}
