package utils

// AverageMeter keeps a running average (the training loss).
type AverageMeter struct {
	Val   float64
	Avg   float64
	Sum   float64
	Count int
}

type MeterState struct {
	Val, Avg, Sum float64
	Count         int
}

func (m *AverageMeter) Reset() {
	*m = AverageMeter{}
}

func (m *AverageMeter) Update(val float64, n int) {
	m.Val = val
	m.Sum += val * float64(n)
	m.Count += n
	m.Avg = m.Sum / float64(m.Count)
}

func (m *AverageMeter) Value() float64 { return m.Avg }

func (m *AverageMeter) State() MeterState {
	return MeterState{Val: m.Val, Avg: m.Avg, Sum: m.Sum, Count: m.Count}
}

func (m *AverageMeter) Load(s MeterState) {
	m.Val, m.Avg, m.Sum, m.Count = s.Val, s.Avg, s.Sum, s.Count
}
