package tradier

type Day struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int     `json:"volume"`
}

type QuoteHistory struct {
	History struct {
		Day []Day `json:"day"`
	} `json:"history"`
}

// Closes returns the closing prices in date order.
func (q *QuoteHistory) Closes() []float64 {
	closes := make([]float64, len(q.History.Day))
	for i, d := range q.History.Day {
		closes[i] = d.Close
	}
	return closes
}

// Last returns the most recent bar.
func (q *QuoteHistory) Last() (Day, bool) {
	if len(q.History.Day) == 0 {
		return Day{}, false
	}
	return q.History.Day[len(q.History.Day)-1], true
}
