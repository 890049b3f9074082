package domain

// Course is the catalog snapshot the engine reads at initiation time only.
type Course struct {
	ID         string
	Title      string
	PriceMinor int64
	Currency   string
	IsFree     bool
}
