package perp

import "github.com/minjcho/hedgemark/pkg/hbar"

// MaintenanceSchedule maps leverage to a maintenance-margin ratio through
// buckets of BucketSize leverage steps: ratio = BaseRatio * bucket(leverage).
// The default gives 0.5% for 1-5x, 1.0% for 6-10x, 1.5% for 11-15x and so on,
// monotone-increasing in leverage.
type MaintenanceSchedule struct {
	BaseRatio  float64 `yaml:"baseRatio" json:"baseRatio"`
	BucketSize int     `yaml:"bucketSize" json:"bucketSize"`
}

func DefaultMaintenanceSchedule() MaintenanceSchedule {
	return MaintenanceSchedule{BaseRatio: 0.005, BucketSize: 5}
}

// Ratio returns the maintenance-margin ratio for a leverage.
func (s MaintenanceSchedule) Ratio(leverage int) float64 {
	if leverage < 1 {
		leverage = 1
	}
	bucket := (leverage + s.BucketSize - 1) / s.BucketSize
	return s.BaseRatio * float64(bucket)
}

// MaintenanceMargin returns the minimum equity a position of the given size
// and leverage must retain before becoming liquidatable.
func (s MaintenanceSchedule) MaintenanceMargin(size hbar.Tinybar, leverage int) hbar.Tinybar {
	return size.MulFloat(s.Ratio(leverage))
}
