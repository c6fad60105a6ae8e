package traffic

// Delta accumulates the not-yet-persisted byte and request counts for one
// job. It is both the aggregator's pending bucket and the wire shape of a
// traffic increment on the metering API. The zero value is ready to use.
type Delta struct {
	TotalBytes    int64 `json:"total_bytes" validate:"gte=0"`
	RequestBytes  int64 `json:"request_bytes" validate:"gte=0"`
	ResponseBytes int64 `json:"response_bytes" validate:"gte=0"`
	RequestCount  int64 `json:"request_count" validate:"gte=0"`
}

// Accumulate folds one finalized metric into the delta.
func (d *Delta) Accumulate(m RequestMetric) {
	d.TotalBytes += m.TotalBytes
	d.RequestBytes += m.RequestBytes
	d.ResponseBytes += m.ResponseBytes
	d.RequestCount++
}

// Merge adds all of other's counts into d.
func (d *Delta) Merge(other Delta) {
	d.TotalBytes += other.TotalBytes
	d.RequestBytes += other.RequestBytes
	d.ResponseBytes += other.ResponseBytes
	d.RequestCount += other.RequestCount
}

// Empty reports whether the delta carries nothing worth persisting.
func (d Delta) Empty() bool {
	return d.TotalBytes <= 0
}
