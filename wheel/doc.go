// Package wheel decides, one scroll event at a time, whether wheel motion is a
// deliberate gesture or phantom noise from a free-spinning wheel that refuses
// to sit still.
//
// The core is a dead-reckoning accumulator per axis: raw deltas integrate into
// a position, a recentering term bleeds slow drift back toward zero, and only
// once the accumulated magnitude crosses a threshold does the filter start
// forwarding events. A lower "off" threshold releases the active state so the
// boundary does not chatter. An optional overscroll mode predicts continued
// motion while the wheel decelerates and pays the borrowed distance back once
// it stops.
//
// A Filter is not safe for concurrent use. Each instance expects a single
// caller feeding it events in timestamp order; independent axes get
// independent instances.
package wheel
