package state

import "fmt"

// ReserveSchedule prices account storage in the native asset.
type ReserveSchedule struct {
	PerByte  int64 `toml:"per_byte"`
	Overhead int   `toml:"overhead"`
}

func DefaultReserveSchedule() ReserveSchedule {
	return ReserveSchedule{PerByte: 6960, Overhead: 128}
}

// MinimumBalance is the reserve required to keep an account of size bytes open.
func (r ReserveSchedule) MinimumBalance(size int) int64 {
	return int64(r.Overhead+size) * r.PerByte
}

func (r ReserveSchedule) Validate() error {
	if r.PerByte < 0 || r.Overhead < 0 {
		return fmt.Errorf("reserve schedule must be non-negative: per_byte=%d overhead=%d", r.PerByte, r.Overhead)
	}
	return nil
}
