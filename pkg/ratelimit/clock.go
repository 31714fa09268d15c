package ratelimit

import "time"

func nowUnixFloat() float64 {
	return float64(time.Now().UnixMicro()) / 1e6
}
