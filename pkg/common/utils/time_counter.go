package utils

import "time"

// TimeCounter measures from the last Reset.
type TimeCounter struct {
	begin time.Time
}

func (c *TimeCounter) Reset() {
	c.begin = time.Now()
}

func (c *TimeCounter) Begin() time.Time {
	return c.begin
}

func (c *TimeCounter) Elapsed() time.Duration {
	return time.Since(c.begin)
}

func (c *TimeCounter) CountMilliseconds() int64 {
	return time.Since(c.begin).Milliseconds()
}
