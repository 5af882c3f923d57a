package schedule

import "errors"

var (
	errName = errors.New("job name is required")
	errBody = errors.New("job body is required")
)
