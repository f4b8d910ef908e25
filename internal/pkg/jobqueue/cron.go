package jobqueue

import (
	"fmt"
	"strconv"
	"strings"
)

// parseEveryMinutes extracts N from a "*/N * * * *" cron expression.
func parseEveryMinutes(cron string) (int, error) {
	fields := strings.Fields(strings.TrimSpace(cron))
	if len(fields) != 5 {
		return 0, fmt.Errorf("not a 5-field cron expression: %q", cron)
	}
	for _, f := range fields[1:] {
		if f != "*" {
			return 0, fmt.Errorf("unsupported cron shape: %q", cron)
		}
	}
	if !strings.HasPrefix(fields[0], "*/") {
		return 0, fmt.Errorf("unsupported minute field: %q", fields[0])
	}
	n, err := strconv.Atoi(strings.TrimPrefix(fields[0], "*/"))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid minute step: %q", fields[0])
	}
	return n, nil
}
