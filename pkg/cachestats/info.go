package cachestats

import (
	"bufio"
	"strconv"
	"strings"
)

// parseInfo reads the "field:value" lines of an INFO reply.
func parseInfo(text string) map[string]string {
	fields := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields[name] = value
	}
	return fields
}

func infoInt(fields map[string]string, name string) int64 {
	n, err := strconv.ParseInt(fields[name], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// keyspaceTotal sums "keys=N" across the db0..dbN keyspace lines.
func keyspaceTotal(fields map[string]string) int64 {
	var total int64
	for name, value := range fields {
		if !strings.HasPrefix(name, "db") {
			continue
		}
		if _, err := strconv.Atoi(name[2:]); err != nil {
			continue
		}
		for _, part := range strings.Split(value, ",") {
			k, v, ok := strings.Cut(part, "=")
			if ok && k == "keys" {
				n, _ := strconv.ParseInt(v, 10, 64)
				total += n
			}
		}
	}
	return total
}
