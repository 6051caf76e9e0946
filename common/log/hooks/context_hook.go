package hooks

import (
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"
)

// contextHook tags every entry with the file:line of the code that logged it.
type contextHook struct {
	trimPrefix string
}

// NewContextHook returns a hook that reports call sites relative to the
// gpusched module root.
func NewContextHook() contextHook {
	return contextHook{trimPrefix: "gpusched/"}
}

func (hook contextHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (hook contextHook) Fire(entry *logrus.Entry) error {
	if site := hook.callSite(string(debug.Stack())); site != "" {
		entry.Data["file:line"] = site
	}
	return nil
}

// callSite scans a goroutine dump for the first frame below this hook that
// isn't inside logrus. Frames in a dump are a function line followed by a
// tab-indented file:line.
func (hook contextHook) callSite(stack string) string {
	lines := strings.Split(stack, "\n")
	foundHook := false
	for i := 0; i+1 < len(lines); i++ {
		if !foundHook {
			foundHook = strings.Contains(lines[i], "context_hook.go:")
			continue
		}
		fn, file := lines[i], lines[i+1]
		if !strings.HasPrefix(file, "\t") {
			continue
		}
		i++
		if strings.Contains(fn, "sirupsen/logrus") || strings.Contains(file, "sirupsen/logrus") {
			continue
		}
		parts := strings.Split(strings.TrimSpace(file), hook.trimPrefix)
		site := parts[len(parts)-1]
		// drop the " +0x1f" pc offset
		if idx := strings.LastIndex(site, " +0x"); idx >= 0 {
			site = site[:idx]
		}
		return site
	}
	return ""
}
