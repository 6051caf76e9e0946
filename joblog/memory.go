package joblog

import (
	"sort"
	"sync"
)

/*
 * In Memory Implementation of a JobLog, DOES NOT durably persist entries.
 * This is for local runs and testing.
 */
type inMemoryJobLog struct {
	jobs  map[string][]Entry
	mutex sync.RWMutex
}

func MakeInMemoryJobLog() JobLog {
	return &inMemoryJobLog{
		jobs: make(map[string][]Entry),
	}
}

func (log *inMemoryJobLog) Append(entry Entry) error {
	log.mutex.Lock()
	defer log.mutex.Unlock()

	log.jobs[entry.JobID] = append(log.jobs[entry.JobID], entry)
	return nil
}

func (log *inMemoryJobLog) Entries(jobID string) ([]Entry, error) {
	log.mutex.RLock()
	defer log.mutex.RUnlock()

	entries, ok := log.jobs[jobID]
	if !ok {
		return nil, nil
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, nil
}

func (log *inMemoryJobLog) JobIDs() ([]string, error) {
	log.mutex.RLock()
	defer log.mutex.RUnlock()

	keys := make([]string, 0, len(log.jobs))
	for key := range log.jobs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
