package joblog

import (
	"bufio"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

const logSuffix = ".log"

// Writes the job log to the file system, one file of JSON lines per job.
// Not durable beyond machine failure.
type fileJobLog struct {
	dirName string
	mutex   sync.Mutex
}

// Creates a file backed JobLog stored at the specified directory,
// creating the directory if it does not exist.
func MakeFileJobLog(dirName string) (JobLog, error) {
	if err := os.MkdirAll(dirName, os.ModePerm); err != nil {
		return nil, errors.Wrapf(err, "creating job log dir %s", dirName)
	}
	return &fileJobLog{dirName: dirName}, nil
}

// job ids are opaque, escape them so each maps to exactly one file in dirName
func (log *fileJobLog) fileName(jobID string) string {
	return filepath.Join(log.dirName, url.PathEscape(jobID)+logSuffix)
}

// Append writes the entry as a single line so a failed write never leaves
// part of an earlier entry behind.
func (log *fileJobLog) Append(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrapf(err, "encoding entry for job %s", entry.JobID)
	}
	line = append(line, '\n')

	log.mutex.Lock()
	defer log.mutex.Unlock()

	f, err := os.OpenFile(log.fileName(entry.JobID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "opening job log for %s", entry.JobID)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return errors.Wrapf(err, "appending to job log for %s", entry.JobID)
	}
	return nil
}

func (log *fileJobLog) Entries(jobID string) ([]Entry, error) {
	log.mutex.Lock()
	defer log.mutex.Unlock()

	f, err := os.Open(log.fileName(jobID))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrapf(err, "opening job log for %s", jobID)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return entries, errors.Wrapf(err, "corrupt job log for %s", jobID)
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

func (log *fileJobLog) JobIDs() ([]string, error) {
	log.mutex.Lock()
	defer log.mutex.Unlock()

	files, err := os.ReadDir(log.dirName)
	if err != nil {
		return nil, errors.Wrapf(err, "listing job log dir %s", log.dirName)
	}
	ids := make([]string, 0, len(files))
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasSuffix(name, logSuffix) {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, logSuffix))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
