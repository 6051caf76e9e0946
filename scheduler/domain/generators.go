package domain

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/leanovate/gopter"
)

// Generates a new rand seeded with the current time
func NewRand() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// Generates an AlphaNumericString of random length (0, 21]
func GenRandomAlphaNumericString(rng *rand.Rand) string {
	const chars = "abcdefghijklmnopqrstuvwxyz0123456789"
	length := rng.Intn(20) + 1
	result := make([]byte, length)
	for i := 0; i < length; i++ {
		result[i] = chars[rng.Intn(len(chars))]
	}
	return string(result)
}

// Generates a Job of the given type with the specified Id
func GenJob(id string, jobType JobType) Job {
	job := GenRandomJob(NewRand())
	job.ID = id
	job.Type = jobType
	return job
}

// Generates a random, valid, not yet accepted Job using the supplied Rand.
// Users come from a small pool so rate limit and fairness paths get exercised.
func GenRandomJob(rng *rand.Rand) Job {
	tier := Free
	if rng.Intn(2) == 0 {
		tier = Paid
	}
	return Job{
		ID:                fmt.Sprintf("job:%s", GenRandomAlphaNumericString(rng)),
		Type:              JobTypes[rng.Intn(len(JobTypes))],
		Priority:          Priority(rng.Intn(NumPriorities)),
		UserID:            fmt.Sprintf("user%d", rng.Intn(8)),
		Tier:              tier,
		EstimatedVRAMMB:   rng.Intn(16) * 512,
		EstimatedDuration: time.Duration(rng.Intn(60)+1) * time.Second,
	}
}

// Randomly generates a valid Job id
func GenJobId() gopter.Gen {
	return func(genParams *gopter.GenParameters) *gopter.GenResult {
		result := GenRandomAlphaNumericString(genParams.Rng)
		return gopter.NewGenResult(result, gopter.NoShrinker)
	}
}

// Wrapper function Generates a Job for Property Based Tests
func GopterGenJob() gopter.Gen {
	return func(genParams *gopter.GenParameters) *gopter.GenResult {
		job := GenRandomJob(genParams.Rng)
		return gopter.NewGenResult(job, gopter.NoShrinker)
	}
}

// Generates a slice of up to maxJobs jobs with distinct ids
func GopterGenJobs(maxJobs int) gopter.Gen {
	return func(genParams *gopter.GenParameters) *gopter.GenResult {
		n := genParams.Rng.Intn(maxJobs + 1)
		jobs := make([]Job, 0, n)
		for i := 0; i < n; i++ {
			job := GenRandomJob(genParams.Rng)
			job.ID = fmt.Sprintf("job%d:%s", i, job.ID)
			jobs = append(jobs, job)
		}
		return gopter.NewGenResult(jobs, gopter.NoShrinker)
	}
}
