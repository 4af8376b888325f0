package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// ExercisePayloadKey returns the cache key for a published exercise with its questions
func (r *CacheKeyStruct) ExercisePayloadKey(exerciseID string) string {
	return fmt.Sprintf("exercise:%s:payload", exerciseID)
}

// LearnerActiveSessionKey holds the attempt a learner has open for an exercise
func (r *CacheKeyStruct) LearnerActiveSessionKey(learnerID int, exerciseID string) string {
	return fmt.Sprintf("learner:%d:exercise:%s:active_session", learnerID, exerciseID)
}

// SessionStartKey returns the cache key for an attempt's start time
func (r *CacheKeyStruct) SessionStartKey(attemptID string) string {
	return fmt.Sprintf("session:%s:started_at", attemptID)
}

// SubmissionStatusChannel returns the Redis PubSub channel for a submission's status updates
func (r *CacheKeyStruct) SubmissionStatusChannel(submissionID string) string {
	return fmt.Sprintf("submission:%s:status", submissionID)
}

// SubmissionFirstSeenKey records when polling for a submission began
func (r *CacheKeyStruct) SubmissionFirstSeenKey(submissionID string) string {
	return fmt.Sprintf("submission:%s:first_seen", submissionID)
}

var CacheKey = NewCacheKeyStruct()
