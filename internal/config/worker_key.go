package config

type WorkerKeyStruct struct {
	EvaluationPollSchedule  string
	PersistSubmissionsQueue string
}

var WorkerKey = &WorkerKeyStruct{
	EvaluationPollSchedule:  "evaluation_poll_schedule",
	PersistSubmissionsQueue: "persist_submissions_queue",
}
