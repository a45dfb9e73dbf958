package rediskey

import "fmt"

const (
	ProgressPrefix     = "analysis:progress"
	PipelineLockPrefix = "pipeline:lock"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// ProgressChannel returns "analysis:progress:{mainTaskID}"
func ProgressChannel(mainTaskID string) string {
	return NamespaceKey(ProgressPrefix, mainTaskID)
}

// PipelineLock returns "pipeline:lock:{pipelineID}"
func PipelineLock(pipelineID string) string {
	return NamespaceKey(PipelineLockPrefix, pipelineID)
}
