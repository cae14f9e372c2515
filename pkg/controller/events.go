package controller

import "github.com/cert-ee/cuckoo3/pkg/stageworkers"

// eventKind names one of the cases in the controller's single ordered
// event queue.
type eventKind string

const (
	eventTrackNew         eventKind = "tracknew"
	eventStageComplete    eventKind = "stage_complete"
	eventTaskFinished     eventKind = "task_finished"
	eventMachineGone      eventKind = "machine_gone"
	eventNodeDisconnected eventKind = "node_disconnected"
	eventManualRelease    eventKind = "manual_release"
	eventShutdown         eventKind = "shutdown"
)

// event is the queue element the controller's serial loop consumes.
// Only the field(s) named in the comment for a given kind are populated.
type event struct {
	kind eventKind

	analysisID string // tracknew, manual_release

	stageResult stageworkers.Result // stage_complete

	taskID  string // task_finished
	taskErr error  // task_finished

	machineName string // machine_gone

	nodeName string // node_disconnected
}
