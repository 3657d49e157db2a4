// Package notify 定义任务追踪器与产物仓库向所属目标进程发送的通知。
// 通知仅用于观测，丢失不影响正确性。
package notify

import "time"

// Kind 区分通知来源。
type Kind string

const (
	KindTaskTracker   Kind = "task_tracker_update"
	KindArtifactStore Kind = "artifact_store_update"
)

// Notification 对应 {kind, objective_id, {event, record}}。
type Notification struct {
	Kind        Kind      `json:"kind"`
	ObjectiveID string    `json:"objective_id"`
	Event       string    `json:"event"`
	Record      any       `json:"record"`
	At          time.Time `json:"at"`
}

// Sink 接收通知。实现必须非阻塞。
type Sink interface {
	Notify(n Notification)
}

// SinkFunc 将函数适配为 Sink。
type SinkFunc func(Notification)

// Notify 实现 Sink。
func (f SinkFunc) Notify(n Notification) { f(n) }

// Emit 在 sink 非空时投递通知。
func Emit(sink Sink, kind Kind, objectiveID, event string, record any) {
	if sink == nil {
		return
	}
	sink.Notify(Notification{
		Kind:        kind,
		ObjectiveID: objectiveID,
		Event:       event,
		Record:      record,
		At:          time.Now().UTC(),
	})
}
