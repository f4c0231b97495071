package raptor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// buildTask 一次后台构建任务
type buildTask struct {
	ID        string
	TenantID  string
	KBID      string
	StartedAt time.Time
	cancel    context.CancelFunc
}

// TaskManager 后台构建任务管理器：登记任务、支持按范围取消
type TaskManager struct {
	mu      sync.Mutex
	tasks   map[string]*buildTask // key = task_id
	byScope map[string]string     // key = tenant_id:kb_id → task_id
}

// NewTaskManager 创建任务管理器
func NewTaskManager() *TaskManager {
	return &TaskManager{
		tasks:   make(map[string]*buildTask),
		byScope: make(map[string]string),
	}
}

func scopeKey(tenantID, kbID string) string {
	return tenantID + ":" + kbID
}

// Start 登记新任务，返回任务 ID 和可取消的任务级 context
func (m *TaskManager) Start(tenantID, kbID string) (string, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	task := &buildTask{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		KBID:      kbID,
		StartedAt: time.Now(),
		cancel:    cancel,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task
	m.byScope[scopeKey(tenantID, kbID)] = task.ID

	return task.ID, ctx
}

// Finish 任务结束，注销登记
func (m *TaskManager) Finish(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return
	}
	task.cancel()
	delete(m.tasks, taskID)

	key := scopeKey(task.TenantID, task.KBID)
	if m.byScope[key] == taskID {
		delete(m.byScope, key)
	}
}

// CancelScope 取消 (tenant, kb) 范围内进行中的构建，返回是否有任务被取消
func (m *TaskManager) CancelScope(tenantID, kbID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	taskID, ok := m.byScope[scopeKey(tenantID, kbID)]
	if !ok {
		return false
	}
	if task, ok := m.tasks[taskID]; ok {
		task.cancel()
		return true
	}
	return false
}

// Running 范围内是否有进行中的构建
func (m *TaskManager) Running(tenantID, kbID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byScope[scopeKey(tenantID, kbID)]
	return ok
}
