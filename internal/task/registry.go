package task

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"MonadFlow/internal/errors"
)

// Factory 根据 JSON 参数构造任务实例。
type Factory func(params json.RawMessage) (Task, error)

// Spec 是任务在队列与 API 载荷中的序列化形式。
type Spec struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Build 按注册的任务类型构造任务。
func (s Spec) Build() (Task, error) {
	return Decode(s.Type, s.Params)
}

var registry = struct {
	mu    sync.RWMutex
	kinds map[string]Factory
}{kinds: make(map[string]Factory)}

// RegisterKind 登记一种任务类型。重复登记会覆盖旧实现。
func RegisterKind(kind string, fn Factory) {
	if kind == "" || fn == nil {
		return
	}
	registry.mu.Lock()
	registry.kinds[kind] = fn
	registry.mu.Unlock()
}

// Decode 按类型名构造任务实例。
func Decode(kind string, params json.RawMessage) (Task, error) {
	registry.mu.RLock()
	fn, ok := registry.kinds[kind]
	registry.mu.RUnlock()
	if !ok {
		return nil, errors.New(errors.CodeInvalidArgument,
			fmt.Sprintf("未注册的任务类型 %s", kind))
	}
	t, err := fn(params)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInvalidArgument,
			fmt.Sprintf("解析任务 %s 的参数失败", kind), err)
	}
	return t, nil
}

// Kinds 返回已注册的任务类型名，按字典序排列。
func Kinds() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	kinds := make([]string, 0, len(registry.kinds))
	for kind := range registry.kinds {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
