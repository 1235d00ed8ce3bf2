// internal/di/container.go
package di

import (
	"fmt"
	"sort"
	"sync"
)

// 服务注册名
const (
	ServiceConfig     = "config"
	ServiceLLM        = "llm"
	ServiceStore      = "store"
	ServiceMediaStore = "media_store"
	ServiceSimulation = "simulation"
	ServiceHub        = "ws_hub"
	ServiceHealth     = "health_info"
	ServiceMetrics    = "metrics"
)

// Container 按名称保存服务实例
type Container struct {
	services map[string]interface{}
	order    []string
	mutex    sync.RWMutex
}

var (
	globalContainer *Container
	once            sync.Once
)

// NewContainer 创建一个新的依赖注入容器
func NewContainer() *Container {
	return &Container{services: make(map[string]interface{})}
}

// GetContainer 获取全局容器实例
func GetContainer() *Container {
	once.Do(func() {
		globalContainer = NewContainer()
	})
	return globalContainer
}

// Register 注册服务，同名覆盖
func (c *Container) Register(name string, service interface{}) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, exists := c.services[name]; !exists {
		c.order = append(c.order, name)
	}
	c.services[name] = service
}

// Get 不存在时返回 nil
func (c *Container) Get(name string) interface{} {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.services[name]
}

// Has 检查容器中是否存在指定名称的服务
func (c *Container) Has(name string) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	_, exists := c.services[name]
	return exists
}

// Clear 清空容器
func (c *Container) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.services = make(map[string]interface{})
	c.order = nil
}

// GetNames 已注册服务名，排序后返回
func (c *Container) GetNames() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Closers 按注册的逆序返回实现了 Close 的服务
func (c *Container) Closers() []func() error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var closers []func() error
	for i := len(c.order) - 1; i >= 0; i-- {
		switch svc := c.services[c.order[i]].(type) {
		case interface{ Close() error }:
			closers = append(closers, svc.Close)
		case interface{ Close() }:
			closers = append(closers, func() error { svc.Close(); return nil })
		}
	}
	return closers
}

// Resolve 取出并断言类型
func Resolve[T any](c *Container, name string) (T, error) {
	var zero T
	svc := c.Get(name)
	if svc == nil {
		return zero, fmt.Errorf("service %q is not registered", name)
	}
	typed, ok := svc.(T)
	if !ok {
		return zero, fmt.Errorf("service %q has type %T", name, svc)
	}
	return typed, nil
}
